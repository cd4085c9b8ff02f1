package quality

import (
	"fmt"
	"sort"

	"codemint-controlplane/pkg/celengine"
	"codemint-controlplane/services/codebase"
	"codemint-controlplane/services/contribution"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"
)

type GateConfig struct {
	MinCompressionRatio float64
	MaxTokens           int64
	// Rules are CEL expressions over the metrics. A rule evaluating to
	// true rejects the submission.
	Rules []string
}

// Verdict is the gate outcome; Reason is empty when the submission passed.
type Verdict struct {
	Reason  contribution.RejectionReason
	Summary string
}

func (v Verdict) Passed() bool { return v.Reason == "" }

type Gate struct {
	cfg GateConfig
	env *cel.Env
}

// NewGate compiles the policy rules once so a broken rule fails at startup.
func NewGate(cfg GateConfig) (*Gate, error) {
	g := &Gate{cfg: cfg}
	if len(cfg.Rules) == 0 {
		return g, nil
	}

	env, err := celengine.GetOrBuildEnv(metricAttributes(codebase.Metrics{}))
	if err != nil {
		return nil, fmt.Errorf("quality: build rule env: %w", err)
	}
	for _, rule := range cfg.Rules {
		if err := celengine.ValidateExpression(env, rule); err != nil {
			return nil, fmt.Errorf("quality: invalid gate rule %q: %w", rule, err)
		}
	}
	g.env = env
	return g, nil
}

// Check applies the entropy floor, then the size ceiling, then the policy
// rules. The first failing check decides the reason.
func (g *Gate) Check(m codebase.Metrics) Verdict {
	if m.CompressionRatio < g.cfg.MinCompressionRatio {
		return Verdict{
			Reason:  contribution.ReasonLowEntropy,
			Summary: fmt.Sprintf("compression ratio %.3f is below %.3f", m.CompressionRatio, g.cfg.MinCompressionRatio),
		}
	}

	if g.cfg.MaxTokens > 0 && m.Tokens > g.cfg.MaxTokens {
		return Verdict{
			Reason:  contribution.ReasonOversize,
			Summary: fmt.Sprintf("%d tokens exceed the limit of %d", m.Tokens, g.cfg.MaxTokens),
		}
	}

	if g.env == nil {
		return Verdict{}
	}

	attrs := metricAttributes(m)
	for _, rule := range g.cfg.Rules {
		rejected, err := celengine.Evaluate(g.env, rule, attrs)
		if err != nil {
			zap.L().Warn("⚠️ gate rule evaluation failed", zap.String("rule", rule), zap.Error(err))
			continue
		}
		if rejected {
			return Verdict{
				Reason:  contribution.ReasonPolicy,
				Summary: fmt.Sprintf("rejected by policy %q", rule),
			}
		}
	}

	return Verdict{}
}

func metricAttributes(m codebase.Metrics) map[string]interface{} {
	langs := make([]interface{}, 0, len(m.Languages))
	names := make([]string, 0, len(m.Languages))
	for name := range m.Languages {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		langs = append(langs, name)
	}

	return map[string]interface{}{
		"file_count":        int64(m.FileCount),
		"lloc":              m.LLOC,
		"tokens":            m.Tokens,
		"avg_complexity":    m.AvgComplexity,
		"compression_ratio": m.CompressionRatio,
		"languages":         langs,
	}
}
