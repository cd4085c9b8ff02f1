package linecount

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// LanguageStats is the per-language summary reported by the counting tool.
type LanguageStats struct {
	Files      int64 `json:"file_count"`
	Code       int64 `json:"code_lines"`
	Complexity int64 `json:"complexity"`
}

// Analyzer reports per-language line and complexity counts for a directory.
type Analyzer interface {
	Analyze(ctx context.Context, dir string) (map[string]LanguageStats, error)
}

type sccOutput []struct {
	Name       string `json:"Name"`
	Count      int64  `json:"Count"`
	Code       int64  `json:"Code"`
	Complexity int64  `json:"Complexity"`
}

// SCC runs the scc binary with JSON output.
type SCC struct {
	Binary  string
	Timeout time.Duration
}

func NewSCC(binary string, timeout time.Duration) *SCC {
	if binary == "" {
		binary = "scc"
	}
	return &SCC{Binary: binary, Timeout: timeout}
}

func (s *SCC) Analyze(ctx context.Context, dir string) (map[string]LanguageStats, error) {
	bin, err := exec.LookPath(s.Binary)
	if err != nil {
		return nil, fmt.Errorf("linecount: %s not found: %w", s.Binary, err)
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	args := []string{"--format", "json", "--no-cocomo", dir}
	cmd := exec.CommandContext(ctx, bin, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	zap.L().Debug("linecount: running", zap.String("bin", bin), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("linecount: %s error: %v, output: %s", s.Binary, err, stderr.String())
	}

	return ParseSCC(stdout.Bytes())
}

// ParseSCC decodes scc's JSON report.
func ParseSCC(out []byte) (map[string]LanguageStats, error) {
	var report sccOutput
	if err := json.Unmarshal(out, &report); err != nil {
		return nil, fmt.Errorf("linecount: decode report: %w", err)
	}

	stats := make(map[string]LanguageStats, len(report))
	for _, lang := range report {
		s := stats[lang.Name]
		s.Files += lang.Count
		s.Code += lang.Code
		s.Complexity += lang.Complexity
		stats[lang.Name] = s
	}
	return stats, nil
}
