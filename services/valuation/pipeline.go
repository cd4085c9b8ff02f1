package valuation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"codemint-controlplane/pkg/blob"
	"codemint-controlplane/pkg/errutil"
	"codemint-controlplane/pkg/notify"
	"codemint-controlplane/services/codebase"
	"codemint-controlplane/services/contribution"
	"codemint-controlplane/services/ledger"
	"codemint-controlplane/services/networkstats"
	"codemint-controlplane/services/quality"
	"codemint-controlplane/services/reward"
	"codemint-controlplane/services/uniqueness"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// EventFinalized is published to the owner after every terminal write.
const EventFinalized = "contribution.finalized"

// rewardScale is the number of decimals a reward is rounded to before it
// reaches the ledger.
const rewardScale = 8

var ErrContributionNotFound = errors.New("valuation: contribution not found")

type Config struct {
	Reward reward.Params
	Parse  codebase.ParseOptions
}

type Pipeline struct {
	cfg Config

	blobs         blob.Store
	contributions *contribution.Service
	extractor     *codebase.Extractor
	gate          *quality.Gate
	scorer        *quality.Scorer
	detector      *uniqueness.Detector
	stats         *networkstats.Service
	ledger        *ledger.Service
	notifier      notify.Publisher

	tracer trace.Tracer
}

type Deps struct {
	Blobs         blob.Store
	Contributions *contribution.Service
	Extractor     *codebase.Extractor
	Gate          *quality.Gate
	Scorer        *quality.Scorer
	Detector      *uniqueness.Detector
	Stats         *networkstats.Service
	Ledger        *ledger.Service
	Notifier      notify.Publisher
}

func NewPipeline(cfg Config, d Deps) *Pipeline {
	notifier := d.Notifier
	if notifier == nil {
		notifier = notify.LogPublisher{}
	}
	return &Pipeline{
		cfg:           cfg,
		blobs:         d.Blobs,
		contributions: d.Contributions,
		extractor:     d.Extractor,
		gate:          d.Gate,
		scorer:        d.Scorer,
		detector:      d.Detector,
		stats:         d.Stats,
		ledger:        d.Ledger,
		notifier:      notifier,
		tracer:        otel.Tracer("codemint/valuation"),
	}
}

// outcome is what evaluate decided. A PROCESSED outcome is still subject to
// the reward step, which may turn it into a zero-reward rejection.
type outcome struct {
	status    contribution.Status
	doc       contribution.Valuation
	embedding contribution.Vector
	input     reward.Input
}

func rejected(status contribution.Status, doc contribution.Valuation, reason contribution.RejectionReason, summary string) outcome {
	doc.Rejection = &contribution.Rejection{Reason: reason, Summary: summary}
	return outcome{status: status, doc: doc}
}

// Result is the terminal state a run left the contribution in.
type Result struct {
	ContributionID string
	Status         contribution.Status
	Reward         decimal.Decimal
	Valuation      contribution.Valuation
}

// Run values one contribution end to end and writes exactly one terminal
// status. Contributions already terminal are acknowledged without work; one
// found PROCESSING belongs to an interrupted run and is failed.
func (p *Pipeline) Run(ctx context.Context, contributionID string) (res *Result, err error) {
	ctx, span := p.tracer.Start(ctx, "valuation.Run", trace.WithAttributes(attribute.String("contribution_id", contributionID)))
	defer span.End()

	log := zap.L().With(zap.String("contribution_id", contributionID))

	c, err := p.contributions.Get(ctx, contributionID)
	if err != nil {
		if errutil.From(err).Status() == errutil.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrContributionNotFound, contributionID)
		}
		return nil, err
	}
	log = log.With(zap.String("owner_id", c.Owner()))

	switch {
	case c.Status.Terminal():
		log.Info("contribution already finalized, skipping", zap.String("status", string(c.Status)))
		return &Result{ContributionID: c.ID, Status: c.Status, Reward: c.RewardAmount, Valuation: c.Valuation.Data()}, nil
	case c.Status == contribution.StatusProcessing:
		log.Warn("⚠️ contribution left processing by an earlier run")
		out := rejected(contribution.StatusFailed, contribution.Valuation{}, contribution.ReasonInterrupted, "processing was interrupted; resubmit to retry")
		return p.commit(ctx, c, out)
	}

	if err := p.contributions.Transition(ctx, nil, c.ID, contribution.StatusPending, contribution.StatusProcessing); err != nil {
		if errors.Is(err, contribution.ErrStatusChanged) {
			log.Info("contribution claimed by another worker")
			return nil, nil
		}
		return nil, err
	}
	log.Info("▶️ start valuation")

	defer func() {
		if r := recover(); r != nil {
			log.Error("❌ valuation panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			span.SetStatus(codes.Error, "panic")
			out := rejected(contribution.StatusFailed, contribution.Valuation{}, contribution.ReasonInternal, fmt.Sprintf("internal error: %v", r))
			res, err = p.commit(ctx, c, out)
		}
	}()

	out, err := p.evaluate(ctx, c)
	if err != nil {
		log.Error("❌ valuation failed", zap.Error(err))
		span.RecordError(err)
		out = rejected(contribution.StatusFailed, out.doc, contribution.ReasonInternal, err.Error())
	}

	return p.commit(ctx, c, out)
}

// evaluate runs every stage up to the reward. Business rejections come back
// as outcomes; only unexpected failures are errors.
func (p *Pipeline) evaluate(ctx context.Context, c *contribution.Contribution) (outcome, error) {
	var doc contribution.Valuation

	// 1️⃣ load and parse
	data, err := p.blobs.Get(ctx, c.ContentRef)
	if errors.Is(err, blob.ErrNotFound) {
		return rejected(contribution.StatusFailed, doc, contribution.ReasonBlobNotFound, "submitted content is no longer available"), nil
	}
	if err != nil {
		return outcome{}, fmt.Errorf("load content: %w", err)
	}

	files := p.parse(ctx, data)
	if len(files) == 0 {
		return rejected(contribution.StatusRejectedEmpty, doc, contribution.ReasonEmpty, "submission contains no source files"), nil
	}

	// 2️⃣ objective metrics and the gate
	m := p.measure(ctx, files)
	doc = metricsDoc(m)

	if v := p.gate.Check(m); !v.Passed() {
		return rejected(contribution.StatusRejectedNoReward, doc, v.Reason, v.Summary), nil
	}
	if m.Tokens == 0 {
		return rejected(contribution.StatusRejectedNoReward, doc, contribution.ReasonNoTokens, "submission has no measurable tokens"), nil
	}
	if c.OwnerID == nil {
		return rejected(contribution.StatusRejectedNoReward, doc, contribution.ReasonOrphaned, "owner no longer exists"), nil
	}
	owner := c.Owner()

	// 3️⃣ scoring and uniqueness run side by side
	content := codebase.Concat(files)
	var (
		scores quality.Scores
		vec    contribution.Vector
		match  uniqueness.Match
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(recovered("score", func() error {
		sctx, span := p.tracer.Start(gctx, "valuation.score")
		defer span.End()
		scores = p.scorer.Score(sctx, owner, content, m)
		return nil
	}))
	g.Go(recovered("uniqueness", func() error {
		uctx, span := p.tracer.Start(gctx, "valuation.uniqueness")
		defer span.End()

		v, err := p.detector.Embed(uctx, content)
		if err != nil {
			return err
		}
		vec = v
		match, err = p.detector.Classify(uctx, owner, c.ID, v)
		return err
	}))
	if err := g.Wait(); err != nil {
		if errors.Is(err, errStagePanic) {
			return outcome{doc: doc}, err
		}
		if errors.Is(err, uniqueness.ErrNoEmbedding) {
			zap.L().Warn("⚠️ embedding unavailable", zap.String("contribution_id", c.ID), zap.Error(err))
			return rejected(contribution.StatusFailedEmbedding, doc, contribution.ReasonNoEmbedding, "embedding could not be generated"), nil
		}
		return outcome{doc: doc}, fmt.Errorf("uniqueness: %w", err)
	}

	doc.Qualitative = &contribution.QualitativeScores{
		Clarity:      scores.Clarity,
		Architecture: scores.Architecture,
		Quality:      scores.Quality,
		Summary:      scores.Summary,
		Source:       scores.Source,
	}
	doc.Similarity = similarityDoc(match)

	input := reward.Input{
		Tokens:        m.Tokens,
		AvgComplexity: m.AvgComplexity,
		Clarity:       scores.Clarity,
		Architecture:  scores.Architecture,
		Quality:       scores.Quality,
	}

	// 4️⃣ classification
	switch match.Classification {
	case uniqueness.ClassDuplicate:
		out := rejected(contribution.StatusDuplicateCrossUser, doc, contribution.ReasonDuplicate,
			fmt.Sprintf("%.1f%% similar to contribution %s by another author", match.Related.Similarity*100, match.Related.ID))
		out.embedding = vec
		return out, nil

	case uniqueness.ClassUpdate:
		delta, err := p.delta(ctx, match.Related.ID, files)
		if err != nil {
			return outcome{doc: doc}, err
		}
		tokens := p.extractor.Tokens(delta.Files)
		doc.Incremental = &contribution.IncrementalDelta{
			PriorContributionID: match.Related.ID,
			AddedLines:          delta.AddedLines,
			ChangedFiles:        delta.ChangedFiles,
			Tokens:              tokens,
		}
		if delta.Empty() || tokens == 0 {
			out := rejected(contribution.StatusRejectedNoNewCode, doc, contribution.ReasonNoNewCode,
				fmt.Sprintf("no new code compared to contribution %s", match.Related.ID))
			out.embedding = vec
			return out, nil
		}
		input.Tokens = tokens
	}

	return outcome{status: contribution.StatusProcessed, doc: doc, embedding: vec, input: input}, nil
}

var errStagePanic = errors.New("valuation stage panicked")

// recovered wraps an errgroup stage so a panic in it becomes an error for
// Wait instead of killing the worker process.
func recovered(stage string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				zap.L().Error("❌ valuation stage panicked", zap.String("stage", stage), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				err = fmt.Errorf("%w: %s: %v", errStagePanic, stage, r)
			}
		}()
		return fn()
	}
}

func (p *Pipeline) parse(ctx context.Context, data []byte) []codebase.File {
	_, span := p.tracer.Start(ctx, "valuation.parse")
	defer span.End()
	files := codebase.Parse(string(data), p.cfg.Parse)
	span.SetAttributes(attribute.Int("files", len(files)))
	return files
}

func (p *Pipeline) measure(ctx context.Context, files []codebase.File) codebase.Metrics {
	ctx, span := p.tracer.Start(ctx, "valuation.metrics")
	defer span.End()
	m := p.extractor.Extract(ctx, files)
	span.SetAttributes(
		attribute.Int64("lloc", m.LLOC),
		attribute.Int64("tokens", m.Tokens),
		attribute.Float64("compression_ratio", m.CompressionRatio),
	)
	return m
}

// delta diffs files against the content of the prior contribution.
func (p *Pipeline) delta(ctx context.Context, priorID string, files []codebase.File) (codebase.Delta, error) {
	prior, err := p.contributions.Get(ctx, priorID)
	if err != nil {
		return codebase.Delta{}, fmt.Errorf("load prior contribution %s: %w", priorID, err)
	}
	data, err := p.blobs.Get(ctx, prior.ContentRef)
	if err != nil {
		return codebase.Delta{}, fmt.Errorf("load prior content %s: %w", priorID, err)
	}
	return codebase.Diff(codebase.Parse(string(data), p.cfg.Parse), files), nil
}

// commit writes the terminal status. A PROCESSED outcome is priced against
// the locked network stats; the reward credit, the finalize and the stats
// fold share one transaction.
func (p *Pipeline) commit(ctx context.Context, c *contribution.Contribution, out outcome) (*Result, error) {
	log := zap.L().With(zap.String("contribution_id", c.ID), zap.String("owner_id", c.Owner()))

	res := &Result{ContributionID: c.ID, Reward: decimal.Zero}
	var err error
	if out.status == contribution.StatusProcessed {
		err = p.reward(ctx, c, out, res)
	} else {
		err = p.contributions.Finalize(ctx, nil, c.ID, contribution.Outcome{
			Status:    out.status,
			Valuation: out.doc,
			Reward:    decimal.Zero,
			Embedding: out.embedding,
		})
		res.Status = out.status
		res.Valuation = out.doc
	}

	if err != nil {
		if errors.Is(err, contribution.ErrStatusChanged) {
			log.Warn("⚠️ contribution finalized concurrently", zap.Error(err))
			return nil, nil
		}
		if out.status == contribution.StatusFailed {
			return nil, err
		}
		log.Error("❌ failed to record valuation outcome", zap.String("status", string(out.status)), zap.Error(err))
		return p.commit(ctx, c, rejected(contribution.StatusFailed, out.doc, contribution.ReasonInternal, err.Error()))
	}

	fields := []zap.Field{zap.String("status", string(res.Status)), zap.String("reward", res.Reward.String())}
	if r := res.Valuation.Rejection; r != nil {
		fields = append(fields, zap.String("reason", string(r.Reason)))
	}
	log.Info("🎉 valuation finalized", fields...)

	p.notify(ctx, c, res)
	return res, nil
}

func (p *Pipeline) reward(ctx context.Context, c *contribution.Contribution, out outcome, res *Result) error {
	_, err := p.stats.Apply(ctx, func(tx *gorm.DB, current networkstats.NetworkStats) (*networkstats.Sample, error) {
		doc := out.doc
		b := reward.Calculate(p.cfg.Reward, out.input, current.Snapshot())
		doc.Multipliers = &contribution.Multipliers{
			BaseValue:  b.BaseValue,
			Rarity:     b.Rarity,
			Halving:    b.Halving,
			AIWeighted: b.AIWeighted,
		}
		amount := decimal.NewFromFloat(b.Final).Round(rewardScale)
		doc.FinalReward = amount.InexactFloat64()

		if !amount.IsPositive() {
			doc.Rejection = &contribution.Rejection{Reason: contribution.ReasonZeroReward, Summary: "computed reward rounds to zero"}
			if err := p.contributions.Finalize(ctx, tx, c.ID, contribution.Outcome{
				Status:    contribution.StatusRejectedNoReward,
				Valuation: doc,
				Reward:    decimal.Zero,
				Embedding: out.embedding,
			}); err != nil {
				return nil, err
			}
			res.Status = contribution.StatusRejectedNoReward
			res.Valuation = doc
			return nil, nil
		}

		if err := p.contributions.Finalize(ctx, tx, c.ID, contribution.Outcome{
			Status:    contribution.StatusProcessed,
			Valuation: doc,
			Reward:    amount,
			Embedding: out.embedding,
		}); err != nil {
			return nil, err
		}
		if _, err := p.ledger.Post(ctx, tx, ledger.Posting{
			OwnerID:     c.Owner(),
			Type:        ledger.EntryReward,
			Amount:      amount,
			ReferenceID: c.ID,
			Description: "contribution reward",
			Metadata:    map[string]any{"origin": c.Origin},
		}); err != nil {
			return nil, err
		}

		res.Status = contribution.StatusProcessed
		res.Reward = amount
		res.Valuation = doc
		sample := networkstats.SampleOf(doc, amount)
		return &sample, nil
	})
	return err
}

func (p *Pipeline) notify(ctx context.Context, c *contribution.Contribution, res *Result) {
	if c.OwnerID == nil {
		return
	}
	payload := map[string]any{
		"contribution_id": c.ID,
		"status":          res.Status,
		"reward_amount":   res.Reward.String(),
	}
	if r := res.Valuation.Rejection; r != nil {
		payload["reason"] = r.Reason
		payload["summary"] = r.Summary
	}

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.notifier.Publish(nctx, c.Owner(), EventFinalized, payload); err != nil {
		zap.L().Warn("⚠️ failed to notify owner", zap.String("contribution_id", c.ID), zap.Error(err))
	}
}

func metricsDoc(m codebase.Metrics) contribution.Valuation {
	doc := contribution.Valuation{
		FileCount:        m.FileCount,
		LLOC:             m.LLOC,
		Tokens:           m.Tokens,
		AvgComplexity:    m.AvgComplexity,
		CompressionRatio: m.CompressionRatio,
	}
	if len(m.Languages) > 0 {
		doc.LanguageBreakdown = make(map[string]contribution.LanguageBreakdown, len(m.Languages))
		for lang, s := range m.Languages {
			doc.LanguageBreakdown[strings.ToLower(lang)] = contribution.LanguageBreakdown{
				Files:      s.Files,
				Code:       s.Code,
				Complexity: s.Complexity,
			}
		}
	}
	return doc
}

func similarityDoc(m uniqueness.Match) *contribution.SimilarityMatch {
	s := &contribution.SimilarityMatch{Classification: string(m.Classification)}
	if n := m.Nearest; n != nil {
		s.NeighborID = n.ID
		s.NeighborOwnerID = n.OwnerID
		s.Similarity = n.Similarity
	}
	if n := m.Related; n != nil {
		s.NeighborID = n.ID
		s.NeighborOwnerID = n.OwnerID
		s.Similarity = n.Similarity
	}
	return s
}
