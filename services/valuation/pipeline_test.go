package valuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"

	"codemint-controlplane/pkg/blob"
	"codemint-controlplane/pkg/linecount"
	"codemint-controlplane/pkg/taskname"
	"codemint-controlplane/pkg/tokenizer"
	"codemint-controlplane/services/codebase"
	"codemint-controlplane/services/contribution"
	"codemint-controlplane/services/ledger"
	"codemint-controlplane/services/networkstats"
	"codemint-controlplane/services/quality"
	"codemint-controlplane/services/reward"
	"codemint-controlplane/services/testutil"
	"codemint-controlplane/services/uniqueness"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeAnalyzer struct {
	stats map[string]linecount.LanguageStats
	panic bool
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, dir string) (map[string]linecount.LanguageStats, error) {
	if f.panic {
		panic("analyzer exploded")
	}
	return f.stats, nil
}

// fakeEmbedder returns the vector of the first marker found in the text.
type fakeEmbedder struct {
	mu      sync.Mutex
	markers []string
	vectors map[string][]float32
	calls   int
	panic   bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panic {
		panic("embedder exploded")
	}
	for _, m := range f.markers {
		if strings.Contains(text, m) {
			return f.vectors[m], nil
		}
	}
	return nil, errors.New("no vector for text")
}

func (f *fakeEmbedder) set(marker string, v ...float32) {
	f.markers = append(f.markers, marker)
	f.vectors[marker] = v
}

type sentEvent struct {
	ownerID   string
	eventType string
	payload   map[string]any
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []sentEvent
}

func (f *fakeNotifier) Publish(ctx context.Context, ownerID, eventType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{ownerID: ownerID, eventType: eventType, payload: payload.(map[string]any)})
	return nil
}

type fixture struct {
	pipeline      *Pipeline
	db            *gorm.DB
	blobs         *blob.MemoryStore
	contributions *contribution.Service
	ledger        *ledger.Service
	stats         *networkstats.Service
	analyzer      *fakeAnalyzer
	embedder      *fakeEmbedder
	notifier      *fakeNotifier
	params        reward.Params
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&contribution.Contribution{},
		&networkstats.NetworkStats{},
		&ledger.Account{},
		&ledger.LedgerEntry{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	f := &fixture{
		db:    db,
		blobs: blob.NewMemoryStore(),
		analyzer: &fakeAnalyzer{stats: map[string]linecount.LanguageStats{
			"Go": {Files: 2, Code: 400, Complexity: 30},
		}},
		embedder: &fakeEmbedder{vectors: map[string][]float32{}},
		notifier: &fakeNotifier{},
		params:   reward.Params{BaseCoefficient: 0.1, HalvingThreshold: 1_000_000},
	}
	f.contributions = contribution.NewService(contribution.ServiceParams{DB: db, Node: node})
	f.ledger = ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	f.stats = networkstats.NewService(networkstats.ServiceParams{DB: db})

	gate, err := quality.NewGate(quality.GateConfig{MinCompressionRatio: 0.10, MaxTokens: 700_000})
	require.NoError(t, err)

	f.pipeline = NewPipeline(Config{Reward: f.params}, Deps{
		Blobs:         f.blobs,
		Contributions: f.contributions,
		Extractor:     codebase.NewExtractor(f.analyzer, tokenizer.New("cl100k_base")),
		Gate:          gate,
		Scorer:        quality.NewScorer(quality.ScorerConfig{Strategy: quality.StrategyHeuristic, Normalizer: 20}, nil, nil),
		Detector:      uniqueness.NewDetector(uniqueness.Config{}, uniqueness.NewIndex(db), f.embedder),
		Stats:         f.stats,
		Ledger:        f.ledger,
		Notifier:      f.notifier,
	})
	return f
}

// source builds a bundle of files with high entropy lines so it clears the
// compression floor. marker lets the fake embedder recognise it.
func source(seed uint64, files, lines int, marker string) string {
	r := rand.New(rand.NewPCG(seed, seed+1))
	var b strings.Builder
	for i := 0; i < files; i++ {
		fmt.Fprintf(&b, "<<<FILE:pkg/file_%d_%d.go\n", seed, i)
		fmt.Fprintf(&b, "package pkg\n\n// %s\n", marker)
		for j := 0; j < lines; j++ {
			fmt.Fprintf(&b, "var v%d_%d = %q // %x\n", i, j, fmt.Sprintf("%016x", r.Uint64()), r.Uint32())
		}
	}
	return b.String()
}

func (f *fixture) submit(t *testing.T, owner, content string) *contribution.Contribution {
	t.Helper()
	ctx := context.Background()
	data := []byte(content)
	key := blob.ContentKey("upload", data)
	require.NoError(t, f.blobs.Put(ctx, key, data))

	c, err := f.contributions.Create(ctx, contribution.CreateParams{
		OwnerID:     owner,
		Origin:      "upload",
		ContentRef:  key,
		ContentHash: blob.Hash(data),
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) run(t *testing.T, owner, content string) (*contribution.Contribution, *Result) {
	t.Helper()
	c := f.submit(t, owner, content)
	res, err := f.pipeline.Run(context.Background(), c.ID)
	require.NoError(t, err)
	require.NotNil(t, res)

	stored, err := f.contributions.Get(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, res.Status, stored.Status)
	return stored, res
}

func TestRunProcessesNewContribution(t *testing.T) {
	f := newFixture(t)
	f.embedder.set("marker:alpha", 1, 0, 0)

	c, res := f.run(t, "alice", source(1, 2, 60, "marker:alpha"))
	require.Equal(t, contribution.StatusProcessed, res.Status)

	doc := c.Valuation.Data()
	require.Equal(t, contribution.ValuationVersion, doc.Version)
	require.Equal(t, 2, doc.FileCount)
	require.Equal(t, int64(400), doc.LLOC)
	require.InDelta(t, 15.0, doc.AvgComplexity, 1e-9)
	require.Greater(t, doc.Tokens, int64(0))
	require.GreaterOrEqual(t, doc.CompressionRatio, 0.10)
	require.Contains(t, doc.LanguageBreakdown, "go")
	require.Equal(t, quality.SourceHeuristic, doc.Qualitative.Source)
	require.Equal(t, string(uniqueness.ClassNew), doc.Similarity.Classification)
	require.Nil(t, doc.Rejection)
	require.NotEmpty(t, c.Embedding)
	require.NotNil(t, c.ProcessedAt)

	// first contribution: no spread yet and nothing distributed
	want := reward.Calculate(f.params, reward.Input{
		Tokens:        doc.Tokens,
		AvgComplexity: doc.AvgComplexity,
		Clarity:       doc.Qualitative.Clarity,
		Architecture:  doc.Qualitative.Architecture,
		Quality:       doc.Qualitative.Quality,
	}, reward.Snapshot{})
	require.Equal(t, 1.0, doc.Multipliers.Rarity)
	require.Equal(t, 1.0, doc.Multipliers.Halving)
	require.InDelta(t, want.BaseValue, doc.Multipliers.BaseValue, 1e-9)
	require.True(t, res.Reward.Equal(decimal.NewFromFloat(want.Final).Round(8)), res.Reward.String())
	require.True(t, c.RewardAmount.Equal(res.Reward))

	account, err := f.ledger.GetAccount(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, account.Balance.Equal(res.Reward))
	require.True(t, account.TotalEarned.Equal(res.Reward))

	st, err := f.stats.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), st.TotalContributions)
	require.Equal(t, doc.Tokens, st.TotalTokens)
	require.True(t, st.TotalDistributed.Equal(res.Reward))

	require.Len(t, f.notifier.events, 1)
	require.Equal(t, "alice", f.notifier.events[0].ownerID)
	require.Equal(t, EventFinalized, f.notifier.events[0].eventType)
	require.Equal(t, contribution.StatusProcessed, f.notifier.events[0].payload["status"])
}

func TestRunRejectsEmptySubmission(t *testing.T) {
	f := newFixture(t)

	c, res := f.run(t, "alice", "no delimiters in here at all\n")
	require.Equal(t, contribution.StatusRejectedEmpty, res.Status)
	require.Equal(t, contribution.ReasonEmpty, c.Valuation.Data().Rejection.Reason)
	require.Empty(t, c.Embedding)
	require.Zero(t, f.embedder.calls)
	require.Len(t, f.notifier.events, 1)
	require.Equal(t, contribution.ReasonEmpty, f.notifier.events[0].payload["reason"])
}

func TestRunRejectsLowEntropyBeforeScoring(t *testing.T) {
	f := newFixture(t)

	content := "<<<FILE:main.go\n" + strings.Repeat("x := 1\n", 5000)
	c, res := f.run(t, "alice", content)
	require.Equal(t, contribution.StatusRejectedNoReward, res.Status)

	doc := c.Valuation.Data()
	require.Equal(t, contribution.ReasonLowEntropy, doc.Rejection.Reason)
	require.Less(t, doc.CompressionRatio, 0.10)
	require.Nil(t, doc.Qualitative)
	require.Zero(t, f.embedder.calls)
	require.True(t, c.RewardAmount.IsZero())
}

func TestRunCrossOwnerDuplicate(t *testing.T) {
	f := newFixture(t)
	f.embedder.set("marker:alpha", 1, 0, 0)
	f.embedder.set("marker:beta", 0.95, 0.3, 0)

	original, _ := f.run(t, "alice", source(1, 2, 60, "marker:alpha"))

	c, res := f.run(t, "bob", source(2, 2, 60, "marker:beta"))
	require.Equal(t, contribution.StatusDuplicateCrossUser, res.Status)
	require.True(t, res.Reward.IsZero())

	doc := c.Valuation.Data()
	require.Equal(t, contribution.ReasonDuplicate, doc.Rejection.Reason)
	require.Equal(t, original.ID, doc.Similarity.NeighborID)
	require.Equal(t, "alice", doc.Similarity.NeighborOwnerID)
	require.Greater(t, doc.Similarity.Similarity, 0.85)
	require.NotEmpty(t, c.Embedding)

	_, err := f.ledger.GetAccount(context.Background(), "bob")
	require.Error(t, err)

	st, err := f.stats.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), st.TotalContributions)
}

func TestRunSameOwnerResubmissionWithoutNewCode(t *testing.T) {
	f := newFixture(t)
	f.embedder.set("marker:alpha", 1, 0, 0)

	content := source(1, 2, 60, "marker:alpha")
	original, first := f.run(t, "alice", content)

	c, res := f.run(t, "alice", content)
	require.Equal(t, contribution.StatusRejectedNoNewCode, res.Status)
	doc := c.Valuation.Data()
	require.Equal(t, string(uniqueness.ClassUpdate), doc.Similarity.Classification)
	require.Equal(t, original.ID, doc.Incremental.PriorContributionID)
	require.Zero(t, doc.Incremental.AddedLines)

	account, err := f.ledger.GetAccount(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, account.Balance.Equal(first.Reward))
}

func TestRunSameOwnerUpdateRewardsOnlyTheDelta(t *testing.T) {
	f := newFixture(t)
	f.embedder.set("marker:alpha", 1, 0, 0)

	base := source(1, 2, 60, "marker:alpha")
	original, first := f.run(t, "alice", base)

	extended := base + source(3, 1, 10, "marker:alpha")
	c, res := f.run(t, "alice", extended)
	require.Equal(t, contribution.StatusProcessed, res.Status)

	doc := c.Valuation.Data()
	require.NotNil(t, doc.Incremental)
	require.Equal(t, original.ID, doc.Incremental.PriorContributionID)
	require.Equal(t, 1, doc.Incremental.ChangedFiles)
	require.Equal(t, int64(12), doc.Incremental.AddedLines)
	require.Less(t, doc.Incremental.Tokens, doc.Tokens)
	require.True(t, res.Reward.LessThan(first.Reward), "delta reward %s should be below %s", res.Reward, first.Reward)

	st, err := f.stats.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), st.TotalContributions)
	require.Equal(t, original.Valuation.Data().Tokens+doc.Incremental.Tokens, st.TotalTokens)
}

func TestRunWithoutEmbeddingService(t *testing.T) {
	f := newFixture(t)
	f.pipeline.detector = uniqueness.NewDetector(uniqueness.Config{}, uniqueness.NewIndex(f.db), nil)

	c, res := f.run(t, "alice", source(1, 2, 60, "marker:alpha"))
	require.Equal(t, contribution.StatusFailedEmbedding, res.Status)
	require.Equal(t, contribution.ReasonNoEmbedding, c.Valuation.Data().Rejection.Reason)
	require.Empty(t, c.Embedding)
}

func TestRunOrphanedContribution(t *testing.T) {
	f := newFixture(t)
	f.embedder.set("marker:alpha", 1, 0, 0)

	c, res := f.run(t, "", source(1, 2, 60, "marker:alpha"))
	require.Equal(t, contribution.StatusRejectedNoReward, res.Status)
	require.Equal(t, contribution.ReasonOrphaned, c.Valuation.Data().Rejection.Reason)
	require.Empty(t, f.notifier.events)
}

func TestRunMissingContent(t *testing.T) {
	f := newFixture(t)

	c, err := f.contributions.Create(context.Background(), contribution.CreateParams{OwnerID: "alice", ContentRef: "contributions/upload/gone"})
	require.NoError(t, err)

	res, err := f.pipeline.Run(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, contribution.StatusFailed, res.Status)
	require.Equal(t, contribution.ReasonBlobNotFound, res.Valuation.Rejection.Reason)
}

func TestRunMapsPanicToFailed(t *testing.T) {
	f := newFixture(t)
	f.analyzer.panic = true

	c, res := f.run(t, "alice", source(1, 2, 60, "marker:alpha"))
	require.Equal(t, contribution.StatusFailed, res.Status)
	require.Equal(t, contribution.ReasonInternal, c.Valuation.Data().Rejection.Reason)
	require.Contains(t, c.Valuation.Data().Rejection.Summary, "analyzer exploded")
}

func TestRunMapsConcurrentStagePanicToFailed(t *testing.T) {
	f := newFixture(t)
	f.embedder.set("marker:alpha", 1, 0, 0)
	f.embedder.panic = true

	c, res := f.run(t, "alice", source(1, 2, 60, "marker:alpha"))
	require.Equal(t, contribution.StatusFailed, res.Status)
	require.Equal(t, contribution.ReasonInternal, c.Valuation.Data().Rejection.Reason)
	require.Contains(t, c.Valuation.Data().Rejection.Summary, "embedder exploded")
	require.True(t, c.RewardAmount.IsZero())

	// the worker keeps going for the next submission
	f.embedder.panic = false
	_, next := f.run(t, "bob", source(2, 2, 60, "marker:alpha"))
	require.NotEqual(t, contribution.StatusFailed, next.Status)
}

func TestRunRedeliveryHandling(t *testing.T) {
	f := newFixture(t)
	f.embedder.set("marker:alpha", 1, 0, 0)
	ctx := context.Background()

	// terminal contributions are acknowledged without work
	done, first := f.run(t, "alice", source(1, 2, 60, "marker:alpha"))
	again, err := f.pipeline.Run(ctx, done.ID)
	require.NoError(t, err)
	require.Equal(t, contribution.StatusProcessed, again.Status)
	require.True(t, again.Reward.Equal(first.Reward))

	entries, err := f.ledger.ListEntries(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// a contribution left PROCESSING was interrupted mid-run
	stuck := f.submit(t, "alice", source(2, 1, 20, "marker:alpha"))
	require.NoError(t, f.contributions.Transition(ctx, nil, stuck.ID, contribution.StatusPending, contribution.StatusProcessing))

	res, err := f.pipeline.Run(ctx, stuck.ID)
	require.NoError(t, err)
	require.Equal(t, contribution.StatusFailed, res.Status)
	require.Equal(t, contribution.ReasonInterrupted, res.Valuation.Rejection.Reason)

	_, err = f.pipeline.Run(ctx, "missing")
	require.ErrorIs(t, err, ErrContributionNotFound)
}

type fakeTasks struct {
	tasks []*asynq.Task
}

func (f *fakeTasks) Enqueue(ctx context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, t)
	return &asynq.TaskInfo{ID: "task-1", Queue: "default"}, nil
}

func TestEnqueueValuationStoresContent(t *testing.T) {
	blobs := blob.NewMemoryStore()
	tasks := &fakeTasks{}
	e := NewEnqueuer(blobs, tasks, 0)
	ctx := context.Background()

	require.Error(t, e.EnqueueValuation(ctx, ValuationRequest{Content: "x"}))

	content := "<<<FILE:a.go\npackage a\n"
	require.NoError(t, e.EnqueueValuation(ctx, ValuationRequest{
		OwnerID:        "alice",
		Content:        content,
		ContributionID: "c-1",
		Origin:         "GitHub Upload",
	}))

	key := blob.ContentKey("GitHub Upload", []byte(content))
	stored, err := blobs.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, content, string(stored))

	require.Len(t, tasks.tasks, 1)
	require.Equal(t, taskname.ContributionValuate, tasks.tasks[0].Type())

	var payload ValuatePayload
	require.NoError(t, json.Unmarshal(tasks.tasks[0].Payload(), &payload))
	require.Equal(t, "c-1", payload.ContributionID)
	require.Equal(t, key, payload.ContentRef)
}

func TestHandleValuateTaskSkipsRetryForUnknownContribution(t *testing.T) {
	f := newFixture(t)

	task, err := NewValuateTask(ValuatePayload{ContributionID: "missing"}, 0)
	require.NoError(t, err)

	err = f.pipeline.HandleValuateTask(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = f.pipeline.HandleValuateTask(context.Background(), asynq.NewTask(taskname.ContributionValuate, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
