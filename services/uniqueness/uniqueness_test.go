package uniqueness

import (
	"context"
	"errors"
	"testing"

	"codemint-controlplane/pkg/embedding"
	"codemint-controlplane/services/contribution"
	"codemint-controlplane/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type staticIndex []Neighbor

func (s staticIndex) Nearest(_ context.Context, _ contribution.Vector, _ string, k int) ([]Neighbor, error) {
	if len(s) > k {
		return s[:k], nil
	}
	return s, nil
}

func classify(t *testing.T, owner string, neighbors ...Neighbor) Match {
	t.Helper()
	d := NewDetector(Config{UpdateThreshold: 0.85, NearPerfectThreshold: 0.999, TopK: 5}, staticIndex(neighbors), nil)
	m, err := d.Classify(context.Background(), owner, "self", contribution.Vector{1})
	require.NoError(t, err)
	return m
}

func TestClassify(t *testing.T) {
	m := classify(t, "alice")
	require.Equal(t, ClassNew, m.Classification)
	require.Nil(t, m.Nearest)

	m = classify(t, "alice", Neighbor{ID: "c1", OwnerID: "bob", Similarity: 0.85})
	require.Equal(t, ClassNew, m.Classification, "threshold itself is not a match")

	m = classify(t, "alice", Neighbor{ID: "c1", OwnerID: "alice", Similarity: 0.9995})
	require.Equal(t, ClassUpdate, m.Classification)
	require.Equal(t, "c1", m.Related.ID)

	m = classify(t, "alice", Neighbor{ID: "c1", OwnerID: "bob", Similarity: 0.86})
	require.Equal(t, ClassDuplicate, m.Classification)
	require.Equal(t, "bob", m.Related.OwnerID)

	// Removed owners never count as the submitter.
	m = classify(t, "alice", Neighbor{ID: "c1", OwnerID: "", Similarity: 0.95})
	require.Equal(t, ClassDuplicate, m.Classification)
	m = classify(t, "", Neighbor{ID: "c1", OwnerID: "", Similarity: 0.9999})
	require.Equal(t, ClassDuplicate, m.Classification)
}

func TestClassifySameOwnerFirst(t *testing.T) {
	m := classify(t, "alice",
		Neighbor{ID: "own", OwnerID: "alice", Similarity: 0.9999},
		Neighbor{ID: "theirs", OwnerID: "bob", Similarity: 0.99},
	)
	require.Equal(t, ClassUpdate, m.Classification)
	require.Equal(t, "own", m.Related.ID)

	// A looser revision is new unless someone else's work is also close.
	m = classify(t, "alice",
		Neighbor{ID: "own", OwnerID: "alice", Similarity: 0.95},
		Neighbor{ID: "mine-too", OwnerID: "alice", Similarity: 0.9},
		Neighbor{ID: "far", OwnerID: "bob", Similarity: 0.5},
	)
	require.Equal(t, ClassNew, m.Classification)

	m = classify(t, "alice",
		Neighbor{ID: "own", OwnerID: "alice", Similarity: 0.95},
		Neighbor{ID: "theirs", OwnerID: "bob", Similarity: 0.9},
	)
	require.Equal(t, ClassDuplicate, m.Classification)
	require.Equal(t, "theirs", m.Related.ID)
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f fakeEmbedder) Embed(context.Context, string) ([]float32, error) { return f.vec, f.err }

func TestEmbedErrors(t *testing.T) {
	d := NewDetector(Config{}, staticIndex{}, nil)
	_, err := d.Embed(context.Background(), "x")
	require.ErrorIs(t, err, ErrNoEmbedding)

	d = NewDetector(Config{}, staticIndex{}, embedding.New(embedding.Options{}))
	_, err = d.Embed(context.Background(), "x")
	require.ErrorIs(t, err, ErrNoEmbedding)

	d = NewDetector(Config{}, staticIndex{}, fakeEmbedder{err: errors.New("503")})
	_, err = d.Embed(context.Background(), "x")
	require.ErrorIs(t, err, ErrNoEmbedding)

	d = NewDetector(Config{}, staticIndex{}, fakeEmbedder{vec: []float32{0.1, 0.2}})
	vec, err := d.Embed(context.Background(), "x")
	require.NoError(t, err)
	require.Equal(t, contribution.Vector{0.1, 0.2}, vec)
}

func TestCosine(t *testing.T) {
	sim, ok := Cosine(contribution.Vector{1, 0}, contribution.Vector{1, 0})
	require.True(t, ok)
	require.InDelta(t, 1.0, sim, 1e-9)

	sim, ok = Cosine(contribution.Vector{1, 0}, contribution.Vector{0, 1})
	require.True(t, ok)
	require.InDelta(t, 0.0, sim, 1e-9)

	_, ok = Cosine(contribution.Vector{1, 0}, contribution.Vector{1, 0, 0})
	require.False(t, ok)
	_, ok = Cosine(contribution.Vector{0, 0}, contribution.Vector{1, 0})
	require.False(t, ok)
}

func TestScanIndexNearest(t *testing.T) {
	db := testutil.NewTestDB(t, &contribution.Contribution{})
	alice, bob := "alice", "bob"

	rows := []*contribution.Contribution{
		{ID: "1", OwnerID: &alice, Status: contribution.StatusProcessed, Embedding: contribution.Vector{1, 0, 0}},
		{ID: "2", OwnerID: &bob, Status: contribution.StatusProcessed, Embedding: contribution.Vector{0.9, 0.1, 0}},
		{ID: "3", OwnerID: nil, Status: contribution.StatusProcessed, Embedding: contribution.Vector{0, 1, 0}},
		{ID: "4", OwnerID: &bob, Status: contribution.StatusDuplicateCrossUser, Embedding: contribution.Vector{1, 0, 0}},
		{ID: "5", OwnerID: &bob, Status: contribution.StatusProcessed},
		{ID: "6", OwnerID: &bob, Status: contribution.StatusRejectedNoNewCode, Embedding: contribution.Vector{1, 0, 0}},
		{ID: "self", OwnerID: &alice, Status: contribution.StatusProcessed, Embedding: contribution.Vector{1, 0, 0}},
	}
	require.NoError(t, db.Create(rows).Error)

	idx := NewIndex(db)
	got, err := idx.Nearest(context.Background(), contribution.Vector{1, 0, 0}, "self", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "1", got[0].ID)
	require.Equal(t, "alice", got[0].OwnerID)
	require.InDelta(t, 1.0, got[0].Similarity, 1e-6)
	require.Equal(t, "2", got[1].ID)

	got, err = idx.Nearest(context.Background(), contribution.Vector{1, 0, 0}, "self", 10)
	require.NoError(t, err)
	for _, n := range got {
		require.NotContains(t, []string{"4", "6"}, n.ID)
	}

	got, err = idx.Nearest(context.Background(), contribution.Vector{0, 1, 0}, "self", 5)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "3", got[0].ID)
	require.Equal(t, "", got[0].OwnerID)
}
