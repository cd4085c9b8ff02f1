package uniqueness

import (
	"container/heap"
	"context"
	"fmt"
	"math"

	"codemint-controlplane/services/contribution"

	"gorm.io/gorm"
)

// Neighbor is a prior PROCESSED contribution close to a query embedding.
// Rejected rows keep their embedding but are never neighbours.
// OwnerID is empty when the owner has been removed.
type Neighbor struct {
	ID         string  `gorm:"column:id"`
	OwnerID    string  `gorm:"column:owner_id"`
	Similarity float64 `gorm:"column:similarity"`
}

// Index finds the k nearest prior contributions by cosine similarity,
// most similar first.
type Index interface {
	Nearest(ctx context.Context, query contribution.Vector, excludeID string, k int) ([]Neighbor, error)
}

// NewIndex picks the pgvector index on postgres and an in-process scan
// elsewhere.
func NewIndex(db *gorm.DB) Index {
	if db.Dialector.Name() == "postgres" {
		return &PGVectorIndex{db: db}
	}
	return &ScanIndex{db: db, batchSize: 500}
}

type PGVectorIndex struct {
	db *gorm.DB
}

func (i *PGVectorIndex) Nearest(ctx context.Context, query contribution.Vector, excludeID string, k int) ([]Neighbor, error) {
	vec, err := query.Value()
	if err != nil {
		return nil, err
	}

	var out []Neighbor
	err = i.db.WithContext(ctx).Raw(`
		SELECT id, COALESCE(owner_id, '') AS owner_id, 1 - (embedding <=> CAST(? AS vector)) AS similarity
		FROM contributions
		WHERE status = ? AND embedding IS NOT NULL AND id <> ?
		ORDER BY embedding <=> CAST(? AS vector)
		LIMIT ?`,
		vec, contribution.StatusProcessed, excludeID, vec, k,
	).Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("uniqueness: nearest query: %w", err)
	}
	return out, nil
}

// ScanIndex compares the query against every stored embedding. It backs
// tests and small deployments without pgvector.
type ScanIndex struct {
	db        *gorm.DB
	batchSize int
}

func (i *ScanIndex) Nearest(ctx context.Context, query contribution.Vector, excludeID string, k int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, nil
	}

	top := &neighborHeap{}
	var batch []*contribution.Contribution
	res := i.db.WithContext(ctx).
		Select("id", "owner_id", "embedding").
		Where("status = ? AND embedding IS NOT NULL AND id <> ?", contribution.StatusProcessed, excludeID).
		FindInBatches(&batch, i.batchSize, func(tx *gorm.DB, _ int) error {
			for _, c := range batch {
				sim, ok := Cosine(query, c.Embedding)
				if !ok {
					continue
				}
				heap.Push(top, Neighbor{ID: c.ID, OwnerID: c.Owner(), Similarity: sim})
				if top.Len() > k {
					heap.Pop(top)
				}
			}
			return nil
		})
	if res.Error != nil {
		return nil, fmt.Errorf("uniqueness: scan embeddings: %w", res.Error)
	}

	out := make([]Neighbor, top.Len())
	for j := len(out) - 1; j >= 0; j-- {
		out[j] = heap.Pop(top).(Neighbor)
	}
	return out, nil
}

// Cosine returns the cosine similarity of a and b. ok is false for
// mismatched dimensions or zero vectors.
func Cosine(a, b contribution.Vector) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}

// neighborHeap is a min-heap on similarity holding the current top k.
type neighborHeap []Neighbor

func (h neighborHeap) Len() int { return len(h) }
func (h neighborHeap) Less(i, j int) bool {
	if h[i].Similarity == h[j].Similarity {
		return h[i].ID > h[j].ID
	}
	return h[i].Similarity < h[j].Similarity
}
func (h neighborHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *neighborHeap) Push(x any)   { *h = append(*h, x.(Neighbor)) }
func (h *neighborHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
