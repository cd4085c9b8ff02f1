package uniqueness

import (
	"context"
	"errors"
	"fmt"

	"codemint-controlplane/pkg/embedding"
	"codemint-controlplane/services/contribution"
)

type Classification string

const (
	ClassNew       Classification = "new"
	ClassUpdate    Classification = "update"
	ClassDuplicate Classification = "duplicate"
)

type Config struct {
	UpdateThreshold      float64
	NearPerfectThreshold float64
	TopK                 int
}

// Match is the classification of one embedding. Nearest is the closest
// neighbor, if any. Related is the prior version for an update, or the
// other author's contribution for a duplicate.
type Match struct {
	Classification Classification
	Nearest        *Neighbor
	Related        *Neighbor
}

var ErrNoEmbedding = errors.New("uniqueness: embedding unavailable")

type Detector struct {
	cfg      Config
	index    Index
	embedder embedding.Client
}

func NewDetector(cfg Config, index Index, embedder embedding.Client) *Detector {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.UpdateThreshold <= 0 {
		cfg.UpdateThreshold = 0.85
	}
	if cfg.NearPerfectThreshold <= 0 {
		cfg.NearPerfectThreshold = 0.999
	}
	return &Detector{cfg: cfg, index: index, embedder: embedder}
}

// Embed returns the embedding of text. Every failure, including a missing
// embedding service, wraps ErrNoEmbedding.
func (d *Detector) Embed(ctx context.Context, text string) (contribution.Vector, error) {
	if d.embedder == nil {
		return nil, fmt.Errorf("%w: %v", ErrNoEmbedding, embedding.ErrNotConfigured)
	}
	vec, err := d.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoEmbedding, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrNoEmbedding)
	}
	return contribution.Vector(vec), nil
}

// Classify decides from the nearest neighbor. The same-owner check runs
// before the cross-owner one, so a near-perfect match with the querying
// owner's own work is an update even when other authors rank lower.
func (d *Detector) Classify(ctx context.Context, ownerID, excludeID string, vec contribution.Vector) (Match, error) {
	neighbors, err := d.index.Nearest(ctx, vec, excludeID, d.cfg.TopK)
	if err != nil {
		return Match{}, err
	}
	if len(neighbors) == 0 {
		return Match{Classification: ClassNew}, nil
	}

	nearest := neighbors[0]
	m := Match{Nearest: &nearest}
	if nearest.Similarity <= d.cfg.UpdateThreshold {
		m.Classification = ClassNew
		return m, nil
	}

	if !sameOwner(ownerID, nearest.OwnerID) {
		m.Classification = ClassDuplicate
		m.Related = &nearest
		return m, nil
	}

	if nearest.Similarity >= d.cfg.NearPerfectThreshold {
		m.Classification = ClassUpdate
		m.Related = &nearest
		return m, nil
	}

	// A revision of the owner's own work is new, unless it also sits close
	// to someone else's.
	for _, n := range neighbors[1:] {
		if n.Similarity > d.cfg.UpdateThreshold && !sameOwner(ownerID, n.OwnerID) {
			n := n
			m.Classification = ClassDuplicate
			m.Related = &n
			return m, nil
		}
	}

	m.Classification = ClassNew
	return m, nil
}

func sameOwner(a, b string) bool {
	return a != "" && a == b
}
