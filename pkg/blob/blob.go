package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"path"

	"github.com/gosimple/slug"
	"golang.org/x/crypto/blake2b"
)

var ErrNotFound = errors.New("blob: object not found")

// Store keeps raw submissions out of the relational store.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Hash returns the hex blake2b-256 digest of data.
func Hash(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ContentKey builds the content-addressed object key for a submission,
// grouped under a slug of its origin.
func ContentKey(origin string, data []byte) string {
	group := slug.Make(origin)
	if group == "" {
		group = "unknown"
	}
	return path.Join("contributions", group, Hash(data))
}
