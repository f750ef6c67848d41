// Package store persists transformed image artifacts. Artifact bytes live in
// framed blob files on the filesystem; lookup metadata lives in a bbolt
// database so expiry can scan without touching blob files.
package store

import (
	"context"
	"errors"
	"time"

	imagecache "github.com/wolfeidau/image-cache"
)

// ErrNotFound is returned when an artifact does not exist.
var ErrNotFound = errors.New("store: artifact not found")

// Artifact is the metadata for one persisted transformation result. The key
// is the canonical cache key, so one source image may have many artifacts.
type Artifact struct {
	Key          string          `json:"key"`
	Digest       imagecache.Hash `json:"digest"`
	ContentType  string          `json:"content_type"`
	Size         int64           `json:"size"`
	Width        int             `json:"width,omitempty"`
	Height       int             `json:"height,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	LastAccessed time.Time       `json:"last_accessed"`
}

// Store is the persistence contract the origin stage writes through and the
// serving path reads from.
type Store interface {
	// Put persists body under the artifact's key, overwriting any previous
	// artifact for that key.
	Put(ctx context.Context, artifact *Artifact, body []byte) error

	// Get returns the artifact and its body. Access time is refreshed on a
	// best-effort basis. Returns ErrNotFound when absent.
	Get(ctx context.Context, key string) (*Artifact, []byte, error)

	// Head returns artifact metadata without reading the body.
	Head(ctx context.Context, key string) (*Artifact, error)

	// Delete removes an artifact and its metadata. Deleting an absent key is
	// not an error.
	Delete(ctx context.Context, key string) error
}

// Stats summarises the cache contents.
type Stats struct {
	Artifacts  int64     `json:"artifacts"`
	TotalSize  int64     `json:"total_size"`
	OldestUsed time.Time `json:"oldest_used"`
	NewestUsed time.Time `json:"newest_used"`
}
