package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// bucketArtifacts holds one JSON Artifact per cache key.
var bucketArtifacts = []byte("artifacts")

// MetaDB tracks artifact metadata in bbolt so the expiry manager can scan
// keys, sizes, and access times without opening blob files.
type MetaDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
}

// MetaDBOption configures a MetaDB instance.
type MetaDBOption func(*MetaDB)

// WithMetaLogger sets the logger for the database.
func WithMetaLogger(logger *slog.Logger) MetaDBOption {
	return func(m *MetaDB) {
		m.logger = logger
	}
}

// WithMetaNow sets the time function for testing.
func WithMetaNow(now func() time.Time) MetaDBOption {
	return func(m *MetaDB) {
		m.now = now
	}
}

// NewMetaDB creates a MetaDB instance. Call Open before use.
func NewMetaDB(opts ...MetaDBOption) *MetaDB {
	m := &MetaDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open opens the database at the given path.
func (m *MetaDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	m.db = db

	err = m.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketArtifacts)
		return err
	})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating bucket: %w", err)
	}

	m.logger.Debug("opened metadb", "path", path)
	return nil
}

// Close closes the database.
func (m *MetaDB) Close() error {
	if m.db == nil {
		return nil
	}
	m.logger.Debug("closing metadb")
	return m.db.Close()
}

// Put stores artifact metadata, overwriting any previous entry for the key.
func (m *MetaDB) Put(_ context.Context, artifact *Artifact) error {
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketArtifacts).Put([]byte(artifact.Key), data)
	})
}

// Get retrieves artifact metadata by cache key.
func (m *MetaDB) Get(_ context.Context, key string) (*Artifact, error) {
	var artifact Artifact
	err := m.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketArtifacts).Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &artifact)
	})
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}

// Touch updates the last access time for an artifact.
func (m *MetaDB) Touch(_ context.Context, key string) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketArtifacts)
		val := bucket.Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}

		var artifact Artifact
		if err := json.Unmarshal(val, &artifact); err != nil {
			return fmt.Errorf("decoding metadata: %w", err)
		}

		artifact.LastAccessed = m.now()
		data, err := json.Marshal(&artifact)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		return bucket.Put([]byte(key), data)
	})
}

// Delete removes artifact metadata. Deleting an absent key is not an error.
func (m *MetaDB) Delete(_ context.Context, key string) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketArtifacts).Delete([]byte(key))
	})
}

// List returns all artifact metadata.
func (m *MetaDB) List(_ context.Context) ([]*Artifact, error) {
	var results []*Artifact
	err := m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketArtifacts).ForEach(func(_, val []byte) error {
			var artifact Artifact
			if err := json.Unmarshal(val, &artifact); err != nil {
				return fmt.Errorf("decoding metadata: %w", err)
			}
			results = append(results, &artifact)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Stats returns aggregate statistics over tracked artifacts.
func (m *MetaDB) Stats(ctx context.Context) (*Stats, error) {
	artifacts, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	for _, artifact := range artifacts {
		stats.Artifacts++
		stats.TotalSize += artifact.Size

		if stats.OldestUsed.IsZero() || artifact.LastAccessed.Before(stats.OldestUsed) {
			stats.OldestUsed = artifact.LastAccessed
		}
		if artifact.LastAccessed.After(stats.NewestUsed) {
			stats.NewestUsed = artifact.LastAccessed
		}
	}

	return stats, nil
}
