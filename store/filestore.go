package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	imagecache "github.com/wolfeidau/image-cache"
)

const (
	metaDBFile   = "meta.db"
	artifactsDir = "artifacts"
)

// FileStore implements Store on the local filesystem. Artifact bytes are
// written as framed blob files with a temp-file-and-rename pattern so a
// crash never leaves a partial artifact visible; metadata lives in bbolt
// alongside the blobs.
type FileStore struct {
	root   string
	meta   *MetaDB
	logger *slog.Logger
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) FileStoreOption {
	return func(s *FileStore) {
		s.logger = logger
	}
}

// NewFileStore creates a FileStore rooted at the given path. The directory
// and metadata database are created if they do not exist.
func NewFileStore(root string, opts ...FileStoreOption) (*FileStore, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}

	s := &FileStore{
		root:   absRoot,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.meta = NewMetaDB(WithMetaLogger(s.logger))
	if err := s.meta.Open(filepath.Join(absRoot, metaDBFile)); err != nil {
		return nil, err
	}

	return s, nil
}

// Close releases the metadata database.
func (s *FileStore) Close() error {
	return s.meta.Close()
}

// Root returns the root directory path.
func (s *FileStore) Root() string {
	return s.root
}

// Meta returns the metadata database, used by the expiry manager.
func (s *FileStore) Meta() *MetaDB {
	return s.meta
}

// Put persists the artifact body as a framed blob file and records its
// metadata. The write is atomic: data goes to a temp file first and is
// renamed into place.
func (s *FileStore) Put(ctx context.Context, artifact *Artifact, body []byte) error {
	path := s.keyToPath(artifact.Key)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if err := writeFramed(tmp, artifact, bytes.NewReader(body)); err != nil {
		return err
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	success = true

	if err := s.meta.Put(ctx, artifact); err != nil {
		return fmt.Errorf("recording metadata: %w", err)
	}
	return nil
}

// Get returns the artifact and its body, refreshing the access time on a
// best-effort basis.
func (s *FileStore) Get(ctx context.Context, key string) (*Artifact, []byte, error) {
	f, err := os.Open(s.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("opening artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	artifact, bodyReader, err := readFramed(f)
	if err != nil {
		return nil, nil, fmt.Errorf("reading artifact: %w", err)
	}

	body, err := io.ReadAll(bodyReader)
	if err != nil {
		return nil, nil, fmt.Errorf("reading artifact body: %w", err)
	}

	if err := s.meta.Touch(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Warn("failed to touch artifact", "key", key, "error", err)
	}

	return artifact, body, nil
}

// Head returns artifact metadata from the database without opening the blob
// file.
func (s *FileStore) Head(ctx context.Context, key string) (*Artifact, error) {
	return s.meta.Get(ctx, key)
}

// Delete removes the artifact blob and its metadata.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := os.Remove(s.keyToPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing artifact: %w", err)
	}
	return s.meta.Delete(ctx, key)
}

// Stats reports aggregate statistics for the cache.
func (s *FileStore) Stats(ctx context.Context) (*Stats, error) {
	return s.meta.Stats(ctx)
}

// keyToPath maps a cache key to a sharded blob path. The key is hashed so
// path length stays bounded regardless of how long the encoded source URL
// is.
func (s *FileStore) keyToPath(key string) string {
	digest := imagecache.HashBytes([]byte(key)).String()
	return filepath.Join(s.root, artifactsDir, digest[:2], digest)
}

var _ Store = (*FileStore)(nil)
