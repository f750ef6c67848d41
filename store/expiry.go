package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/image-cache/telemetry"
)

// ExpiryConfig holds expiration configuration.
type ExpiryConfig struct {
	// TTL is the time-to-live for artifacts since last access. Artifacts not
	// served within this duration are eligible for expiration. Zero means no
	// TTL-based expiration.
	TTL time.Duration

	// MaxSize is the maximum total size of cached artifacts in bytes. When
	// exceeded, LRU eviction removes the least recently served artifacts
	// until under the limit. Zero means no size limit.
	MaxSize int64

	// CheckInterval is how often to run expiration checks. Default is 1 hour.
	CheckInterval time.Duration

	// Logger for expiration events.
	Logger *slog.Logger
}

// DefaultExpiryConfig returns a default configuration.
func DefaultExpiryConfig() ExpiryConfig {
	return ExpiryConfig{
		TTL:           7 * 24 * time.Hour,
		MaxSize:       10 * 1024 * 1024 * 1024, // 10 GB
		CheckInterval: 1 * time.Hour,
		Logger:        slog.Default(),
	}
}

// ExpiryManager removes artifacts using TTL and LRU strategies.
type ExpiryManager struct {
	config ExpiryConfig
	store  *FileStore
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewExpiryManager creates an expiration manager over the given store.
func NewExpiryManager(s *FileStore, cfg ExpiryConfig) *ExpiryManager {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 1 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &ExpiryManager{
		config: cfg,
		store:  s,
		logger: cfg.Logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background expiration checks.
func (m *ExpiryManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background expiration checks and waits for the loop to exit.
func (m *ExpiryManager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *ExpiryManager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	m.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// ExpireResult contains the results of an expiration run.
type ExpireResult struct {
	TTLExpired int
	LRUEvicted int
	BytesFreed int64
	Errors     int
	Duration   time.Duration
}

// RunOnce performs a single expiration check.
func (m *ExpiryManager) RunOnce(ctx context.Context) *ExpireResult {
	return m.runOnce(ctx)
}

func (m *ExpiryManager) runOnce(ctx context.Context) *ExpireResult {
	start := m.now()
	result := &ExpireResult{}

	m.logger.Debug("starting expiration check")

	artifacts, err := m.store.Meta().List(ctx)
	if err != nil {
		m.logger.Error("failed to list metadata", "error", err)
		result.Errors++
		return result
	}

	// Phase 1: TTL expiration
	if m.config.TTL > 0 {
		ttlRes := m.expireByTTL(ctx, artifacts)
		result.TTLExpired = ttlRes.expired
		result.BytesFreed += ttlRes.bytesFreed
		result.Errors += ttlRes.errors

		// Expired artifacts drop out of the LRU phase
		artifacts = ttlRes.remaining
	}

	// Phase 2: LRU eviction if over size limit
	if m.config.MaxSize > 0 {
		lruRes := m.evictByLRU(ctx, artifacts)
		result.LRUEvicted = lruRes.evicted
		result.BytesFreed += lruRes.bytesFreed
		result.Errors += lruRes.errors
	}

	result.Duration = m.now().Sub(start)
	telemetry.RecordExpiryRun(ctx, result.TTLExpired, result.LRUEvicted, result.Duration)

	if result.TTLExpired > 0 || result.LRUEvicted > 0 {
		m.logger.Info("expiration complete",
			"ttl_expired", result.TTLExpired,
			"lru_evicted", result.LRUEvicted,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("expiration complete, nothing to expire")
	}

	return result
}

type ttlResult struct {
	expired    int
	bytesFreed int64
	errors     int
	remaining  []*Artifact
}

func (m *ExpiryManager) expireByTTL(ctx context.Context, artifacts []*Artifact) ttlResult {
	result := ttlResult{}
	cutoff := m.now().Add(-m.config.TTL)

	for _, artifact := range artifacts {
		if artifact.LastAccessed.Before(cutoff) {
			if err := m.store.Delete(ctx, artifact.Key); err != nil {
				m.logger.Warn("failed to delete expired artifact",
					"key", artifact.Key,
					"error", err,
				)
				result.errors++
				continue
			}
			result.expired++
			result.bytesFreed += artifact.Size
			m.logger.Debug("expired artifact by TTL",
				"key", artifact.Key,
				"last_accessed", artifact.LastAccessed,
				"age", m.now().Sub(artifact.LastAccessed),
			)
		} else {
			result.remaining = append(result.remaining, artifact)
		}
	}

	return result
}

type lruResult struct {
	evicted    int
	bytesFreed int64
	errors     int
}

func (m *ExpiryManager) evictByLRU(ctx context.Context, artifacts []*Artifact) lruResult {
	result := lruResult{}

	var totalSize int64
	for _, artifact := range artifacts {
		totalSize += artifact.Size
	}

	if totalSize <= m.config.MaxSize {
		return result
	}

	// Oldest access first
	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].LastAccessed.Before(artifacts[j].LastAccessed)
	})

	for _, artifact := range artifacts {
		if totalSize <= m.config.MaxSize {
			break
		}

		if err := m.store.Delete(ctx, artifact.Key); err != nil {
			m.logger.Warn("failed to evict artifact",
				"key", artifact.Key,
				"error", err,
			)
			result.errors++
			continue
		}

		result.evicted++
		result.bytesFreed += artifact.Size
		totalSize -= artifact.Size

		m.logger.Debug("evicted artifact by LRU",
			"key", artifact.Key,
			"last_accessed", artifact.LastAccessed,
			"size", artifact.Size,
		)
	}

	return result
}
