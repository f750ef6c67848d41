// Package origin produces image artifacts on cache miss: fetch the source,
// transform it, persist the result. Concurrent requests for the same cache
// key are collapsed into a single production run.
package origin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/fetch"
	"github.com/wolfeidau/image-cache/store"
	"github.com/wolfeidau/image-cache/telemetry"
	"github.com/wolfeidau/image-cache/transform"
)

// DefaultMaxOutputSize is the ceiling for artifacts served inline (10 MiB).
// Larger outputs are persisted and served by redirect instead.
const DefaultMaxOutputSize = 10 << 20

// Fetcher retrieves a source image.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*fetch.Resource, error)
}

// Transformer applies an operation set to source bytes.
type Transformer interface {
	Apply(ctx context.Context, src []byte, srcType string, ops imagecache.Operations) (*transform.Artifact, error)
}

// Outcome describes how a produced artifact reached the client.
type Outcome string

const (
	// OutcomePersistedInline: persisted and served inline.
	OutcomePersistedInline Outcome = "persisted_inline"

	// OutcomePersistedRedirect: persisted but over the inline ceiling; the
	// client is redirected back to the canonical path to be served from the
	// cache.
	OutcomePersistedRedirect Outcome = "persisted_redirect"

	// OutcomePersistFailedInline: persistence failed or is disabled; served
	// inline for this request only.
	OutcomePersistFailedInline Outcome = "persist_failed_inline"

	// OutcomeRejectedTooBig: over the inline ceiling and not persisted, so
	// there is nothing to redirect to.
	OutcomeRejectedTooBig Outcome = "rejected_too_big"
)

// Timings records how long each pipeline stage took.
type Timings struct {
	Download  time.Duration
	Transform time.Duration
	Upload    time.Duration
}

// Result is one produced artifact.
type Result struct {
	Artifact *transform.Artifact
	Digest   imagecache.Hash
	Outcome  Outcome
	Timings  Timings
}

// Service runs the miss pipeline.
type Service struct {
	fetcher       Fetcher
	transformer   Transformer
	store         store.Store
	maxOutputSize int64
	group         singleflight.Group
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithStore sets the artifact store. Without one every production is served
// inline and never cached.
func WithStore(s store.Store) Option {
	return func(svc *Service) {
		svc.store = s
	}
}

// WithMaxOutputSize sets the inline serving ceiling.
func WithMaxOutputSize(n int64) Option {
	return func(svc *Service) {
		svc.maxOutputSize = n
	}
}

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) Option {
	return func(svc *Service) {
		svc.logger = logger
	}
}

// New creates a Service.
func New(fetcher Fetcher, transformer Transformer, opts ...Option) *Service {
	svc := &Service{
		fetcher:       fetcher,
		transformer:   transformer,
		maxOutputSize: DefaultMaxOutputSize,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Produce runs the pipeline for one cache key. Concurrent calls for the same
// key share a single run via singleflight; the shared return reports whether
// this caller piggybacked on another's production. The pipeline runs on a
// detached context so one caller's cancellation does not abort the work for
// other waiters.
func (svc *Service) Produce(ctx context.Context, key string) (*Result, bool, error) {
	ch := svc.group.DoChan(key, func() (any, error) {
		res, err := svc.produce(context.WithoutCancel(ctx), key)
		if err != nil {
			// Allow the next request to retry rather than sharing the failure
			// window.
			svc.group.Forget(key)
		}
		return res, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (svc *Service) produce(ctx context.Context, key string) (*Result, error) {
	sourceURL, ops, err := imagecache.ParseCacheKey(key)
	if err != nil {
		return nil, imagecache.WrapError(imagecache.KindBadRequest, "invalid URL format", err)
	}

	result := &Result{}

	start := svc.now()
	resource, err := svc.fetcher.Fetch(ctx, sourceURL)
	if err != nil {
		return nil, err
	}
	result.Timings.Download = svc.now().Sub(start)

	start = svc.now()
	artifact, err := svc.transformer.Apply(ctx, resource.Bytes, resource.ContentType, ops)
	if err != nil {
		return nil, err
	}
	result.Timings.Transform = svc.now().Sub(start)
	telemetry.RecordTransform(ctx, artifact.ContentType, result.Timings.Transform)

	result.Artifact = artifact
	result.Digest = imagecache.HashBytes(artifact.Bytes)

	start = svc.now()
	result.Outcome, err = svc.persist(ctx, key, result)
	result.Timings.Upload = svc.now().Sub(start)
	if err != nil {
		return nil, err
	}

	svc.logger.Debug("produced artifact",
		"key", key,
		"outcome", result.Outcome,
		"size", len(artifact.Bytes),
		"download_ms", result.Timings.Download.Milliseconds(),
		"transform_ms", result.Timings.Transform.Milliseconds(),
		"upload_ms", result.Timings.Upload.Milliseconds(),
	)

	return result, nil
}

// persist implements the oversize policy. Outputs over the inline ceiling
// must be served from the cache via redirect; when they cannot be persisted
// there is nothing to serve and the production is rejected.
func (svc *Service) persist(ctx context.Context, key string, result *Result) (Outcome, error) {
	oversize := int64(len(result.Artifact.Bytes)) > svc.maxOutputSize

	if svc.store == nil {
		return OutcomePersistFailedInline, nil
	}

	now := svc.now()
	err := svc.store.Put(ctx, &store.Artifact{
		Key:          key,
		Digest:       result.Digest,
		ContentType:  result.Artifact.ContentType,
		Size:         int64(len(result.Artifact.Bytes)),
		Width:        result.Artifact.Width,
		Height:       result.Artifact.Height,
		CreatedAt:    now,
		LastAccessed: now,
	}, result.Artifact.Bytes)

	switch {
	case err == nil && oversize:
		return OutcomePersistedRedirect, nil
	case err == nil:
		return OutcomePersistedInline, nil
	case oversize:
		svc.logger.Error("persist failed for oversize artifact", "key", key, "error", err)
		return OutcomeRejectedTooBig, imagecache.WrapError(imagecache.KindTooLarge,
			fmt.Sprintf("output exceeds %d bytes and could not be cached", svc.maxOutputSize), err)
	default:
		svc.logger.Warn("persist failed, serving inline", "key", key, "error", err)
		return OutcomePersistFailedInline, nil
	}
}
