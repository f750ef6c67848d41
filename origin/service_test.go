package origin

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/fetch"
	"github.com/wolfeidau/image-cache/store"
	"github.com/wolfeidau/image-cache/transform"
)

type stubFetcher struct {
	resource *fetch.Resource
	err      error
	calls    atomic.Int32
	block    chan struct{}
}

func (f *stubFetcher) Fetch(_ context.Context, _ string) (*fetch.Resource, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.resource, nil
}

type stubTransformer struct {
	artifact *transform.Artifact
	err      error
}

func (t *stubTransformer) Apply(_ context.Context, _ []byte, _ string, _ imagecache.Operations) (*transform.Artifact, error) {
	if t.err != nil {
		return nil, t.err
	}
	return t.artifact, nil
}

type memStore struct {
	mu      sync.Mutex
	entries map[string][]byte
	failPut bool
}

func newMemStore() *memStore {
	return &memStore{entries: map[string][]byte{}}
}

func (s *memStore) Put(_ context.Context, artifact *store.Artifact, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut {
		return errors.New("disk full")
	}
	s.entries[artifact.Key] = body
	return nil
}

func (s *memStore) Get(_ context.Context, key string) (*store.Artifact, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.entries[key]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	return &store.Artifact{Key: key}, body, nil
}

func (s *memStore) Head(_ context.Context, key string) (*store.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return nil, store.ErrNotFound
	}
	return &store.Artifact{Key: key}, nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func testKey() string {
	return imagecache.CacheKey("https://example.com/cat.jpg", imagecache.Operations{Format: "webp", Width: 300})
}

func testPipeline(body []byte) (*stubFetcher, *stubTransformer) {
	fetcher := &stubFetcher{resource: &fetch.Resource{
		Bytes:       []byte("source image"),
		ContentType: "image/jpeg",
		Size:        12,
	}}
	transformer := &stubTransformer{artifact: &transform.Artifact{
		Bytes:       body,
		ContentType: "image/webp",
		Width:       300,
		Height:      200,
	}}
	return fetcher, transformer
}

func TestProducePersistedInline(t *testing.T) {
	fetcher, transformer := testPipeline([]byte("transformed bytes"))
	st := newMemStore()
	svc := New(fetcher, transformer, WithStore(st))

	key := testKey()
	result, shared, err := svc.Produce(context.Background(), key)
	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, OutcomePersistedInline, result.Outcome)
	require.Equal(t, []byte("transformed bytes"), result.Artifact.Bytes)
	require.Equal(t, imagecache.HashBytes([]byte("transformed bytes")), result.Digest)

	// Artifact landed in the store
	_, body, err := st.Get(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, []byte("transformed bytes"), body)
}

func TestProduceOversizePersistedRedirect(t *testing.T) {
	fetcher, transformer := testPipeline(make([]byte, 2048))
	st := newMemStore()
	svc := New(fetcher, transformer, WithStore(st), WithMaxOutputSize(1024))

	result, _, err := svc.Produce(context.Background(), testKey())
	require.NoError(t, err)
	require.Equal(t, OutcomePersistedRedirect, result.Outcome)
}

func TestProduceOversizePersistFailedRejected(t *testing.T) {
	fetcher, transformer := testPipeline(make([]byte, 2048))
	st := newMemStore()
	st.failPut = true
	svc := New(fetcher, transformer, WithStore(st), WithMaxOutputSize(1024))

	_, _, err := svc.Produce(context.Background(), testKey())
	require.Error(t, err)
	e, ok := imagecache.AsError(err)
	require.True(t, ok)
	require.Equal(t, imagecache.KindTooLarge, e.Kind)
}

func TestProducePersistFailedInline(t *testing.T) {
	fetcher, transformer := testPipeline([]byte("small"))
	st := newMemStore()
	st.failPut = true
	svc := New(fetcher, transformer, WithStore(st))

	result, _, err := svc.Produce(context.Background(), testKey())
	require.NoError(t, err)
	require.Equal(t, OutcomePersistFailedInline, result.Outcome)
	require.Equal(t, []byte("small"), result.Artifact.Bytes)
}

func TestProduceWithoutStore(t *testing.T) {
	// No store configured: everything is served inline, even oversize output.
	fetcher, transformer := testPipeline(make([]byte, 2048))
	svc := New(fetcher, transformer, WithMaxOutputSize(1024))

	result, _, err := svc.Produce(context.Background(), testKey())
	require.NoError(t, err)
	require.Equal(t, OutcomePersistFailedInline, result.Outcome)
}

func TestProduceFetchErrorPropagates(t *testing.T) {
	fetcher := &stubFetcher{err: imagecache.NewError(imagecache.KindFetchFailed, "upstream error")}
	svc := New(fetcher, &stubTransformer{})

	_, _, err := svc.Produce(context.Background(), testKey())
	e, ok := imagecache.AsError(err)
	require.True(t, ok)
	require.Equal(t, imagecache.KindFetchFailed, e.Kind)
}

func TestProduceTransformErrorPropagates(t *testing.T) {
	fetcher, _ := testPipeline(nil)
	transformer := &stubTransformer{err: imagecache.NewError(imagecache.KindTransform, "image decode failed")}
	svc := New(fetcher, transformer)

	_, _, err := svc.Produce(context.Background(), testKey())
	e, ok := imagecache.AsError(err)
	require.True(t, ok)
	require.Equal(t, imagecache.KindTransform, e.Kind)
}

func TestProduceInvalidKey(t *testing.T) {
	fetcher, transformer := testPipeline([]byte("x"))
	svc := New(fetcher, transformer)

	_, _, err := svc.Produce(context.Background(), "not a key")
	e, ok := imagecache.AsError(err)
	require.True(t, ok)
	require.Equal(t, imagecache.KindBadRequest, e.Kind)
}

func TestProduceDeduplicatesConcurrentRequests(t *testing.T) {
	fetcher, transformer := testPipeline([]byte("shared bytes"))
	fetcher.block = make(chan struct{})
	svc := New(fetcher, transformer, WithStore(newMemStore()))

	key := testKey()

	const callers = 4
	var wg sync.WaitGroup
	results := make([]*Result, callers)
	sharedFlags := make([]bool, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], sharedFlags[i], errs[i] = svc.Produce(context.Background(), key)
		}(i)
	}

	// Give the goroutines time to pile onto the same flight, then release it.
	time.Sleep(50 * time.Millisecond)
	close(fetcher.block)
	wg.Wait()

	require.Equal(t, int32(1), fetcher.calls.Load())
	sharedCount := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, []byte("shared bytes"), results[i].Artifact.Bytes)
		if sharedFlags[i] {
			sharedCount++
		}
	}
	require.GreaterOrEqual(t, sharedCount, callers-1)
}

func TestProduceCallerCancellation(t *testing.T) {
	fetcher, transformer := testPipeline([]byte("late"))
	fetcher.block = make(chan struct{})
	defer close(fetcher.block)
	svc := New(fetcher, transformer)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, _, err := svc.Produce(ctx, testKey())
	require.ErrorIs(t, err, context.Canceled)
}
