// Package fetch retrieves external image resources under a timeout and size
// ceiling, validating declared and actual content types along the way.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/guard"
)

const (
	// DefaultTimeout bounds a single origin fetch end to end.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxBytes is the source size ceiling (20 MiB).
	DefaultMaxBytes = 20 << 20

	// DefaultMaxRedirects caps redirect following. Every hop is re-validated
	// against the origin guard before the request is sent.
	DefaultMaxRedirects = 5

	// DefaultUserAgent identifies the proxy to origins.
	DefaultUserAgent = "image-cache/1.0"

	acceptHeader = "image/avif,image/webp,image/*;q=0.9,*/*;q=0.5"
)

// acceptedTypes is the image media-type allow list for fetched sources.
var acceptedTypes = map[string]bool{
	"image/jpeg":    true,
	"image/png":     true,
	"image/webp":    true,
	"image/avif":    true,
	"image/gif":     true,
	"image/svg+xml": true,
}

// AcceptedType reports whether a media type (without parameters) is in the
// image allow list.
func AcceptedType(mediaType string) bool {
	return acceptedTypes[mediaType]
}

// Resource is a fetched origin resource. It lives only for the duration of
// one invocation.
type Resource struct {
	Bytes       []byte
	ContentType string
	Size        int64
}

// Fetcher retrieves external resources.
type Fetcher struct {
	client       *http.Client
	guard        *guard.Guard
	transport    http.RoundTripper
	timeout      time.Duration
	maxBytes     int64
	maxRedirects int
	userAgent    string
	logger       *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithGuard sets the origin guard checked on the initial request and on
// every redirect hop.
func WithGuard(g *guard.Guard) Option {
	return func(f *Fetcher) {
		f.guard = g
	}
}

// WithTransport sets the underlying round tripper, e.g. an instrumented
// transport. The redirect policy stays under the fetcher's control.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) {
		f.transport = rt
	}
}

// WithTimeout sets the fetch timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		f.timeout = d
	}
}

// WithMaxBytes sets the source size ceiling.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) {
		f.maxBytes = n
	}
}

// WithUserAgent sets the User-Agent sent to origins.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		f.userAgent = ua
	}
}

// WithLogger sets the logger for the fetcher.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// New creates a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		timeout:      DefaultTimeout,
		maxBytes:     DefaultMaxBytes,
		maxRedirects: DefaultMaxRedirects,
		userAgent:    DefaultUserAgent,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.client = &http.Client{
		Transport:     f.transport,
		CheckRedirect: f.checkRedirect,
	}
	return f
}

// checkRedirect re-validates every redirect hop against the origin guard
// before the request for that hop is sent, and caps the redirect chain.
func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= f.maxRedirects {
		return fmt.Errorf("stopped after %d redirects", f.maxRedirects)
	}
	if f.guard != nil {
		if err := f.guard.Check(req.Context(), req.URL); err != nil {
			return err
		}
	}
	return nil
}

// Fetch retrieves the resource at rawURL. All failures carry an
// imagecache.Kind so the response composer can map them to a status.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Resource, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, imagecache.WrapError(imagecache.KindBadRequest, "invalid URL format", err)
	}

	if f.guard != nil {
		if err := f.guard.Check(ctx, u); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, imagecache.WrapError(imagecache.KindBadRequest, "invalid URL format", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", acceptHeader)
	// Explicit Accept-Encoding disables the transport's transparent gzip;
	// decoding is handled below with a shared size cap.
	req.Header.Set("Accept-Encoding", "gzip, zstd")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &imagecache.Error{
			Kind:           imagecache.KindFetchFailed,
			Message:        "upstream error",
			UpstreamStatus: resp.StatusCode,
			Err:            fmt.Errorf("upstream returned %d", resp.StatusCode),
		}
	}

	// Fail fast on the declared length before reading the body.
	if resp.ContentLength > f.maxBytes {
		return nil, imagecache.NewError(imagecache.KindTooLarge, "source too large")
	}

	mediaType, sniff, err := f.declaredMediaType(resp)
	if err != nil {
		return nil, err
	}

	body, err := f.decodeBody(resp)
	if err != nil {
		return nil, imagecache.WrapError(imagecache.KindFetchFailed, "upstream error", err)
	}
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(io.LimitReader(body, f.maxBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, imagecache.WrapError(imagecache.KindTimeout, "fetch timeout", err)
		}
		return nil, imagecache.WrapError(imagecache.KindFetchFailed, "upstream error", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, imagecache.NewError(imagecache.KindTooLarge, "source too large")
	}

	if sniff {
		mediaType = sniffMediaType(data)
		if !AcceptedType(mediaType) {
			return nil, imagecache.NewError(imagecache.KindUnsupportedMedia, "unsupported media type")
		}
	}

	return &Resource{
		Bytes:       data,
		ContentType: mediaType,
		Size:        int64(len(data)),
	}, nil
}

// declaredMediaType validates the Content-Type header before the body is
// read when possible. An application/octet-stream declaration defers to
// content sniffing after the body arrives.
func (f *Fetcher) declaredMediaType(resp *http.Response) (mediaType string, sniff bool, err error) {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return "", false, imagecache.NewError(imagecache.KindUnsupportedMedia, "unsupported media type")
	}

	mediaType, _, parseErr := mime.ParseMediaType(ct)
	if parseErr != nil {
		return "", false, imagecache.WrapError(imagecache.KindUnsupportedMedia, "unsupported media type", parseErr)
	}
	if mediaType == "application/octet-stream" {
		return "", true, nil
	}
	if !AcceptedType(mediaType) {
		return "", false, imagecache.NewError(imagecache.KindUnsupportedMedia, "unsupported media type")
	}
	return mediaType, false, nil
}

// decodeBody unwraps the response body according to Content-Encoding.
// Decompressed output is bounded by the same size ceiling as raw bodies.
func (f *Fetcher) decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "", "identity":
		return resp.Body, nil
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		return gz, nil
	case "zstd":
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("creating zstd reader: %w", err)
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}

// classifyTransportError maps client.Do failures onto the taxonomy. Guard
// rejections raised from the redirect policy surface unchanged.
func (f *Fetcher) classifyTransportError(err error) error {
	if classified, ok := imagecache.AsError(err); ok {
		return classified
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return imagecache.WrapError(imagecache.KindTimeout, "fetch timeout", err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return imagecache.WrapError(imagecache.KindTimeout, "fetch timeout", err)
	}
	return imagecache.WrapError(imagecache.KindFetchFailed, "upstream error", err)
}

// sniffMediaType detects the media type from content, used only when the
// origin declared application/octet-stream.
func sniffMediaType(data []byte) string {
	mediaType, _, err := mime.ParseMediaType(http.DetectContentType(data))
	if err != nil {
		return "application/octet-stream"
	}
	return mediaType
}
