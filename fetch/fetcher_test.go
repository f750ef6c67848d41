package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/guard"
)

// pngBytes is a minimal 1x1 PNG.
var pngBytes = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x62, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requireKind(t *testing.T, err error, kind imagecache.Kind) *imagecache.Error {
	t.Helper()
	require.Error(t, err)
	e, ok := imagecache.AsError(err)
	require.True(t, ok, "error %v is not classified", err)
	require.Equal(t, kind, e.Kind)
	return e
}

func TestFetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
	}))
	defer srv.Close()

	f := New(WithLogger(testLogger()))
	res, err := f.Fetch(context.Background(), srv.URL+"/a.png")
	require.NoError(t, err)
	require.Equal(t, "image/png", res.ContentType)
	require.Equal(t, pngBytes, res.Bytes)
	require.Equal(t, int64(len(pngBytes)), res.Size)
}

func TestFetch_ContentTypeWithParameters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/svg+xml; charset=utf-8")
		_, _ = w.Write([]byte(`<svg xmlns="http://www.w3.org/2000/svg"/>`))
	}))
	defer srv.Close()

	f := New(WithLogger(testLogger()))
	res, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, "image/svg+xml", res.ContentType)
}

func TestFetch_OctetStreamSniffed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(pngBytes)
	}))
	defer srv.Close()

	f := New(WithLogger(testLogger()))
	res, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, "image/png", res.ContentType)
}

func TestFetch_UnsupportedMediaType(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
	}{
		{"html", "text/html"},
		{"json", "application/json"},
		{"missing", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.contentType == "" {
					w.Header()["Content-Type"] = nil
				} else {
					w.Header().Set("Content-Type", tc.contentType)
				}
				_, _ = w.Write([]byte("not an image"))
			}))
			defer srv.Close()

			f := New(WithLogger(testLogger()))
			_, err := f.Fetch(context.Background(), srv.URL)
			requireKind(t, err, imagecache.KindUnsupportedMedia)
		})
	}
}

func TestFetch_DeclaredTooLarge(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	f := New(WithLogger(testLogger()), WithMaxBytes(1024))
	_, err := f.Fetch(context.Background(), srv.URL)
	requireKind(t, err, imagecache.KindTooLarge)
}

func TestFetch_ActualTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		// Flush to force chunked encoding so no Content-Length is declared.
		w.(http.Flusher).Flush()
		_, _ = w.Write(bytes.Repeat([]byte{0xCD}, 2048))
	}))
	defer srv.Close()

	f := New(WithLogger(testLogger()), WithMaxBytes(1024))
	_, err := f.Fetch(context.Background(), srv.URL)
	requireKind(t, err, imagecache.KindTooLarge)
}

func TestFetch_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(WithLogger(testLogger()))
	_, err := f.Fetch(context.Background(), srv.URL)
	e := requireKind(t, err, imagecache.KindFetchFailed)
	require.Equal(t, http.StatusNotFound, e.UpstreamStatus)
}

func TestFetch_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	f := New(WithLogger(testLogger()), WithTimeout(50*time.Millisecond))
	_, err := f.Fetch(context.Background(), srv.URL)
	requireKind(t, err, imagecache.KindTimeout)
}

func TestFetch_ConnectionRefused(t *testing.T) {
	f := New(WithLogger(testLogger()))
	_, err := f.Fetch(context.Background(), "http://127.0.0.1:1/a.jpg")
	requireKind(t, err, imagecache.KindFetchFailed)
}

func TestFetch_GuardRejectsInitialRequest(t *testing.T) {
	g := guard.New(guard.WithLogger(testLogger()))
	f := New(WithLogger(testLogger()), WithGuard(g))

	_, err := f.Fetch(context.Background(), "http://169.254.169.254/latest/meta-data/")
	requireKind(t, err, imagecache.KindSecurity)
}

func TestFetch_GuardRejectsRedirectHop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://10.0.0.5/internal.jpg", http.StatusFound)
	}))
	defer srv.Close()

	// Loopback allowed so the test server itself passes the guard; the
	// redirect to the private address must still be rejected before any
	// connection is attempted.
	g := guard.New(guard.WithLogger(testLogger()), guard.WithAllowLoopback())
	f := New(WithLogger(testLogger()), WithGuard(g))

	_, err := f.Fetch(context.Background(), srv.URL)
	requireKind(t, err, imagecache.KindSecurity)
}

func TestFetch_FollowsAllowedRedirect(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
	}))
	defer target.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL+"/real.png", http.StatusMovedPermanently)
	}))
	defer srv.Close()

	g := guard.New(guard.WithLogger(testLogger()), guard.WithAllowLoopback())
	f := New(WithLogger(testLogger()), WithGuard(g))

	res, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, pngBytes, res.Bytes)
}

func TestFetch_RedirectLoopCapped(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/again", http.StatusFound)
	}))
	defer srv.Close()

	f := New(WithLogger(testLogger()))
	_, err := f.Fetch(context.Background(), srv.URL)
	requireKind(t, err, imagecache.KindFetchFailed)
}

func TestFetch_GzipContentEncoding(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(pngBytes)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.Header.Get("Accept-Encoding"), "gzip")
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	f := New(WithLogger(testLogger()))
	res, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, pngBytes, res.Bytes)
}
