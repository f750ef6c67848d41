package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstrumentedTransportSuccess(t *testing.T) {
	reader := setupTestMetrics(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("image bytes"))
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewInstrumentedTransport(nil)}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, "image bytes", string(body))

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "image_cache_upstream_fetch_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "success"))

	bytesDps := findCounter(rm, "image_cache_upstream_fetch_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, len("image bytes"), bytesDps[0].Value)
}

func TestInstrumentedTransportUpstreamFailure(t *testing.T) {
	reader := setupTestMetrics(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewInstrumentedTransport(nil)}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	require.NoError(t, resp.Body.Close())

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "image_cache_upstream_fetch_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "5xx"))
}

func TestInstrumentedTransportConnectionError(t *testing.T) {
	reader := setupTestMetrics(t)

	client := &http.Client{Transport: NewInstrumentedTransport(nil)}
	_, err := client.Get("http://127.0.0.1:1/")
	require.Error(t, err)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "image_cache_upstream_fetch_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "error"))
}
