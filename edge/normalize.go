// Package edge implements the stateless request-normalization stage. It
// canonicalises an inbound request into a deterministic proxy path that
// doubles as the cache key.
//
// The package is deliberately pure: no logging, no network access, no
// mutable state. It is intended to run in a highly parallel, short-deadline
// edge execution context where none of those capabilities exist.
package edge

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	imagecache "github.com/wolfeidau/image-cache"
)

// Result is the outcome of normalising a raw request.
type Result struct {
	// Path is the canonical proxy path (ProxyPathPrefix + cache key).
	Path string

	// SourceURL is the validated source URL.
	SourceURL string

	// Operations is the effective, validated operation set. Format "auto"
	// has already been resolved against the Accept header.
	Operations imagecache.Operations
}

// Normalize validates the raw query parameters and derives the canonical
// proxy path. Unknown parameters and out-of-range values are dropped
// silently; only a missing or malformed url parameter is an error.
func Normalize(query url.Values, accept string) (*Result, error) {
	sourceURL := query.Get("url")
	if sourceURL == "" {
		return nil, imagecache.NewError(imagecache.KindBadRequest, "missing required parameter")
	}
	if !imagecache.IsHTTPURL(sourceURL) {
		return nil, imagecache.NewError(imagecache.KindBadRequest, "invalid URL format")
	}

	var ops imagecache.Operations
	for rawKey, values := range query {
		if len(values) == 0 || values[0] == "" {
			continue
		}
		// Repeated parameters: first value wins, the rest are ignored.
		value := values[0]

		switch strings.ToLower(rawKey) {
		case "format":
			format := strings.ToLower(value)
			if format == "auto" {
				format = negotiateFormat(accept)
			}
			if imagecache.SupportedFormat(format) {
				ops.Format = format
			}
		case "width":
			if n, ok := parseDimension(value); ok {
				ops.Width = n
			}
		case "height":
			if n, ok := parseDimension(value); ok {
				ops.Height = n
			}
		case "quality":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				ops.Quality = min(n, imagecache.MaxQuality)
			}
		}
	}

	return &Result{
		Path:       imagecache.ProxyPath(sourceURL, ops),
		SourceURL:  sourceURL,
		Operations: ops,
	}, nil
}

// Rewrite normalises an HTTP request in place of the edge rewrite rule:
// the returned request has the canonical proxy path and an empty query
// string. A request already on a canonical path passes through unchanged,
// so re-normalising is a no-op.
func Rewrite(r *http.Request) (*http.Request, error) {
	if strings.HasPrefix(r.URL.Path, imagecache.ProxyPathPrefix) {
		return r, nil
	}

	result, err := Normalize(r.URL.Query(), r.Header.Get("Accept"))
	if err != nil {
		return nil, err
	}

	rewritten := r.Clone(r.Context())
	rewritten.URL.Path = result.Path
	rewritten.URL.RawPath = ""
	rewritten.URL.RawQuery = ""
	return rewritten, nil
}

// negotiateFormat resolves format=auto from the Accept header. Resolution
// happens once at the edge so the cache key varies by negotiated format
// rather than by raw Accept header value.
func negotiateFormat(accept string) string {
	switch {
	case strings.Contains(accept, "image/avif"):
		return "avif"
	case strings.Contains(accept, "image/webp"):
		return "webp"
	default:
		return "jpeg"
	}
}

func parseDimension(value string) (int, bool) {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 || n > imagecache.MaxDimension {
		return 0, false
	}
	return n, true
}
