// Package imagecache provides the shared primitives of the image cache:
// the canonical cache key, the reversible source-URL codec, content digests,
// and the failure taxonomy used across the edge and origin stages.
package imagecache

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

const (
	// ProxyPathPrefix is the path prefix for canonical proxy requests.
	// A canonical path is ProxyPathPrefix + CacheKey.
	ProxyPathPrefix = "/proxy/"

	// OriginalToken is the operations segment used when no transformation
	// was requested.
	OriginalToken = "original"

	// MaxDimension is the upper bound for width and height operations.
	MaxDimension = 4000

	// MaxQuality is the upper bound quality is clamped to.
	MaxQuality = 100
)

// Formats supported as transformation targets. "auto" is resolved at the
// edge and never appears in a canonical key.
var supportedFormats = map[string]bool{
	"jpeg": true,
	"webp": true,
	"avif": true,
	"png":  true,
	"gif":  true,
	"svg":  true,
}

// SupportedFormat reports whether name is a valid target format token.
func SupportedFormat(name string) bool {
	return supportedFormats[name]
}

// Operations is the validated, canonical set of transform operations for a
// request. Zero values mean the operation was not requested.
type Operations struct {
	Format  string
	Quality int
	Width   int
	Height  int
}

// IsZero reports whether no operations were requested.
func (o Operations) IsZero() bool {
	return o == Operations{}
}

// String serialises the operations as comma-joined key=value pairs in the
// fixed canonical order (format, quality, width, height), or OriginalToken
// when no operation is set. Equivalent operation sets always serialise to
// byte-identical strings.
func (o Operations) String() string {
	if o.IsZero() {
		return OriginalToken
	}

	parts := make([]string, 0, 4)
	if o.Format != "" {
		parts = append(parts, "format="+o.Format)
	}
	if o.Quality > 0 {
		parts = append(parts, "quality="+strconv.Itoa(o.Quality))
	}
	if o.Width > 0 {
		parts = append(parts, "width="+strconv.Itoa(o.Width))
	}
	if o.Height > 0 {
		parts = append(parts, "height="+strconv.Itoa(o.Height))
	}
	return strings.Join(parts, ",")
}

// ParseOperations parses a canonical operations segment back into an
// Operations value. It accepts only what String produces.
func ParseOperations(s string) (Operations, error) {
	var ops Operations
	if s == OriginalToken {
		return ops, nil
	}
	if s == "" {
		return ops, fmt.Errorf("empty operations segment")
	}

	for _, pair := range strings.Split(s, ",") {
		key, value, found := strings.Cut(pair, "=")
		if !found || value == "" {
			return Operations{}, fmt.Errorf("invalid operation %q", pair)
		}
		switch key {
		case "format":
			if !SupportedFormat(value) {
				return Operations{}, fmt.Errorf("unsupported format %q", value)
			}
			ops.Format = value
		case "quality":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 || n > MaxQuality {
				return Operations{}, fmt.Errorf("invalid quality %q", value)
			}
			ops.Quality = n
		case "width":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 || n > MaxDimension {
				return Operations{}, fmt.Errorf("invalid width %q", value)
			}
			ops.Width = n
		case "height":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 || n > MaxDimension {
				return Operations{}, fmt.Errorf("invalid height %q", value)
			}
			ops.Height = n
		default:
			return Operations{}, fmt.Errorf("unknown operation %q", key)
		}
	}
	return ops, nil
}

// EncodeSourceURL encodes a source URL into a URL-safe, padding-free base64
// token usable as a path segment.
func EncodeSourceURL(rawURL string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(rawURL))
}

// DecodeSourceURL reverses EncodeSourceURL. A token that does not decode, or
// decodes to something other than an absolute http/https URL, is a fatal
// input error for the origin stage.
func DecodeSourceURL(token string) (string, error) {
	// Tolerate tokens produced by padded encoders.
	token = strings.TrimRight(token, "=")
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("decoding source url token: %w", err)
	}
	rawURL := string(decoded)
	if !IsHTTPURL(rawURL) {
		return "", fmt.Errorf("decoded source url %q is not http or https", rawURL)
	}
	return rawURL, nil
}

// IsHTTPURL reports whether s is an absolute http or https URL.
func IsHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// CacheKey derives the canonical cache key for a source URL and operation
// set. The key doubles as the edge-cache path suffix and the durable-store
// object identifier, so identical inputs must always produce identical keys.
func CacheKey(sourceURL string, ops Operations) string {
	return EncodeSourceURL(sourceURL) + "/" + ops.String()
}

// ProxyPath returns the canonical proxy path for a source URL and operations.
func ProxyPath(sourceURL string, ops Operations) string {
	return ProxyPathPrefix + CacheKey(sourceURL, ops)
}

// ParseCacheKey splits a canonical cache key into its source URL and
// operation set.
func ParseCacheKey(key string) (sourceURL string, ops Operations, err error) {
	token, opsSegment, found := strings.Cut(key, "/")
	if !found {
		return "", Operations{}, fmt.Errorf("invalid cache key %q: missing operations segment", key)
	}
	sourceURL, err = DecodeSourceURL(token)
	if err != nil {
		return "", Operations{}, err
	}
	ops, err = ParseOperations(opsSegment)
	if err != nil {
		return "", Operations{}, err
	}
	return sourceURL, ops, nil
}

// ParseProxyPath strips the proxy prefix and parses the remaining cache key.
func ParseProxyPath(path string) (sourceURL string, ops Operations, err error) {
	key, found := strings.CutPrefix(path, ProxyPathPrefix)
	if !found {
		return "", Operations{}, fmt.Errorf("path %q is not a canonical proxy path", path)
	}
	return ParseCacheKey(key)
}
