// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

// requestTagsKey is the context key for the request tags holder.
const requestTagsKey contextKey = "request_tags"

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheBypass CacheResult = "bypass"
	CacheNA     CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for
// logging and metrics.
type RequestTags struct {
	CacheResult CacheResult
	Outcome     string
	Endpoint    string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetOutcome sets the production outcome tag for miss requests.
func SetOutcome(r *http.Request, outcome string) {
	if tags := GetTags(r); tags != nil {
		tags.Outcome = outcome
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}
