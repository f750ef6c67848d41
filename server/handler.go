package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/edge"
	"github.com/wolfeidau/image-cache/origin"
	"github.com/wolfeidau/image-cache/store"
	"github.com/wolfeidau/image-cache/telemetry"
)

// handleEdge normalises a query-parameter request into its canonical proxy
// path and serves it. Equivalent requests converge on the same path here, so
// everything downstream sees one key per distinct transformation.
func (s *Server) handleEdge(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "edge")

	rewritten, err := edge.Rewrite(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.serveCanonical(w, rewritten)
}

// handleProxy serves canonical proxy paths directly.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "proxy")
	s.serveCanonical(w, r)
}

// serveCanonical serves one canonical proxy path: cache lookup first, then
// the origin pipeline on miss.
func (s *Server) serveCanonical(w http.ResponseWriter, r *http.Request) {
	key, found := strings.CutPrefix(r.URL.Path, imagecache.ProxyPathPrefix)
	if !found {
		s.writeError(w, r, imagecache.NewError(imagecache.KindBadRequest, "invalid URL format"))
		return
	}
	if _, _, err := imagecache.ParseCacheKey(key); err != nil {
		s.writeError(w, r, imagecache.WrapError(imagecache.KindBadRequest, "invalid URL format", err))
		return
	}

	if s.store != nil {
		artifact, body, err := s.store.Get(r.Context(), key)
		switch {
		case err == nil:
			telemetry.SetCacheResult(r, telemetry.CacheHit)
			s.serveArtifact(w, r, artifact.ContentType, artifact.Digest.ETag(), body)
			return
		case errors.Is(err, store.ErrNotFound):
			// fall through to production
		default:
			// A corrupt or unreadable artifact is not fatal: reproduce it.
			s.logger.Warn("cache read failed", "key", key, "error", err)
		}
	}

	telemetry.SetCacheResult(r, telemetry.CacheMiss)

	result, shared, err := s.origin.Produce(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	telemetry.SetOutcome(r, string(result.Outcome))
	telemetry.RecordProduce(r.Context(), string(result.Outcome), int64(len(result.Artifact.Bytes)))
	if shared {
		s.logger.Debug("production shared with concurrent request", "key", key)
	}

	w.Header().Set("Server-Timing", serverTiming(result.Timings))

	if result.Outcome == origin.OutcomePersistedRedirect {
		// Too big to serve inline; the artifact is cached now, so send the
		// client back to the canonical path to stream it from the store.
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, r.URL.Path, http.StatusTemporaryRedirect)
		return
	}

	if result.Outcome == origin.OutcomePersistFailedInline {
		// Not cached: a shared cache must not hold on to this response.
		w.Header().Set("Cache-Control", "no-store")
		s.writeBody(w, r, result.Artifact.ContentType, result.Digest.ETag(), result.Artifact.Bytes)
		return
	}

	s.serveArtifact(w, r, result.Artifact.ContentType, result.Digest.ETag(), result.Artifact.Bytes)
}

// serveArtifact writes a cacheable artifact response, honouring conditional
// requests against the content digest.
func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, contentType, etag string, body []byte) {
	w.Header().Set("Cache-Control", s.config.CacheControl)

	if match := r.Header.Get("If-None-Match"); match != "" && strings.Contains(match, etag) {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	s.writeBody(w, r, contentType, etag, body)
}

func (s *Server) writeBody(w http.ResponseWriter, r *http.Request, contentType, etag string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))

	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(body)
}
