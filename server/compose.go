package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/origin"
)

// writeError maps a pipeline failure onto its HTTP status and a JSON body.
// Error responses are never cacheable.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	// A caller that went away mid-production gets nothing useful; don't
	// dress the write up as a real response.
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		s.logger.Debug("request canceled", "path", r.URL.Path)
		w.WriteHeader(499)
		return
	}

	status := http.StatusInternalServerError
	message := "internal error"

	if e, ok := imagecache.AsError(err); ok {
		status = e.Kind.HTTPStatus()
		message = e.Message
	}

	logAttrs := []any{
		"path", r.URL.Path,
		"status", status,
		"error", err,
	}
	if status >= 500 {
		s.logger.Error("request failed", logAttrs...)
	} else {
		s.logger.Warn("request rejected", logAttrs...)
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// serverTiming renders pipeline stage durations as a Server-Timing header
// value so clients can see where a miss spent its time.
func serverTiming(t origin.Timings) string {
	var b strings.Builder
	fmt.Fprintf(&b, "img-download;dur=%.1f", float64(t.Download.Microseconds())/1000)
	fmt.Fprintf(&b, ", img-transform;dur=%.1f", float64(t.Transform.Microseconds())/1000)
	fmt.Fprintf(&b, ", img-upload;dur=%.1f", float64(t.Upload.Microseconds())/1000)
	return b.String()
}
