package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/tiersched/internal/logging"
)

type ctxKey string

const ctxKeyRequestID ctxKey = "request_id"

// maxRequestIDLen bounds a caller supplied X-Request-ID.
const maxRequestIDLen = 64

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// requestIDMiddleware reuses the caller's X-Request-ID or generates one and
// stores it in the context and the response header.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > maxRequestIDLen {
			reqID = requestID()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, reqID)))
	})
}

// paramAttr names the log attribute for a path parameter of pattern, or
// returns "" for parameters that are not logged.
func paramAttr(pattern, key string) string {
	switch key {
	case "class":
		return "class"
	case "id":
		if strings.Contains(pattern, "/runs/") {
			return "run"
		}
		return "unit"
	}
	return ""
}

// requestLogMiddleware logs every request with the matched route pattern
// and the class or unit it addressed. Server errors log at WARN, mutations
// at INFO, everything else at DEBUG.
func requestLogMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration", time.Since(start).String(),
				logging.Bytes("size", uint64(ww.BytesWritten())),
				"request_id", RequestIDFromContext(r.Context()),
			}
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				pattern := rctx.RoutePattern()
				if pattern != "" {
					attrs = append(attrs, "route", pattern)
				}
				for i, key := range rctx.URLParams.Keys {
					if name := paramAttr(pattern, key); name != "" && i < len(rctx.URLParams.Values) {
						attrs = append(attrs, name, rctx.URLParams.Values[i])
					}
				}
			}

			switch {
			case status >= http.StatusInternalServerError:
				logger.Warn("request", attrs...)
			case r.Method != http.MethodGet && r.Method != http.MethodHead:
				logger.Info("request", attrs...)
			default:
				logger.Debug("request", attrs...)
			}
		})
	}
}
