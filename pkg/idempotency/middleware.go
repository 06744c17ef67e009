package idempotency

import (
	"log/slog"
	"net/http"
)

const HeaderKey = "Idempotency-Key"

// Middleware rejects a repeated request carrying the same Idempotency-Key
// with 409. Requests without the header pass through. A claim is dropped
// again when the handler answers with a server error so the client may retry.
func Middleware(log *slog.Logger, store *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(HeaderKey)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := store.Key("http", r.Method, r.URL.Path, raw)
			seen, err := store.Seen(r.Context(), key)
			if err != nil {
				log.Error("idempotency check failed", "key", key, "err", err)
				http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
				return
			}
			if seen {
				http.Error(w, "duplicate request", http.StatusConflict)
				return
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if rec.status >= http.StatusInternalServerError {
				if err := store.Forget(r.Context(), key); err != nil {
					log.Warn("idempotency forget failed", "key", key, "err", err)
				}
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
