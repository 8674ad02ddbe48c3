package httpx

import (
	"bytes"
	"log/slog"
	"net/http"
	"time"

	"github.com/prospectly/courier/internal/service"
)

// CacheMiddleware replays cached GET responses out of the shared response
// cache. On a hit the stored envelope is replayed with `X-Cache: HIT`; a
// request whose If-None-Match matches the stored ETag gets a 304 without the
// body. On a miss the downstream response is recorded and, when it is a 200,
// stored under the given tags. Any cache error logs and falls through to the
// handler so the cache can never take reads down with it.
func CacheMiddleware(opts CacheMiddlewareOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.Cache == nil || r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			fingerprint := service.Fingerprint(r.Method, r.URL.Path, r.URL.Query(), requestUser(r))

			cached, err := opts.Cache.Lookup(r.Context(), fingerprint)
			if err != nil {
				if opts.Logger != nil {
					opts.Logger.WarnContext(r.Context(), "response cache lookup failed",
						"path", r.URL.Path, "error", err)
				}
			} else if cached != nil {
				replayCached(w, r, cached)
				return
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status != http.StatusOK {
				return
			}

			entry := service.CachedResponse{
				Body:        rec.body.Bytes(),
				ContentType: rec.Header().Get("Content-Type"),
				ETag:        service.ETagFor(rec.body.Bytes()),
				StoredAt:    time.Now().UTC(),
			}
			if err := opts.Cache.Store(r.Context(), service.StoreParams{
				Fingerprint: fingerprint,
				Response:    entry,
				Tags:        opts.Tags,
				TTL:         opts.TTL,
			}); err != nil && opts.Logger != nil {
				opts.Logger.WarnContext(r.Context(), "response cache store failed",
					"path", r.URL.Path, "error", err)
			}
		})
	}
}

// CacheMiddlewareOptions configures one CacheMiddleware instance.
type CacheMiddlewareOptions struct {
	Cache  *service.ResponseCacheService // Required: backing cache service
	TTL    time.Duration                 // Optional: entry lifetime override
	Tags   []string                      // Optional: invalidation tags for stored entries
	Logger *slog.Logger                  // Optional: structured logger
}

func replayCached(w http.ResponseWriter, r *http.Request, cached *service.CachedResponse) {
	if cached.ETag != "" && r.Header.Get("If-None-Match") == cached.ETag {
		w.Header().Set("ETag", cached.ETag)
		w.Header().Set("X-Cache", "HIT")
		w.WriteHeader(http.StatusNotModified)
		return
	}

	if cached.ContentType != "" {
		w.Header().Set("Content-Type", cached.ContentType)
	}
	if cached.ETag != "" {
		w.Header().Set("ETag", cached.ETag)
	}
	w.Header().Set("X-Cache", "HIT")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(cached.Body)
}

// responseRecorder tees the downstream response so a 200 can be stored after
// it has been sent to the client.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (w *responseRecorder) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.status == http.StatusOK {
		w.body.Write(b)
	}
	return w.ResponseWriter.Write(b)
}
