// Package admin exposes out-of-band cache maintenance over HTTP.
package admin

import (
	"context"
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
)

// Maintainer is the set of cache operations the routes drive.
type Maintainer interface {
	Purge(ctx context.Context) error
	PurgeExpired(ctx context.Context) error
	CleanUp(ctx context.Context) error
	PurgeIdentifier(ctx context.Context, id core.Identifier) error
}

// Config configures the admin router.
type Config struct {
	Caches Maintainer
	// Metrics serves GET /metrics; promhttp.Handler() when nil.
	Metrics http.Handler
	// Token, when set, must be presented as "Authorization: Bearer <token>"
	// on the /cache routes.
	Token string
	// Timeout bounds each maintenance call. Zero means no limit.
	Timeout time.Duration
	Logger  core.Logger
}

// Response is the body of every /cache answer.
type Response struct {
	Operation  string `json:"operation"`
	Status     string `json:"status"`
	Identifier string `json:"identifier,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type handlers struct {
	cfg Config
	log core.Logger
}

// NewRouter builds the admin routes:
//
//	POST   /cache/purge
//	POST   /cache/purge-expired
//	POST   /cache/cleanup
//	DELETE /cache/identifiers/{identifier}
//	GET    /metrics
func NewRouter(cfg Config) http.Handler {
	h := &handlers{cfg: cfg, log: cfg.Logger}
	if h.log == nil {
		h.log = core.NopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Route("/cache", func(r chi.Router) {
		r.Use(h.authenticate)
		r.Post("/purge", h.run("purge", func(ctx context.Context, _ *http.Request) error {
			return cfg.Caches.Purge(ctx)
		}))
		r.Post("/purge-expired", h.run("purge_expired", func(ctx context.Context, _ *http.Request) error {
			return cfg.Caches.PurgeExpired(ctx)
		}))
		r.Post("/cleanup", h.run("cleanup", func(ctx context.Context, _ *http.Request) error {
			return cfg.Caches.CleanUp(ctx)
		}))
		r.Delete("/identifiers/{identifier}", h.run("purge_identifier", func(ctx context.Context, req *http.Request) error {
			return cfg.Caches.PurgeIdentifier(ctx, identifierParam(req))
		}))
	})
	r.Method(http.MethodGet, "/metrics", metrics)
	return r
}

// identifierParam decodes the identifier segment; identifiers may contain
// escaped slashes.
func identifierParam(r *http.Request) core.Identifier {
	raw := chi.URLParam(r, "identifier")
	if id, err := url.PathUnescape(raw); err == nil {
		return core.Identifier(id)
	}
	return core.Identifier(raw)
}

func (h *handlers) authenticate(next http.Handler) http.Handler {
	if h.cfg.Token == "" {
		return next
	}
	want := []byte(h.cfg.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			writeJSON(w, http.StatusUnauthorized, Response{Status: "error", Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handlers) run(op string, fn func(context.Context, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.Caches == nil {
			writeJSON(w, http.StatusServiceUnavailable, Response{Operation: op, Status: "error", Error: "caching disabled"})
			return
		}
		ctx := r.Context()
		if h.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.cfg.Timeout)
			defer cancel()
		}

		resp := Response{Operation: op, Status: "ok"}
		if op == "purge_identifier" {
			resp.Identifier = identifierParam(r).String()
			if resp.Identifier == "" {
				writeJSON(w, http.StatusBadRequest, Response{Operation: op, Status: "error", Error: "missing identifier"})
				return
			}
		}

		start := time.Now()
		err := fn(ctx, r)
		resp.DurationMs = time.Since(start).Milliseconds()
		if err != nil {
			h.log.Error("admin: cache operation failed",
				"operation", op, "identifier", resp.Identifier,
				"request_id", chimiddleware.GetReqID(r.Context()), "error", err)
			resp.Status, resp.Error = "error", err.Error()
			writeJSON(w, apperrors.StatusCode(err), resp)
			return
		}
		h.log.Info("admin: cache operation done",
			"operation", op, "identifier", resp.Identifier, "duration_ms", resp.DurationMs)
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // HTTP response write errors are not recoverable
	json.NewEncoder(w).Encode(data)
}
