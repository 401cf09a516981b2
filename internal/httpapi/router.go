// Package httpapi is the operator control surface over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"campaignd/internal/campaign"
	"campaignd/internal/dispatch"
	"campaignd/internal/progress"
	"campaignd/internal/storage"
	logx "campaignd/pkg/logx"
)

// Controller is the subset of the dispatcher the API drives.
type Controller interface {
	List(ctx context.Context) ([]campaign.Campaign, error)
	Summary(ctx context.Context, id string) (progress.Summary, error)
	Running() []string
	Start(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Queue(ctx context.Context, id string) error
	UpdatePacing(ctx context.Context, id string, p campaign.PacingConfig) error
}

type api struct {
	ctrl Controller
	log  logx.Logger
	// verbTimeout bounds Pause and Cancel, which wait for in-flight sends.
	verbTimeout time.Duration
}

// NewRouter builds the API routes. Operator verbs share one token bucket
// (ratePerSec <= 0 disables it).
func NewRouter(ctrl Controller, cfg Config, log logx.Logger) chi.Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &api{ctrl: ctrl, log: log, verbTimeout: cfg.VerbTimeout}
	if a.verbTimeout <= 0 {
		a.verbTimeout = time.Minute
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/healthz", a.health)
	r.Group(func(r chi.Router) {
		r.Use(withAuth(cfg.Token))
		r.Get("/campaigns", a.list)
		r.Get("/campaigns/{id}/summary", a.summary)

		r.Group(func(r chi.Router) {
			if cfg.RatePerSec > 0 {
				burst := cfg.Burst
				if burst <= 0 {
					burst = 1
				}
				r.Use(limit(rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)))
			}
			r.Post("/campaigns/{id}/{verb}", a.verb)
			r.Put("/campaigns/{id}/pacing", a.pacing)
		})
	})
	return r
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "running": len(a.ctrl.Running())})
}

func (a *api) list(w http.ResponseWriter, r *http.Request) {
	list, err := a.ctrl.List(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if st := strings.TrimSpace(r.URL.Query().Get("state")); st != "" {
		out := list[:0]
		for _, c := range list {
			if string(c.State) == st {
				out = append(out, c)
			}
		}
		list = out
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (a *api) summary(w http.ResponseWriter, r *http.Request) {
	sum, err := a.ctrl.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *api) verb(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var fn func(context.Context, string) error
	switch chi.URLParam(r, "verb") {
	case "start":
		fn = a.ctrl.Start
	case "pause":
		fn = a.ctrl.Pause
	case "resume":
		fn = a.ctrl.Resume
	case "cancel":
		fn = a.ctrl.Cancel
	case "queue":
		fn = a.ctrl.Queue
	default:
		writeError(w, http.StatusNotFound, "unknown verb")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.verbTimeout)
	defer cancel()
	if err := fn(ctx, id); err != nil {
		a.fail(w, r, err)
		return
	}
	a.log.Info("operator verb applied", logx.String("campaign", id), logx.String("verb", chi.URLParam(r, "verb")))
	a.summary(w, r)
}

func (a *api) pacing(w http.ResponseWriter, r *http.Request) {
	var body storage.SeedPacing
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	p, err := body.Pacing()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.ctrl.UpdatePacing(r.Context(), chi.URLParam(r, "id"), p); err != nil {
		a.fail(w, r, err)
		return
	}
	a.summary(w, r)
}

// fail maps engine errors to status codes.
func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= 500 {
		a.log.Error("request failed",
			logx.String("path", r.URL.Path),
			logx.String("request_id", middleware.GetReqID(r.Context())),
			logx.Err(err))
	}
	writeError(w, status, err.Error())
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, campaign.ErrInvalidTransition),
		errors.Is(err, dispatch.ErrAlreadyRunning),
		errors.Is(err, dispatch.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, campaign.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrShutdown), errors.Is(err, campaign.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func limit(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
