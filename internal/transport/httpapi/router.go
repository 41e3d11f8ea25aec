// Package httpapi exposes the dispatcher over HTTP: job submission,
// retries, schedule control, the websocket hub, health and metrics.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"marybot/internal/dispatch"
	"marybot/internal/host"
	rtsup "marybot/internal/runtime/supervisor"
	"marybot/internal/scheduler"
	"marybot/internal/storage"
	logx "marybot/pkg/logx"
)

const maxBodyBytes = 1 << 20

// Host is the part of *host.Host the API drives.
type Host interface {
	Submit(ctx context.Context, req host.Request) (dispatch.Result, error)
	Retry(ctx context.Context, dispatchID string) (dispatch.Result, error)
	Status() host.Status
}

// Scheduler is the part of *scheduler.Service the API drives.
type Scheduler interface {
	Entries() []scheduler.EntryInfo
	RunNow(ctx context.Context, name string) (dispatch.Result, error)
}

// Deps wires the router. Only Host is required.
type Deps struct {
	Host      Host
	Scheduler Scheduler
	// Websocket serves GET /ws.
	Websocket http.Handler
	// Metrics serves GET /metrics; MetricsMiddleware instruments every route.
	Metrics           http.Handler
	MetricsMiddleware func(http.Handler) http.Handler
	// Token, when set, guards /v1 with a bearer token.
	Token string
	// SubmitTimeout bounds how long a request waits for its result.
	SubmitTimeout time.Duration
	// Pprof mounts the runtime profiler under /debug.
	Pprof bool
	// Runtime reports supervised goroutines by component for GET /v1/runtime.
	Runtime func() map[string]rtsup.Snapshot
	Log     logx.Logger
}

type api struct {
	deps Deps
	log  logx.Logger
}

func NewRouter(deps Deps) http.Handler {
	if deps.SubmitTimeout <= 0 {
		deps.SubmitTimeout = time.Minute
	}
	a := &api{deps: deps, log: deps.Log.With(logx.Component("http"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)
	if deps.MetricsMiddleware != nil {
		r.Use(deps.MetricsMiddleware)
	}

	r.Get("/healthz", a.health)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	if deps.Websocket != nil {
		r.Method(http.MethodGet, "/ws", deps.Websocket)
	}
	if deps.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.auth)
		r.Post("/dispatch", a.dispatch)
		r.Post("/dispatches/{id}/retry", a.retry)
		r.Get("/schedules", a.schedules)
		r.Post("/schedules/{name}/run", a.runSchedule)
		if deps.Runtime != nil {
			r.Get("/runtime", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, deps.Runtime())
			})
		}
	})
	return r
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// statusFor maps host, storage and scheduler errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, host.ErrQueueFull), errors.Is(err, host.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, host.ErrResultTimeout):
		// Queued and still running; a client retry would send it twice.
		return http.StatusAccepted
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, scheduler.ErrUnknownSchedule):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrDisabled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	st := a.deps.Host.Status()
	code := http.StatusOK
	status := "ok"
	if !st.Running {
		code, status = http.StatusServiceUnavailable, "stopped"
	}
	writeJSON(w, code, map[string]any{"status": status, "host": st})
}

// dispatch answers 200 for every settled job, successful or not; the
// Result carries the outcome.
func (a *api) dispatch(w http.ResponseWriter, r *http.Request) {
	var req host.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.Source = host.SourceHTTP

	ctx, cancel := context.WithTimeout(r.Context(), a.deps.SubmitTimeout)
	defer cancel()
	res, err := a.deps.Host.Submit(ctx, req)
	if err != nil {
		a.log.Warn("dispatch not run", logx.String("req_id", middleware.GetReqID(r.Context())), logx.Err(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), a.deps.SubmitTimeout)
	defer cancel()
	res, err := a.deps.Host.Retry(ctx, id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) schedules(w http.ResponseWriter, _ *http.Request) {
	if a.deps.Scheduler == nil {
		writeJSON(w, http.StatusOK, []scheduler.EntryInfo{})
		return
	}
	entries := a.deps.Scheduler.Entries()
	if entries == nil {
		entries = []scheduler.EntryInfo{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *api) runSchedule(w http.ResponseWriter, r *http.Request) {
	if a.deps.Scheduler == nil {
		writeError(w, http.StatusNotFound, scheduler.ErrUnknownSchedule.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.deps.SubmitTimeout)
	defer cancel()
	res, err := a.deps.Scheduler.RunNow(ctx, chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) auth(next http.Handler) http.Handler {
	tok := strings.TrimSpace(a.deps.Token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.log.Debug("request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}
