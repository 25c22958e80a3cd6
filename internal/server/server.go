package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/pingsantohq/whistle/internal/events"
	"github.com/pingsantohq/whistle/internal/health"
	"github.com/pingsantohq/whistle/internal/history"
	"github.com/pingsantohq/whistle/internal/metrics"
	"github.com/pingsantohq/whistle/internal/probe"
	"github.com/pingsantohq/whistle/pkg/types"
)

const maxRequestBytes = 64 << 10

// Config controls HTTP server settings.
type Config struct {
	Addr              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxListenSessions int64
	MetricsEnabled    bool
}

// Submitter runs an admitted probe to completion.
type Submitter interface {
	Submit(ctx context.Context, p probe.Probe, rec events.Recorder) (string, probe.Result, error)
}

// Dependencies holds external collaborators required by the server.
type Dependencies struct {
	Logger  *log.Logger
	Runner  Submitter
	Metrics *metrics.Store
	Checker *health.Checker
	History *history.Ring
}

// Server wraps http.Server for convenience.
type Server struct {
	*http.Server
	cfg  Config
	deps Dependencies
}

// admission bundles the request-level limits shared by every handler call.
type admission struct {
	limiter  *rate.Limiter
	sessions *semaphore.Weighted
}

func (a admission) allow() bool {
	return a.limiter == nil || a.limiter.Allow()
}

func (a admission) acquireSession() (release func(), ok bool) {
	if a.sessions == nil {
		return func() {}, true
	}
	if !a.sessions.TryAcquire(1) {
		return nil, false
	}
	return func() { a.sessions.Release(1) }, true
}

// New constructs the whistle HTTP API.
func New(cfg Config, deps Dependencies) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8787"
	}
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	if deps.Runner == nil {
		deps.Runner = directRunner{}
	}

	adm := admission{}
	if cfg.RequestsPerSecond > 0 {
		adm.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(cfg.Burst, 1))
	}
	if cfg.MaxListenSessions > 0 {
		adm.sessions = semaphore.NewWeighted(cfg.MaxListenSessions)
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/whistle", whistleHandler(deps, adm)).Methods(http.MethodPost)
	if deps.History != nil {
		r.HandleFunc("/api/whistle/history", historyHandler(deps)).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.HandleFunc("/readyz", readyHandler(deps)).Methods(http.MethodGet)
	if cfg.MetricsEnabled && deps.Metrics != nil {
		r.Handle("/metrics", metrics.NewHTTPHandler(deps.Metrics)).Methods(http.MethodGet, http.MethodHead)
	}

	s := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return &Server{Server: s, cfg: cfg, deps: deps}
}

func whistleHandler(deps Dependencies, adm admission) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !adm.allow() {
			reject(deps, "rate_limited")
			writeError(w, http.StatusTooManyRequests, "too many requests", "")
			return
		}

		var req types.WhistleRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
			reject(deps, "invalid_json")
			writeError(w, http.StatusBadRequest, "invalid json", probe.KindValidation.String())
			return
		}

		p, err := probe.Admit(req)
		if err != nil {
			reject(deps, "invalid")
			writeError(w, http.StatusBadRequest, err.Error(), probe.KindOf(err).String())
			return
		}

		if p.Mode().Listens() {
			release, ok := adm.acquireSession()
			if !ok {
				reject(deps, "listen_sessions")
				writeError(w, http.StatusServiceUnavailable, "too many listen sessions", "")
				return
			}
			defer release()
		}

		id, res, err := deps.Runner.Submit(r.Context(), p, nil)
		if id != "" {
			w.Header().Set("X-Probe-Id", id)
		}
		if err != nil {
			deps.Logger.Printf("probe %s mode=%s failed: %v", id, p.Mode(), err)
			writeError(w, statusFor(err), err.Error(), probe.KindOf(err).String())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(res); err != nil {
			deps.Logger.Printf("encode result failed: %v", err)
		}
	}
}

func historyHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil && v > 0 {
				limit = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(deps.History.List(limit)); err != nil {
			deps.Logger.Printf("encode history failed: %v", err)
		}
	}
}

func readyHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if deps.Checker == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		ready, reasons := deps.Checker.Ready(time.Now().UTC())
		if !ready {
			http.Error(w, strings.Join(reasons, "; "), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func statusFor(err error) int {
	if probe.KindOf(err) == probe.KindValidation {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func reject(deps Dependencies, reason string) {
	if deps.Metrics != nil {
		deps.Metrics.IncRejected(reason)
	}
}

func writeError(w http.ResponseWriter, status int, msg, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResult{OK: false, Error: msg, Kind: kind})
}

// directRunner runs probes on the request goroutine when no runtime is wired.
type directRunner struct{}

func (directRunner) Submit(ctx context.Context, p probe.Probe, rec events.Recorder) (string, probe.Result, error) {
	res, err := probe.Run(ctx, p, probe.WithRecorder(rec))
	return "", res, err
}
