// Package app wires the serve-mode subsystems into a running HTTP server.
//
// The App struct owns the full lifecycle: New loads presets and builds the
// router, Run serves HTTP until the context is cancelled, and Shutdown tears
// everything down in order.
//
// Routes:
//
//	GET /healthz       liveness check
//	GET /readyz        readiness (presets loaded, VAD backend available)
//	GET /metrics       Prometheus scrape endpoint
//	GET /v1/segment    WebSocket segmentation stream
//	GET /v1/presets    loaded preset entries as JSON
//	GET /v1/streams    active segmentation streams as JSON
//
// For testing, inject doubles via functional options (WithPresets,
// WithMetrics, WithMetricsHandler).
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/vadcal/internal/config"
	"github.com/MrWong99/vadcal/internal/health"
	"github.com/MrWong99/vadcal/internal/observe"
	"github.com/MrWong99/vadcal/pkg/preset"
	"github.com/MrWong99/vadcal/pkg/provider/stt"
	"github.com/MrWong99/vadcal/pkg/provider/vad"
)

// readHeaderTimeout bounds slow clients before the handler runs.
const readHeaderTimeout = 10 * time.Second

// Providers holds the engines serve mode uses. Populated by main.go via the
// config registry.
type Providers struct {
	// VAD is required.
	VAD vad.Engine

	// Transcriber serves transcribe=true streams. Nil disables transcription.
	Transcriber stt.Transcriber
}

// App owns all serve-mode subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	presets        *preset.Registry
	watcher        *config.Watcher
	metrics        *observe.Metrics
	metricsHandler http.Handler
	streams        *StreamManager
	handler        http.Handler
	defaultEngine  string

	mu     sync.Mutex
	server *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithPresets injects a preset registry instead of loading presets.path.
func WithPresets(r *preset.Registry) Option {
	return func(a *App) { a.presets = r }
}

// WithMetrics injects the metric instruments instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler (default promhttp.Handler).
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. The providers struct comes from main.go (populated via
// the config registry). Presets are loaded from cfg.Presets.Path and, when
// cfg.Presets.WatchInterval is positive, reloaded in the background.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.VAD == nil {
		return nil, fmt.Errorf("app: no VAD engine configured: %w", vad.ErrBackendUnavailable)
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Presets ───────────────────────────────────────────────────────
	if err := a.initPresets(); err != nil {
		return nil, fmt.Errorf("app: init presets: %w", err)
	}

	// ── 2. Metrics ───────────────────────────────────────────────────────
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	// ── 3. Streams ───────────────────────────────────────────────────────
	a.streams = NewStreamManager(cfg.Server.MaxStreams)
	a.defaultEngine = cfg.Calibration.Engine
	if a.defaultEngine == "" {
		a.defaultEngine = cfg.Oracle.Engine()
	}

	// ── 4. Router ────────────────────────────────────────────────────────
	a.handler = a.routes()

	slog.Info("app initialised",
		"backend", providers.VAD.Name(),
		"presets", a.presets.Len(),
		"transcribe", providers.Transcriber != nil,
		"default_engine", a.defaultEngine,
	)
	return a, nil
}

// initPresets loads the preset registry unless one was injected.
func (a *App) initPresets() error {
	if a.presets != nil {
		return nil
	}

	path := a.cfg.Presets.Path
	if path == "" {
		reg, err := preset.NewRegistry()
		if err != nil {
			return err
		}
		a.presets = reg
		slog.Warn("presets.path is empty; streams use default configurations")
		return nil
	}

	if interval := a.cfg.Presets.WatchInterval; interval > 0 {
		reg, err := preset.NewRegistry()
		if err != nil {
			return err
		}
		w, err := config.NewWatcher(path, reg,
			config.WithInterval(interval),
			config.WithOnChange(func(d config.PresetDiff) {
				slog.Info("presets changed", "added", d.Added, "changed", d.Changed, "removed", d.Removed)
			}),
		)
		if err != nil {
			return err
		}
		a.presets = reg
		a.watcher = w
		a.closers = append(a.closers, func() error {
			w.Stop()
			return nil
		})
		return nil
	}

	reg, err := preset.Load(path)
	if err != nil {
		return err
	}
	a.presets = reg
	return nil
}

// routes builds the HTTP handler.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	health.New(
		health.PresetsLoaded(a.presets),
		health.BackendAvailable(a.providers.VAD, a.cfg.VAD.SampleRate),
	).Register(mux)

	mux.Handle("GET /metrics", a.metricsHandler)
	mux.HandleFunc("GET /v1/segment", a.handleSegment)
	mux.HandleFunc("GET /v1/presets", a.handlePresets)
	mux.HandleFunc("GET /v1/streams", a.handleStreams)

	return observe.Middleware(a.metrics)(mux)
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Presets returns the preset registry streams resolve against.
func (a *App) Presets() *preset.Registry { return a.presets }

// Streams returns the stream manager.
func (a *App) Streams() *StreamManager { return a.streams }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on cfg.Server.ListenAddr and serves until ctx is cancelled, then
// returns ctx.Err(). A listener failure is returned immediately.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is like Run but accepts connections on ln.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	a.mu.Lock()
	a.server = srv
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()

	slog.Info("app serving", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, closes every running stream and runs the
// remaining closers. It respects the context deadline: if ctx expires, the
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "streams", a.streams.Active(), "closers", len(a.closers))

		a.mu.Lock()
		srv := a.server
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
			}
		}

		if err := a.streams.CloseAll(ctx); err != nil {
			slog.Warn("streams did not close before deadline", "remaining", a.streams.Active())
			shutdownErr = err
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Handlers ────────────────────────────────────────────────────────────────

type presetView struct {
	Backend    string  `json:"backend"`
	Language   string  `json:"language"`
	Engine     string  `json:"engine"`
	Config     any     `json:"config"`
	Metric     string  `json:"metric,omitempty"`
	Score      float64 `json:"score"`
	CorpusSize int     `json:"corpus_size,omitempty"`
	UpdatedAt  string  `json:"updated_at,omitempty"`
}

func (a *App) handlePresets(w http.ResponseWriter, _ *http.Request) {
	entries := a.presets.Entries()
	out := make([]presetView, 0, len(entries))
	for _, e := range entries {
		v := presetView{
			Backend:    e.Key.Backend,
			Language:   e.Key.Language,
			Engine:     e.Key.Engine,
			Config:     e.Config.Doc(),
			Metric:     e.Metric,
			Score:      e.Score,
			CorpusSize: e.CorpusSize,
		}
		if !e.UpdatedAt.IsZero() {
			v.UpdatedAt = e.UpdatedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) handleStreams(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.streams.List())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write json response", "err", err)
	}
}
