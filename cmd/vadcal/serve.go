package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/vadcal/internal/app"
	"github.com/MrWong99/vadcal/internal/observe"
)

// shutdownTimeout bounds the graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second

// version is reported in telemetry. Overridden at build time with -ldflags.
var version = "dev"

// runServe starts the HTTP/WebSocket server and blocks until SIGINT or
// SIGTERM.
func runServe(env *cliEnv, args []string) int {
	cfg := env.cfg
	fs := newFlagSet(env, "serve")
	fs.StringVar(&cfg.Server.ListenAddr, "listen", cfg.Server.ListenAddr, "listen address")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	slog.Info("vadcal starting",
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"presets", cfg.Presets.Path,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	engine, err := buildVAD(cfg, env.reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	providers := &app.Providers{VAD: engine}
	oracle, err := buildOracle(cfg, env.reg, true)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	var oracles []string
	if oracle != nil {
		defer oracle.Close()
		providers.Transcriber = oracle
		oracles = oracle.names
	}

	printStartupSummary(env, oracles)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

// printStartupSummary writes the configuration box. oracles lists the
// transcription providers in failover order.
func printStartupSummary(env *cliEnv, oracles []string) {
	cfg := env.cfg
	w := env.stderr
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║         vadcal: startup summary       ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(env, "VAD", cfg.VAD.Name)
	oracle := ""
	if len(oracles) > 0 {
		oracle = oracles[0]
		if cfg.Oracle.Model != "" {
			oracle += " / " + cfg.Oracle.Model
		}
	}
	printRow(env, "Oracle", oracle)
	if len(oracles) > 1 {
		printRow(env, "Fallbacks", strings.Join(oracles[1:], " > "))
	}
	printRow(env, "Presets", cfg.Presets.Path)
	if cfg.Server.MaxStreams > 0 {
		fmt.Fprintf(w, "║  Max streams     : %-19d ║\n", cfg.Server.MaxStreams)
	}
	printRow(env, "Listen addr", cfg.Server.ListenAddr)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(env *cliEnv, label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Fprintf(env.stderr, "║  %-12s    : %-19s ║\n", label, value)
}
