package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/vadcal/internal/calibrate"
	"github.com/MrWong99/vadcal/internal/config"
	"github.com/MrWong99/vadcal/internal/corpus"
	"github.com/MrWong99/vadcal/internal/observe"
	"github.com/MrWong99/vadcal/internal/tracestore"
	"github.com/MrWong99/vadcal/pkg/preset"
)

// runCalibrate runs one optimizer search and publishes the best entry into
// the preset document. Flags override the calibration section of the config.
func runCalibrate(env *cliEnv, args []string) int {
	cc := env.cfg.Calibration
	fs := newFlagSet(env, "calibrate")
	fs.StringVar(&cc.Language, "language", cc.Language, "corpus language")
	fs.StringVar(&cc.Engine, "engine", cc.Engine, `transcription engine id; "*" calibrates the fallback entry`)
	fs.StringVar(&cc.Corpus, "corpus", cc.Corpus, "corpus directory")
	fs.IntVar(&cc.Trials, "trials", cc.Trials, "number of trials")
	fs.IntVar(&cc.Parallelism, "parallelism", cc.Parallelism, "trials evaluated concurrently")
	fs.Uint64Var(&cc.Seed, "seed", cc.Seed, "sampler seed")
	fs.StringVar(&cc.FailurePolicy, "failure-policy", cc.FailurePolicy, "penalty or retry")
	fs.BoolVar(&cc.Concatenate, "concatenate", cc.Concatenate, "send all segments of an utterance in one oracle request")
	fs.StringVar(&cc.TracePath, "trace", cc.TracePath, "JSON-lines trace file")
	presetPath := fs.String("presets", env.cfg.Presets.Path, "preset document to publish into")
	noPublish := fs.Bool("no-publish", false, "print the best entry without writing the preset document")
	pushURL := fs.String("pushgateway", env.cfg.Telemetry.PushgatewayURL, "Prometheus Pushgateway receiving the run metrics on exit")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if cc.Language == "" || cc.Corpus == "" {
		fmt.Fprintln(env.stderr, "usage: vadcal calibrate -language <lang> -corpus <dir> [flags]")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	// Nothing scrapes a batch run, so metrics go to a private registry that is
	// pushed on exit when a gateway is configured.
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    env.cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Registry:       prometheus.NewRegistry(),
		PushURL:        *pushURL,
		PushJob:        "vadcal_calibrate",
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
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	engine, err := buildVAD(env.cfg, env.reg)
	if err != nil {
		slog.Error("failed to build vad backend", "err", err)
		return 1
	}
	// Calibration measures one engine; fallbacks would mix engines.
	oracle, err := buildOracle(env.cfg, env.reg, false)
	if err != nil {
		slog.Error("failed to build oracle", "err", err)
		return 1
	}
	if oracle == nil {
		slog.Error("calibration needs oracle.name in the configuration")
		return 1
	}
	defer oracle.Close()

	// ── Corpus ────────────────────────────────────────────────────────────────
	utts, err := corpus.Load(ctx, cc.Corpus, env.cfg.VAD.SampleRate)
	if err != nil {
		slog.Error("failed to load corpus", "dir", cc.Corpus, "err", err)
		return 1
	}
	slog.Info("corpus loaded", "utterances", len(utts), "duration", corpus.TotalDuration(utts))

	// ── Optimizer ─────────────────────────────────────────────────────────────
	optimizerOpts := []calibrate.OptimizerOption{
		calibrate.WithMetrics(metrics),
		calibrate.WithProgress(func(t calibrate.Trial) {
			if t.State != calibrate.TrialComplete {
				return
			}
			slog.Info("trial complete",
				"trial", t.Index,
				"value", t.Value,
				"best", t.BestValue,
				"failures", t.Failures,
				"elapsed", t.Elapsed,
			)
		}),
	}
	if *presetPath != "" && !*noPublish {
		optimizerOpts = append(optimizerOpts, calibrate.WithPresetWriter(calibrate.PresetFile(*presetPath)))
	}

	if cc.TracePath != "" {
		sink, err := calibrate.CreateJSONLSink(cc.TracePath)
		if err != nil {
			slog.Error("failed to open trace file", "err", err)
			return 1
		}
		defer sink.Close()
		optimizerOpts = append(optimizerOpts, calibrate.WithTraceSink(sink))
	}

	if dsn := env.cfg.Storage.PostgresDSN; dsn != "" {
		store, closeStore, err := openTraceStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to open trace store", "err", err)
			return 1
		}
		defer closeStore()
		optimizerOpts = append(optimizerOpts, calibrate.WithTraceSink(store))
	}

	opt, err := calibrate.New(engine, oracle, utts, calibrationOptions(env.cfg, cc), optimizerOpts...)
	if err != nil {
		slog.Error("invalid calibration options", "err", err)
		return 1
	}

	slog.Info("calibration starting", "key", opt.Key().String(), "trials", cc.Trials, "parallelism", cc.Parallelism)
	res, runErr := opt.Run(ctx)

	// ── Report ────────────────────────────────────────────────────────────────
	fmt.Fprintf(env.stdout, "run %s: %s, %d trials completed\n", res.RunID, res.State, len(res.Trace))
	if res.Entry.Key.Backend != "" {
		fmt.Fprintf(env.stdout, "best trial %d: %s %.4f\n", res.Best.Index, res.Entry.Metric, res.Best.Value)
		if err := preset.Encode(env.stdout, []preset.Entry{res.Entry}); err != nil {
			slog.Warn("failed to print preset entry", "err", err)
		}
	}

	switch {
	case runErr == nil:
		return 0
	case ctx.Err() != nil:
		slog.Warn("calibration cancelled; best trial so far was published", "err", runErr)
		return 130
	case errors.Is(runErr, calibrate.ErrOptimizerAborted):
		slog.Error("calibration aborted", "err", runErr)
		return 1
	default:
		slog.Error("calibration failed", "err", runErr)
		return 1
	}
}

// calibrationOptions maps the config section onto optimizer options.
func calibrationOptions(cfg *config.Config, cc config.CalibrationConfig) calibrate.Options {
	return calibrate.Options{
		Backend:                cc.Backend,
		Language:               cc.Language,
		Engine:                 cc.Engine,
		Trials:                 cc.Trials,
		Parallelism:            cc.Parallelism,
		StartupTrials:          cc.StartupTrials,
		Seed:                   cc.Seed,
		FailurePolicy:          calibrate.FailurePolicy(cc.FailurePolicy),
		MaxTrialRetries:        cc.MaxTrialRetries,
		MaxConsecutiveFailures: cc.MaxConsecutiveFailures,
		Concatenate:            cc.Concatenate,
		OracleReentrant:        cfg.Oracle.Reentrant,
	}
}

// openTraceStore connects to PostgreSQL and applies the trace schema.
func openTraceStore(ctx context.Context, dsn string) (*tracestore.PostgresStore, func(), error) {
	pool, err := tracestore.Connect(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	store := tracestore.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	slog.Info("trace store ready")
	return store, pool.Close, nil
}
