// Command vadcal segments speech with calibrated VAD presets, calibrates new
// presets against a transcription engine and serves streaming segmentation
// over WebSocket.
//
// Usage:
//
//	vadcal [-config path] <command> [flags] [args]
//
// Commands:
//
//	segment    run a WAV file through a processor and print its segments
//	calibrate  search the best configuration for a corpus and publish it
//	presets    list or look up calibrated presets
//	trials     print the recorded trials of a calibration run
//	serve      start the HTTP/WebSocket server
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/MrWong99/vadcal/internal/config"
)

const defaultConfigPath = "config.yaml"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// command is one subcommand. args excludes the command name.
type command struct {
	summary string
	run     func(env *cliEnv, args []string) int
}

var commands = map[string]command{
	"segment":   {"run a WAV file through a processor and print its segments", runSegment},
	"calibrate": {"search the best configuration for a corpus and publish it", runCalibrate},
	"presets":   {"list or look up calibrated presets", runPresets},
	"trials":    {"print the recorded trials of a calibration run", runTrials},
	"serve":     {"start the HTTP/WebSocket server", runServe},
}

// cliEnv carries what every command needs.
type cliEnv struct {
	cfg    *config.Config
	reg    *config.Registry
	stdout io.Writer
	stderr io.Writer
}

func run(args []string, stdout, stderr io.Writer) int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	fs := flag.NewFlagSet("vadcal", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to the YAML configuration file")
	fs.Usage = func() { usage(stderr) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		usage(stderr)
		return 2
	}
	name := fs.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "vadcal: unknown command %q\n", name)
		usage(stderr)
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	explicit := false
	fs.Visit(func(f *flag.Flag) { explicit = explicit || f.Name == "config" })
	cfg, err := loadConfig(*configPath, explicit)
	if err != nil {
		fmt.Fprintf(stderr, "vadcal: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(stderr, cfg.Server.LogLevel))

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	return cmd.run(&cliEnv{cfg: cfg, reg: reg, stdout: stdout, stderr: stderr}, fs.Args()[1:])
}

// loadConfig reads the configuration file. A missing default file yields the
// built-in defaults; a missing file named with -config is an error.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) && !explicit {
		cfg = &config.Config{}
		config.ApplyDefaults(cfg)
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", path)
	}
	return nil, err
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: vadcal [-config path] <command> [flags] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	for _, name := range []string{"segment", "calibrate", "presets", "trials", "serve"} {
		fmt.Fprintf(w, "  %-10s %s\n", name, commands[name].summary)
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return strings.TrimSpace(s)
}

// newFlagSet returns a flag set for a subcommand that reports errors on the
// command's stderr.
func newFlagSet(env *cliEnv, name string) *flag.FlagSet {
	fs := flag.NewFlagSet("vadcal "+name, flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	return fs
}

// parseFlags parses args and maps the outcome to an exit code; ok is false when
// the command should return code immediately.
func parseFlags(fs *flag.FlagSet, args []string) (code int, ok bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0, false
		}
		return 2, false
	}
	return 0, true
}
