package main

import (
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/MrWong99/vadcal/pkg/preset"
)

// runPresets lists the preset document or resolves one lookup the way a
// processor would.
func runPresets(env *cliEnv, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(env.stderr, "usage: vadcal presets <list|lookup> [flags]")
		return 2
	}
	switch args[0] {
	case "list":
		return presetsList(env, args[1:])
	case "lookup":
		return presetsLookup(env, args[1:])
	default:
		fmt.Fprintf(env.stderr, "vadcal presets: unknown subcommand %q\n", args[0])
		return 2
	}
}

func presetsList(env *cliEnv, args []string) int {
	fs := newFlagSet(env, "presets list")
	path := fs.String("file", env.cfg.Presets.Path, "preset document")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	reg, ok := openPresets(env, *path)
	if !ok {
		return 1
	}

	tw := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BACKEND\tLANGUAGE\tENGINE\tMETRIC\tSCORE\tCORPUS\tUPDATED")
	for _, e := range reg.Entries() {
		updated := "-"
		if !e.UpdatedAt.IsZero() {
			updated = e.UpdatedAt.UTC().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.4f\t%d\t%s\n",
			e.Key.Backend, e.Key.Language, e.Key.Engine, e.Metric, e.Score, e.CorpusSize, updated)
	}
	if err := tw.Flush(); err != nil {
		return 1
	}
	return 0
}

func presetsLookup(env *cliEnv, args []string) int {
	fs := newFlagSet(env, "presets lookup")
	path := fs.String("file", env.cfg.Presets.Path, "preset document")
	backend := fs.String("backend", env.cfg.VAD.Name, "VAD backend")
	language := fs.String("language", env.cfg.Calibration.Language, "language")
	engine := fs.String("engine", env.cfg.Calibration.Engine, "transcription engine id")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if *backend == "" || *language == "" {
		fmt.Fprintln(env.stderr, "usage: vadcal presets lookup -backend <name> -language <lang> [-engine id] [-file path]")
		return 2
	}
	reg, ok := openPresets(env, *path)
	if !ok {
		return 1
	}

	e, err := reg.Lookup(*backend, *language, *engine)
	if errors.Is(err, preset.ErrNotFound) {
		fmt.Fprintf(env.stdout, "no preset for %s/%s/%s; processors use the default configuration\n", *backend, *language, *engine)
		return 1
	}
	if err != nil {
		slog.Error("lookup failed", "err", err)
		return 1
	}
	if e.Key.IsWildcard() && *engine != preset.Wildcard {
		fmt.Fprintf(env.stdout, "# fallback entry %s\n", e.Key)
	}
	if err := preset.Encode(env.stdout, []preset.Entry{e}); err != nil {
		return 1
	}
	return 0
}

func openPresets(env *cliEnv, path string) (*preset.Registry, bool) {
	if path == "" {
		fmt.Fprintln(env.stderr, "vadcal: no preset document; set presets.path or pass -file")
		return nil, false
	}
	reg, err := preset.Load(path)
	if err != nil {
		slog.Error("failed to load presets", "err", err)
		return nil, false
	}
	return reg, true
}
