package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/vadcal/internal/calibrate"
	"github.com/MrWong99/vadcal/internal/config"
	"github.com/MrWong99/vadcal/pkg/audio"
	"github.com/MrWong99/vadcal/pkg/preset"
	"github.com/MrWong99/vadcal/pkg/provider/stt"
	"github.com/MrWong99/vadcal/pkg/segmenter"
)

// segmentChunk is the streaming chunk length used when replaying a file.
const segmentChunk = 100 * time.Millisecond

// segmentLine is one emitted segment in -json output.
type segmentLine struct {
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
	Final   bool   `json:"final"`
	Samples int    `json:"samples"`
	Text    string `json:"text,omitempty"`
	Error   string `json:"error,omitempty"`
}

// runSegment replays a WAV file through a processor configured from the
// preset for (backend, language, engine) and prints every segment.
func runSegment(env *cliEnv, args []string) int {
	fs := newFlagSet(env, "segment")
	language := fs.String("language", env.cfg.Calibration.Language, "language of the recording")
	engineID := fs.String("engine", env.cfg.Calibration.Engine, "transcription engine the preset was calibrated for")
	transcribe := fs.Bool("transcribe", false, "transcribe final segments with the configured oracle")
	provisional := fs.Bool("provisional", false, "also print provisional snapshots of open segments")
	asJSON := fs.Bool("json", false, "print one JSON object per segment")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 || *language == "" {
		fmt.Fprintln(env.stderr, "usage: vadcal segment -language <lang> [-engine id] [-transcribe] [-provisional] [-json] <file.wav>")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := buildVAD(env.cfg, env.reg)
	if err != nil {
		slog.Error("failed to build vad backend", "err", err)
		return 1
	}
	presets, err := loadPresets(env.cfg)
	if err != nil {
		slog.Error("failed to load presets", "err", err)
		return 1
	}

	var tr stt.Transcriber
	if *transcribe {
		o, err := buildOracle(env.cfg, env.reg, true)
		if err != nil {
			slog.Error("failed to build oracle", "err", err)
			return 1
		}
		if o == nil {
			slog.Error("-transcribe needs oracle.name in the configuration")
			return 1
		}
		defer o.Close()
		tr = o
	}

	proc, err := segmenter.FromLanguage(presets, engine, *language, *engineID, segmenter.WithProvisional(*provisional))
	if err != nil {
		slog.Error("failed to open processor", "err", err)
		return 1
	}
	defer proc.Close()

	rate := proc.Config().SampleRate
	clip, err := audio.DecodeWAVFile(fs.Arg(0), rate)
	if err != nil {
		slog.Error("failed to decode audio", "file", fs.Arg(0), "err", err)
		return 1
	}
	slog.Info("segmenting",
		"file", fs.Arg(0),
		"duration", time.Duration(int64(len(clip.Samples))*int64(time.Second)/int64(rate)),
		"calibrated", proc.Calibrated(),
		"config", proc.Config().Doc(),
	)

	segs, err := replay(proc, clip.Samples, rate)
	if err != nil {
		slog.Error("segmentation failed", "err", err)
		return 1
	}

	enc := json.NewEncoder(env.stdout)
	for _, seg := range segs {
		line := segmentLine{
			StartMs: seg.Start.Milliseconds(),
			EndMs:   seg.End.Milliseconds(),
			Final:   seg.Final,
			Samples: len(seg.Audio),
		}
		if tr != nil && seg.Final {
			text, err := tr.Transcribe(ctx, stt.Request{
				Samples:    seg.Audio,
				SampleRate: seg.SampleRate,
				Language:   *language,
				Options:    calibrate.EngineOptions(*engineID, *language),
			})
			if err != nil {
				line.Error = err.Error()
			} else {
				line.Text = text
			}
		}
		if *asJSON {
			if err := enc.Encode(line); err != nil {
				return 1
			}
			continue
		}
		printSegment(env, line)
	}
	return 0
}

// replay feeds samples to proc in fixed chunks and flushes at the end.
func replay(proc *segmenter.Processor, samples []float32, rate int) ([]segmenter.Segment, error) {
	chunk := max(int(int64(rate)*int64(segmentChunk)/int64(time.Second)), 1)
	var out []segmenter.Segment
	for len(samples) > 0 {
		n := min(chunk, len(samples))
		segs, err := proc.ProcessChunk(samples[:n], rate)
		if err != nil {
			return out, err
		}
		out = append(out, segs...)
		samples = samples[n:]
	}
	segs, err := proc.Flush()
	return append(out, segs...), err
}

func printSegment(env *cliEnv, l segmentLine) {
	kind := "final"
	if !l.Final {
		kind = "open"
	}
	fmt.Fprintf(env.stdout, "%9.3fs %9.3fs  %-5s", float64(l.StartMs)/1000, float64(l.EndMs)/1000, kind)
	switch {
	case l.Error != "":
		fmt.Fprintf(env.stdout, "  error: %s", l.Error)
	case l.Text != "":
		fmt.Fprintf(env.stdout, "  %s", l.Text)
	}
	fmt.Fprintln(env.stdout)
}

// loadPresets reads the configured preset document. Without a path the
// registry is empty and processors use the default configuration.
func loadPresets(cfg *config.Config) (*preset.Registry, error) {
	if cfg.Presets.Path == "" {
		return preset.NewRegistry()
	}
	return preset.Load(cfg.Presets.Path)
}
