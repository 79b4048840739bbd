package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/vadcal/internal/calibrate"
	"github.com/MrWong99/vadcal/internal/tracestore"
)

// runTrials prints the recorded trials of one calibration run, from the
// PostgreSQL trace store or from a JSON-lines trace file.
func runTrials(env *cliEnv, args []string) int {
	fs := newFlagSet(env, "trials")
	dsn := fs.String("dsn", env.cfg.Storage.PostgresDSN, "PostgreSQL trace store")
	tracePath := fs.String("trace", "", "JSON-lines trace file; takes precedence over -dsn")
	utterances := fs.Bool("utterances", false, "print the per-utterance scores of every trial")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(env.stderr, "usage: vadcal trials [-dsn dsn | -trace path] [-utterances] <run-id>")
		return 2
	}
	runID, err := uuid.Parse(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(env.stderr, "vadcal trials: invalid run id %q: %v\n", fs.Arg(0), err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var recs []calibrate.TrialRecord
	switch {
	case *tracePath != "":
		recs, err = readTraceFile(*tracePath, runID)
	case *dsn != "":
		recs, err = listStoredTrials(ctx, *dsn, runID)
	default:
		fmt.Fprintln(env.stderr, "vadcal trials: no trace source; set storage.postgres_dsn or pass -trace")
		return 2
	}
	if err != nil {
		slog.Error("failed to read trials", "run_id", runID, "err", err)
		return 1
	}
	if len(recs) == 0 {
		fmt.Fprintf(env.stdout, "no trials recorded for run %s\n", runID)
		return 1
	}
	if err := printTrials(env.stdout, recs, *utterances); err != nil {
		return 1
	}
	return 0
}

func readTraceFile(path string, runID uuid.UUID) ([]calibrate.TrialRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return calibrate.ReadJSONLTrials(f, runID)
}

func listStoredTrials(ctx context.Context, dsn string, runID uuid.UUID) ([]calibrate.TrialRecord, error) {
	pool, err := tracestore.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	defer pool.Close()
	return tracestore.NewPostgresStore(pool).ListTrials(ctx, runID)
}

// printTrials writes one table row per trial, followed by its utterances when
// withUtterances is set.
func printTrials(w io.Writer, recs []calibrate.TrialRecord, withUtterances bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TRIAL\tSTATE\tVALUE\tBEST\tFAILURES\tRETRIES\tELAPSED\tTHRESHOLD\tNEG\tMIN_SPEECH\tMIN_SILENCE\tPAD")
	for _, r := range recs {
		c := r.Config
		fmt.Fprintf(tw, "%d\t%s\t%.4f\t%.4f\t%d\t%d\t%s\t%.3f\t%.3f\t%dms\t%dms\t%dms\n",
			r.Index, r.State, r.Value, r.BestValue, r.Failures, r.Retries,
			(time.Duration(r.ElapsedMs) * time.Millisecond).String(),
			c.Threshold, c.NegThreshold, c.MinSpeechMs, c.MinSilenceMs, c.SpeechPadMs)
		if !withUtterances {
			continue
		}
		for _, u := range r.Items {
			result := fmt.Sprintf("%q", u.Hypothesis)
			if u.Failure != "" {
				result = "failed: " + u.Failure
			}
			fmt.Fprintf(tw, "  %s\t\t%.4f\t\t%d seg\t\t%s\n", u.ID, u.Error, u.Segments, result)
		}
	}
	return tw.Flush()
}
