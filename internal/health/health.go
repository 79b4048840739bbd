// Package health serves the liveness and readiness checks of serve mode.
//
//   - /healthz always returns 200 while the process can serve HTTP.
//   - /readyz returns 200 once every [Checker] passes. Serve mode registers
//     [PresetsLoaded] and [BackendAvailable].
//
// Checks run concurrently, each bounded by its own timeout. The readiness
// body reports every check with its outcome, a detail line and its latency.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vadcal/pkg/provider/vad"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns a short detail line on
// success, such as "3 entries".
type Checker struct {
	Name  string
	Check func(ctx context.Context) (string, error)
}

// CheckResult is the outcome of one Checker.
type CheckResult struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// Report is the JSON body of both checks.
type Report struct {
	Status string                 `json:"status"`
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves the checks. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	started  time.Time
	now      func() time.Time
}

// New returns a Handler evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		started:  time.Now(),
		now:      time.Now,
	}
}

// Register adds GET /healthz and GET /readyz to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz reports liveness and process uptime.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	uptime := h.now().Sub(h.started).Truncate(time.Second)
	writeJSON(w, http.StatusOK, Report{Status: "ok", Uptime: uptime.String()})
}

// Readyz runs every checker and answers 503 if any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	status := http.StatusOK
	if rep.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Evaluate runs the checkers concurrently and collects their results.
func (h *Handler) Evaluate(ctx context.Context) Report {
	results := make([]CheckResult, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := h.now()
			detail, err := c.Check(cctx)
			res := CheckResult{Status: "ok", Detail: detail, LatencyMs: h.now().Sub(start).Milliseconds()}
			if err != nil {
				res.Status = "fail"
				res.Detail = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: "ok", Checks: make(map[string]CheckResult, len(h.checkers))}
	for i, c := range h.checkers {
		rep.Checks[c.Name] = results[i]
		if results[i].Status != "ok" {
			rep.Status = "fail"
		}
	}
	return rep
}

// PresetCounter reports how many preset entries are loaded.
// *preset.Registry satisfies it.
type PresetCounter interface {
	Len() int
}

// PresetsLoaded fails while src holds no entries.
func PresetsLoaded(src PresetCounter) Checker {
	return Checker{
		Name: "presets",
		Check: func(context.Context) (string, error) {
			if src == nil || src.Len() == 0 {
				return "", errors.New("no presets loaded")
			}
			return fmt.Sprintf("%d entries", src.Len()), nil
		},
	}
}

// BackendAvailable checks engine by opening and closing a session at
// sampleRate.
func BackendAvailable(engine vad.Engine, sampleRate int) Checker {
	return Checker{
		Name: "backend",
		Check: func(ctx context.Context) (string, error) {
			if engine == nil {
				return "", vad.ErrBackendUnavailable
			}
			if err := ctx.Err(); err != nil {
				return "", err
			}
			frame, err := engine.FrameSize(sampleRate)
			if err != nil {
				return "", err
			}
			sess, err := engine.NewSession(vad.SessionConfig{SampleRate: sampleRate})
			if err != nil {
				return "", fmt.Errorf("%s: %w", engine.Name(), err)
			}
			if err := sess.Close(); err != nil {
				return "", fmt.Errorf("%s: close check session: %w", engine.Name(), err)
			}
			return fmt.Sprintf("%s: %d-sample frames at %d Hz", engine.Name(), frame, sampleRate), nil
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
