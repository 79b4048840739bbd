package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/vadcal/pkg/provider/stt"
)

// ErrAllFailed is returned when every transcriber in a [TranscriberFallback]
// failed or had an open circuit breaker.
var ErrAllFailed = errors.New("resilience: all transcribers failed")

// FallbackConfig configures the circuit breaker created for each transcriber
// in a [TranscriberFallback]. The breaker name is set per transcriber.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type transcriberEntry struct {
	t       stt.Transcriber
	breaker *CircuitBreaker
}

// TranscriberFallback implements [stt.Transcriber] with failover across
// several providers. Each provider has its own circuit breaker. Invalid
// requests and cancelled contexts never fail over: they would fail the same
// way on every provider.
//
// Providers must be added before the first call to Transcribe.
type TranscriberFallback struct {
	entries []transcriberEntry
	cfg     FallbackConfig
}

var _ stt.Transcriber = (*TranscriberFallback)(nil)

// NewTranscriberFallback creates a [TranscriberFallback] preferring primary,
// then fallbacks in order.
func NewTranscriberFallback(primary stt.Transcriber, cfg FallbackConfig, fallbacks ...stt.Transcriber) *TranscriberFallback {
	f := &TranscriberFallback{cfg: cfg}
	f.AddFallback(primary)
	for _, t := range fallbacks {
		f.AddFallback(t)
	}
	return f
}

// AddFallback appends t to the failover order.
func (f *TranscriberFallback) AddFallback(t stt.Transcriber) {
	cb := f.cfg.CircuitBreaker
	cb.Name = "stt:" + t.Name()
	f.entries = append(f.entries, transcriberEntry{t: t, breaker: NewCircuitBreaker(cb)})
}

// Name returns the primary provider's name.
func (f *TranscriberFallback) Name() string { return f.entries[0].t.Name() }

// Names returns the provider names in failover order.
func (f *TranscriberFallback) Names() []string {
	names := make([]string, len(f.entries))
	for i, e := range f.entries {
		names[i] = e.t.Name()
	}
	return names
}

// Transcribe sends req to the first provider that succeeds. Providers whose
// breaker is open are skipped.
func (f *TranscriberFallback) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	var errs []error
	for i, e := range f.entries {
		var text string
		err := e.breaker.Execute(func() error {
			var err error
			text, err = e.t.Transcribe(ctx, req)
			return err
		})
		if err == nil {
			if i > 0 {
				slog.Info("transcribed by fallback", "provider", e.t.Name(), "primary", f.Name())
			}
			return text, nil
		}
		if ctx.Err() != nil {
			return "", err
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping transcriber (circuit open)", "provider", e.t.Name())
		} else {
			slog.Warn("transcriber failed, trying next", "provider", e.t.Name(), "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.t.Name(), err))
	}
	return "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
