package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTooManyStreams is returned by [StreamManager.Start] when the stream limit
// has been reached.
var ErrTooManyStreams = errors.New("app: too many concurrent streams")

// ErrShuttingDown is returned by [StreamManager.Start] after CloseAll.
var ErrShuttingDown = errors.New("app: shutting down")

// StreamInfo holds metadata about an active segmentation stream.
type StreamInfo struct {
	// ID is the unique identifier assigned by Start.
	ID string `json:"id"`

	Backend    string `json:"backend"`
	Language   string `json:"language"`
	Engine     string `json:"engine"`
	SampleRate int    `json:"sample_rate"`
	Transcribe bool   `json:"transcribe"`

	// Calibrated reports whether a preset was found for the stream.
	Calibrated bool `json:"calibrated"`

	RemoteAddr string    `json:"remote_addr"`
	StartedAt  time.Time `json:"started_at"`
}

type activeStream struct {
	info   StreamInfo
	cancel context.CancelCauseFunc
}

// StreamManager tracks the lifecycle of segmentation streams. All exported
// methods are safe for concurrent use.
type StreamManager struct {
	mu      sync.Mutex
	streams map[string]*activeStream
	limit   int
	closed  bool
	wg      sync.WaitGroup
}

// NewStreamManager creates a StreamManager admitting at most limit concurrent
// streams. A limit of zero or less means unlimited.
func NewStreamManager(limit int) *StreamManager {
	return &StreamManager{
		streams: make(map[string]*activeStream),
		limit:   limit,
	}
}

// Start registers a stream and returns a context derived from ctx that is
// cancelled by CloseAll, plus a release function the caller must invoke when
// the stream ends. Returns [ErrTooManyStreams] at the limit and
// [ErrShuttingDown] after CloseAll.
func (sm *StreamManager) Start(ctx context.Context, info StreamInfo) (context.Context, StreamInfo, func(), error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.closed {
		return nil, StreamInfo{}, nil, ErrShuttingDown
	}
	if sm.limit > 0 && len(sm.streams) >= sm.limit {
		return nil, StreamInfo{}, nil, fmt.Errorf("%w (limit=%d)", ErrTooManyStreams, sm.limit)
	}

	info.ID = "stream-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}

	sctx, cancel := context.WithCancelCause(ctx)
	sm.streams[info.ID] = &activeStream{info: info, cancel: cancel}
	sm.wg.Add(1)

	var once sync.Once
	release := func() {
		once.Do(func() {
			sm.mu.Lock()
			delete(sm.streams, info.ID)
			sm.mu.Unlock()
			cancel(nil)
			sm.wg.Done()
		})
	}
	return sctx, info, release, nil
}

// Active returns the number of running streams.
func (sm *StreamManager) Active() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.streams)
}

// List returns the running streams ordered by start time.
func (sm *StreamManager) List() []StreamInfo {
	sm.mu.Lock()
	out := make([]StreamInfo, 0, len(sm.streams))
	for _, s := range sm.streams {
		out = append(out, s.info)
	}
	sm.mu.Unlock()

	slices.SortFunc(out, func(a, b StreamInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// CloseAll cancels every running stream, refuses new ones and waits until all
// have been released or ctx expires.
func (sm *StreamManager) CloseAll(ctx context.Context) error {
	sm.mu.Lock()
	sm.closed = true
	for _, s := range sm.streams {
		s.cancel(ErrShuttingDown)
	}
	sm.mu.Unlock()

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
