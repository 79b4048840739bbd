// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected
// SessionConfig. Use Session to script the scores returned per frame and to
// inspect the frames that were submitted for scoring.
//
// Example:
//
//	sess := &mock.Session{Scores: []float64{0, 0.9, 0.9, 0.1}}
//	eng := &mock.Engine{Session: sess, Frame: 160}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"

	"github.com/MrWong99/vadcal/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the SessionConfig passed to NewSession.
	Cfg vad.SessionConfig
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// EngineName is returned by Name. Defaults to "mock".
	EngineName string

	// Frame is the frame size returned by FrameSize. Defaults to 160.
	Frame int

	// FrameSizeErr, if non-nil, is returned as the error from FrameSize.
	FrameSizeErr error

	// Session is the SessionHandle returned by NewSession. If nil, NewSession
	// returns a new Session using ScoreFunc.
	Session vad.SessionHandle

	// ScoreFunc is installed on default sessions created by NewSession.
	ScoreFunc func(frame []float32) float64

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// Name returns EngineName or "mock".
func (e *Engine) Name() string {
	if e.EngineName == "" {
		return "mock"
	}
	return e.EngineName
}

// FrameSize returns Frame (160 if unset) and FrameSizeErr.
func (e *Engine) FrameSize(int) (int, error) {
	if e.FrameSizeErr != nil {
		return 0, e.FrameSizeErr
	}
	if e.Frame <= 0 {
		return 160, nil
	}
	return e.Frame, nil
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.SessionConfig) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{ScoreFunc: e.ScoreFunc}, nil
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// ScoreCall records a single invocation of Session.Score.
type ScoreCall struct {
	// Frame is a copy of the samples passed to Score.
	Frame []float32
}

// Session is a mock implementation of vad.SessionHandle.
//
// Scores are returned in order, one per Score call; once exhausted Default is
// returned. If ScoreFunc is set it takes precedence over Scores. Reset rewinds
// the script so a replayed stream sees the same scores.
type Session struct {
	mu sync.Mutex

	// Scores is the scripted sequence of frame scores.
	Scores []float64

	// Default is returned once Scores is exhausted.
	Default float64

	// ScoreFunc, if non-nil, computes the score from the frame.
	ScoreFunc func(frame []float32) float64

	// ScoreErr, if non-nil, is returned by every Score call.
	ScoreErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	next int

	// --- Call records ---

	// ScoreCalls records every call to Score in order.
	ScoreCalls []ScoreCall

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Score records the call and returns the next scripted score.
func (s *Session) Score(frame []float32) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]float32, len(frame))
	copy(cp, frame)
	s.ScoreCalls = append(s.ScoreCalls, ScoreCall{Frame: cp})
	if s.ScoreErr != nil {
		return 0, s.ScoreErr
	}
	if s.ScoreFunc != nil {
		return s.ScoreFunc(frame), nil
	}
	if s.next < len(s.Scores) {
		p := s.Scores[s.next]
		s.next++
		return p, nil
	}
	return s.Default, nil
}

// Reset records the call and rewinds the score script.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
	s.next = 0
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// ResetCalls clears all recorded call history. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ScoreCalls = nil
	s.ResetCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*Session)(nil)
