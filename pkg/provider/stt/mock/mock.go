// Package mock provides a test double for the stt.Transcriber interface.
//
// Transcriber returns scripted responses in order and records every request.
// Use Func for responses that depend on the request.
//
// Example:
//
//	tr := &mock.Transcriber{Responses: []mock.Response{{Text: "hello"}}}
//	text, _ := tr.Transcribe(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/vadcal/pkg/provider/stt"
)

// Response is one scripted transcription result.
type Response struct {
	Text string
	Err  error
}

// TranscribeCall records a single invocation of Transcriber.Transcribe.
type TranscribeCall struct {
	// Req is a copy of the request; Samples is copied too.
	Req stt.Request
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Responses are returned in order. Once exhausted, Default is returned.
	Responses []Response

	// Default is returned when Responses is exhausted.
	Default Response

	// Func, if non-nil, computes the response and takes precedence over
	// Responses.
	Func func(ctx context.Context, req stt.Request) (string, error)

	next int

	// Calls records every call to Transcribe in order.
	Calls []TranscribeCall
}

// Name returns ProviderName or "mock".
func (t *Transcriber) Name() string {
	if t.ProviderName == "" {
		return "mock"
	}
	return t.ProviderName
}

// Transcribe records the call and returns the next scripted response.
func (t *Transcriber) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	t.mu.Lock()
	cp := req
	cp.Samples = append([]float32(nil), req.Samples...)
	t.Calls = append(t.Calls, TranscribeCall{Req: cp})
	fn := t.Func
	var resp Response
	if fn == nil {
		if t.next < len(t.Responses) {
			resp = t.Responses[t.next]
			t.next++
		} else {
			resp = t.Default
		}
	}
	t.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return resp.Text, resp.Err
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (t *Transcriber) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Calls)
}

// Reset clears recorded calls and rewinds Responses. Thread-safe.
func (t *Transcriber) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = nil
	t.next = 0
}

// Ensure Transcriber implements stt.Transcriber at compile time.
var _ stt.Transcriber = (*Transcriber)(nil)
