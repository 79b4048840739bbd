package observe

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

// restoreGlobals puts the global OTel providers back after a test that
// calls InitProvider.
func restoreGlobals(t *testing.T) {
	t.Helper()
	mp, tp := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(mp)
		otel.SetTracerProvider(tp)
	})
}

func TestInitProvider_PushesOnShutdown(t *testing.T) {
	restoreGlobals(t)

	var (
		mu     sync.Mutex
		method string
		path   string
		body   []byte
	)
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, b
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer gw.Close()

	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceName: "vadcal-test",
		Registry:    prometheus.NewRegistry(),
		PushURL:     gw.URL,
		PushJob:     "vadcal_calibrate",
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordTrial(context.Background(), "complete", 1.5)

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut || path != "/metrics/job/vadcal_calibrate" {
		t.Errorf("push = %s %s, want PUT /metrics/job/vadcal_calibrate", method, path)
	}
	if !bytes.Contains(body, []byte("vadcal_trials")) {
		t.Errorf("pushed body does not contain the trial counter (%d bytes)", len(body))
	}
}

func TestInitProvider_PushFailureIsReported(t *testing.T) {
	restoreGlobals(t)

	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer gw.Close()

	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		Registry: prometheus.NewRegistry(),
		PushURL:  gw.URL,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	if err := shutdown(context.Background()); err == nil {
		t.Error("shutdown succeeded, want the push error")
	}
}

func TestInitProvider_PushNeedsRegistry(t *testing.T) {
	if _, err := InitProvider(context.Background(), ProviderConfig{PushURL: "http://localhost:9091"}); err == nil {
		t.Error("InitProvider accepted PushURL without a Registry")
	}
}
