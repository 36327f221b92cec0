package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestProbe_success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New(Config{URL: srv.URL, ProbeTimeout: 5 * time.Second}, zap.NewNop())
	if !m.probe(context.Background(), srv.URL) {
		t.Error("expected probe to succeed")
	}
}

func TestProbe_headNotAllowedFallsBackToGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New(Config{URL: srv.URL}, zap.NewNop())
	if !m.probe(context.Background(), srv.URL) {
		t.Error("expected GET fallback to succeed")
	}
}

func TestProbe_failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := New(Config{URL: srv.URL, ProbeTimeout: 5 * time.Second}, zap.NewNop())
	if m.probe(context.Background(), srv.URL) {
		t.Error("expected probe to fail")
	}
}

func TestCheck_downAfterThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var probes, failures atomic.Int32
	m := New(Config{URL: srv.URL, FailThreshold: 3}, zap.NewNop())
	m.SetMetricsRecord(func(success bool) {
		probes.Add(1)
		if !success {
			failures.Add(1)
		}
	})

	for i := 0; i < 2; i++ {
		m.Check(context.Background())
		if !m.Healthy() {
			t.Fatalf("down after %d failures, threshold is 3", i+1)
		}
	}
	m.Check(context.Background())
	if m.Healthy() {
		t.Error("expected upstream down after 3 failures")
	}
	if probes.Load() != 3 || failures.Load() != 3 {
		t.Errorf("metrics: %d probes, %d failures", probes.Load(), failures.Load())
	}
}

func TestCheck_recoversOnSuccess(t *testing.T) {
	var failCount atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failCount.Load() < 3 {
			failCount.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var events []string
	m := New(Config{URL: srv.URL, FailThreshold: 1}, zap.NewNop())
	m.SetWebhookDispatch(func(_ context.Context, eventType string, payload map[string]string) {
		if payload["url"] != srv.URL {
			t.Errorf("payload url: %q", payload["url"])
		}
		events = append(events, eventType)
	})

	// The first check fails on both HEAD and GET; the second check's GET
	// is the fourth request and succeeds.
	m.Check(context.Background())
	if m.Healthy() {
		t.Fatal("expected down after first failed check")
	}
	m.Check(context.Background())
	if !m.Healthy() {
		t.Error("expected healthy after recovery")
	}
	if len(events) != 2 || events[0] != "upstream.down" || events[1] != "upstream.up" {
		t.Errorf("transition events: %v", events)
	}
}

func TestDisabledMonitorIsAlwaysHealthy(t *testing.T) {
	m := New(Config{}, zap.NewNop())
	m.Check(context.Background())
	if !m.Healthy() {
		t.Error("disabled monitor must report healthy")
	}
}
