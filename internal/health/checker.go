// Package health tracks whether the upstream API is reachable so the gateway
// can refuse paid requests it could not serve instead of charging for them.
package health

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config holds upstream probe configuration.
type Config struct {
	URL           string // probe target; empty disables monitoring
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// WebhookDispatchFunc is an optional callback for dispatching up/down events.
type WebhookDispatchFunc func(ctx context.Context, eventType string, payload map[string]string)

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(success bool)

// UpstreamMonitor runs periodic probes against the upstream. The upstream is
// reported down after FailThreshold consecutive failures and up again on
// the first success.
type UpstreamMonitor struct {
	cfg        Config
	httpClient *http.Client
	healthy    atomic.Bool
	onMetrics  MetricsRecordFunc
	onWebhook  WebhookDispatchFunc
	logger     *zap.Logger

	mu        sync.Mutex
	failCount int
}

// New creates an UpstreamMonitor. The upstream starts out healthy.
func New(cfg Config, logger *zap.Logger) *UpstreamMonitor {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 15 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	m := &UpstreamMonitor{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.ProbeTimeout},
		logger:     logger,
	}
	m.healthy.Store(true)
	return m
}

// SetMetricsRecord configures the metrics recording callback.
func (m *UpstreamMonitor) SetMetricsRecord(fn MetricsRecordFunc) {
	m.onMetrics = fn
}

// SetWebhookDispatch configures the transition callback. It receives
// "upstream.down" and "upstream.up".
func (m *UpstreamMonitor) SetWebhookDispatch(fn WebhookDispatchFunc) {
	m.onWebhook = fn
}

// Healthy reports whether the upstream is considered reachable. It is
// always true when monitoring is disabled.
func (m *UpstreamMonitor) Healthy() bool {
	return m.healthy.Load()
}

// Start runs the probe loop until ctx is done.
func (m *UpstreamMonitor) Start(ctx context.Context) {
	if m.cfg.URL == "" {
		return
	}
	go func() {
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()

		m.Check(ctx)
		for {
			select {
			case <-ticker.C:
				m.Check(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Check probes the upstream once and updates the health state.
func (m *UpstreamMonitor) Check(ctx context.Context) {
	if m.cfg.URL == "" {
		return
	}
	success := m.probe(ctx, m.cfg.URL)
	if m.onMetrics != nil {
		m.onMetrics(success)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if success {
		if m.failCount >= m.cfg.FailThreshold {
			m.logger.Info("upstream recovered", zap.String("url", m.cfg.URL))
			m.notify(ctx, "upstream.up")
		}
		m.failCount = 0
		m.healthy.Store(true)
		return
	}

	m.failCount++
	if m.failCount == m.cfg.FailThreshold {
		m.healthy.Store(false)
		m.logger.Warn("upstream down, refusing paid requests",
			zap.String("url", m.cfg.URL),
			zap.Int("fail_count", m.failCount),
		)
		m.notify(ctx, "upstream.down")
	}
}

func (m *UpstreamMonitor) notify(ctx context.Context, eventType string) {
	if m.onWebhook == nil {
		return
	}
	m.onWebhook(ctx, eventType, map[string]string{
		"url":        m.cfg.URL,
		"fail_count": strconv.Itoa(m.failCount),
	})
}

// probe attempts HEAD then GET, returning true on any non-5xx response.
// A 4xx still proves the upstream is serving.
func (m *UpstreamMonitor) probe(ctx context.Context, target string) bool {
	for _, method := range []string{http.MethodHead, http.MethodGet} {
		req, err := http.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			return false
		}
		resp, err := m.httpClient.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusMethodNotAllowed {
			return true
		}
	}
	return false
}
