// Package webhooks posts signed settlement and upstream events to
// operator-configured endpoints.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/paygate/internal/settlement"
	"go.uber.org/zap"
)

// Delivery headers.
const (
	HeaderSignature = "X-Paygate-Signature"
	HeaderEvent     = "X-Paygate-Event"
	HeaderDelivery  = "X-Paygate-Delivery"
)

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Notifier dispatches events to the configured endpoints.
type Notifier struct {
	endpoints  []Endpoint
	httpClient *http.Client
	delays     []time.Duration // before attempts 2..n
	onMetrics  MetricsRecorder
	logger     *zap.Logger

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewNotifier creates a Notifier. With no endpoints Dispatch is a no-op.
func NewNotifier(endpoints []Endpoint, logger *zap.Logger) *Notifier {
	return &Notifier{
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		delays:     []time.Duration{time.Second, 5 * time.Second},
		logger:     logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (n *Notifier) SetMetricsRecorder(fn MetricsRecorder) {
	n.onMetrics = fn
}

// SetRetryDelays replaces the backoff between delivery attempts. The number
// of attempts is len(delays)+1.
func (n *Notifier) SetRetryDelays(delays []time.Duration) {
	n.delays = delays
}

// Dispatch fans out an event to all matching endpoints. Delivery happens in
// the background and outlives ctx's cancellation; use Close to wait for it.
// Events dispatched after Close are dropped.
func (n *Notifier) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	event := WebhookEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closing {
		n.logger.Warn("webhook: notifier closed, dropping event", zap.String("event", eventType))
		return
	}
	for _, ep := range n.endpoints {
		if !ep.wants(eventType) {
			continue
		}
		n.wg.Add(1)
		go func(ep Endpoint) {
			defer n.wg.Done()
			n.deliver(context.WithoutCancel(ctx), ep, event, body)
		}(ep)
	}
}

// NotifyClaim maps a claim result to its event. Skipped claims are not
// reported.
func (n *Notifier) NotifyClaim(res settlement.ClaimResult) {
	var eventType string
	switch res.Outcome {
	case settlement.OutcomeClaimed, settlement.OutcomeSuperseded:
		eventType = EventClaimConfirmed
	case settlement.OutcomeReconciled:
		eventType = EventClaimReconciled
	case settlement.OutcomeFailed:
		eventType = EventClaimFailed
	default:
		return
	}

	payload := map[string]string{
		"channel_id": res.ChannelID.Hex(),
		"outcome":    string(res.Outcome),
	}
	if res.Amount != nil {
		payload["amount"] = res.Amount.String()
	}
	if res.TxHash != nil {
		payload["tx_hash"] = res.TxHash.Hex()
	}
	if res.Error != "" {
		payload["error"] = res.Error
	}
	n.Dispatch(context.Background(), eventType, payload)
}

// Close stops accepting events and waits for in-flight deliveries until
// ctx is done.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	n.closing = true
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliver sends the event to a single endpoint with retries.
func (n *Notifier) deliver(ctx context.Context, ep Endpoint, event WebhookEvent, body []byte) {
	signature := signPayload(body, ep.Secret)
	attempts := len(n.delays) + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			time.Sleep(n.delays[attempt-2])
		}

		success, errMsg := n.doDelivery(ctx, ep.URL, event, body, signature)
		if n.onMetrics != nil {
			n.onMetrics(success)
		}
		if success {
			return
		}

		n.logger.Warn("webhook: delivery failed",
			zap.String("url", ep.URL),
			zap.String("event", event.Type),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (n *Notifier) doDelivery(ctx context.Context, url string, event WebhookEvent, body []byte, signature string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderEvent, event.Type)
	req.Header.Set(HeaderDelivery, event.ID)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return true, ""
}

// signPayload computes an HMAC-SHA256 signature.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret.
// Receivers use it to authenticate deliveries.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(signPayload(body, secret)), []byte(signature))
}
