package webhooks

import (
	"time"
)

// Event types dispatched by the gateway.
const (
	EventClaimConfirmed  = "claim.confirmed"
	EventClaimReconciled = "claim.reconciled"
	EventClaimFailed     = "claim.failed"
	EventUpstreamDown    = "upstream.down"
	EventUpstreamUp      = "upstream.up"
)

// Endpoint is an operator-configured receiver. An empty Events list
// subscribes to every event.
type Endpoint struct {
	URL    string
	Secret string // HMAC-SHA256 key for the signature header
	Events []string
}

func (e Endpoint) wants(eventType string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, ev := range e.Events {
		if ev == eventType {
			return true
		}
	}
	return false
}

// WebhookEvent is the JSON body posted to matching endpoints.
type WebhookEvent struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}
