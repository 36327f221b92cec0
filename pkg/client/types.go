package client

import "time"

// Amounts are decimal strings in the channel token's smallest unit.

// ErrorResponse is the body of every non-2xx gateway response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
	Price  string `json:"price,omitempty"`
}

// TokenRequest is the body of POST /admin/token.
type TokenRequest struct {
	Secret string `json:"secret"`
}

// TokenResponse is returned by POST /admin/token.
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ClaimRequest is the body of POST /admin/claims.
type ClaimRequest struct {
	Force bool `json:"force"`
}

// ClaimResult is the outcome for one channel in a claim run.
type ClaimResult struct {
	ChannelID string `json:"channel_id"`
	Amount    string `json:"amount"`
	Outcome   string `json:"outcome"`
	TxHash    string `json:"tx_hash,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ClaimReport is returned by POST /admin/claims.
type ClaimReport struct {
	ID         string        `json:"id"`
	Force      bool          `json:"force"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Candidates int           `json:"candidates"`
	Claimed    int           `json:"claimed"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Results    []ClaimResult `json:"results"`
}

// Stats is returned by GET /admin/stats.
type Stats struct {
	ChannelCount   int    `json:"channel_count"`
	TotalEarned    string `json:"total_earned"`
	UnclaimedCount int    `json:"unclaimed_count"`
}

// UnclaimedVoucher is one entry of GET /admin/vouchers/unclaimed.
type UnclaimedVoucher struct {
	ChannelID     string    `json:"channel_id"`
	Amount        string    `json:"amount"`
	Nonce         string    `json:"nonce"`
	Consumer      string    `json:"consumer"`
	ReceivedAt    time.Time `json:"received_at"`
	ChannelExpiry time.Time `json:"channel_expiry"`
	PendingTxHash string    `json:"pending_tx_hash,omitempty"`
}

// UnclaimedList is returned by GET /admin/vouchers/unclaimed.
type UnclaimedList struct {
	Vouchers []UnclaimedVoucher `json:"vouchers"`
	Count    int                `json:"count"`
}
