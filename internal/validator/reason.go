package validator

import "fmt"

// Reason classifies why a voucher was rejected.
type Reason string

const (
	ReasonInvalidFormat     Reason = "invalid_format"
	ReasonChannelNotFound   Reason = "channel_not_found"
	ReasonChannelExpired    Reason = "channel_expired"
	ReasonInvalidSignature  Reason = "invalid_signature"
	ReasonStaleVoucher      Reason = "stale_voucher"
	ReasonInsufficientFunds Reason = "insufficient_funds"
)

// Rejection is returned for every request-path refusal. The caller must
// present a better voucher; rejections are never retried internally.
type Rejection struct {
	Reason Reason
	Detail string
	Err    error // underlying cause, if any
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

func (r *Rejection) Unwrap() error { return r.Err }

func reject(reason Reason, err error, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...), Err: err}
}
