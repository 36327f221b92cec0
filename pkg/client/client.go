package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPaymentRejected is wrapped by APIError for 400 and 402 responses from
// the paywall.
var ErrPaymentRejected = errors.New("payment rejected")

// APIError is a non-2xx response from the gateway.
type APIError struct {
	Status  int
	Message string
	Reason  string
	Price   string // set on 402 responses
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("gateway error %d (%s): %s", e.Status, e.Reason, e.Message)
	}
	return fmt.Sprintf("gateway error %d: %s", e.Status, e.Message)
}

// Is reports payment rejections as ErrPaymentRejected.
func (e *APIError) Is(target error) bool {
	return target == ErrPaymentRejected && e.Reason != "" &&
		(e.Status == http.StatusPaymentRequired || e.Status == http.StatusBadRequest)
}

// Option configures a Payer or Admin.
type Option func(*options)

type options struct {
	httpClient *http.Client
}

func defaultOptions(opts []Option) options {
	o := options{httpClient: &http.Client{Timeout: 30 * time.Second}}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		o.httpClient = hc
	}
}

// WithTimeout sets the timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.httpClient = &http.Client{Timeout: d}
	}
}

// FormatAmount renders an amount in the token's smallest unit as a decimal
// with the given number of token decimals (6 for USDC, 18 for ETH).
func FormatAmount(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}

// ParseAmount converts a decimal token amount ("1.25") to the smallest unit.
// It fails if the amount has more precision than decimals allows.
func ParseAmount(s string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("amount %q is negative", s)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %q has more than %d decimals", s, decimals)
	}
	return scaled.BigInt(), nil
}

// apiError builds an APIError from a non-2xx response.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	e := &APIError{Status: resp.StatusCode}
	var er ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		e.Message, e.Reason, e.Price = er.Error, er.Reason, er.Price
	} else {
		e.Message = string(body)
	}
	return e
}
