package handler

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/paygate/pkg/client"
	"github.com/jmerrifield20/paygate/pkg/voucher"
)

func voucherFor(t *testing.T, id voucher.ChannelID) string {
	t.Helper()
	v := &voucher.Voucher{
		ChannelID: id,
		Amount:    big.NewInt(1),
		Nonce:     big.NewInt(1),
		Signature: make([]byte, voucher.SignatureLength),
	}
	s, err := v.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func limitedRouter(t *testing.T, rps, burst int) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := gin.New()
	r.Use(RateLimiter(ctx, rps, burst))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func hit(r *gin.Engine, ip, voucherHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = ip + ":1234"
	if voucherHeader != "" {
		req.Header.Set(voucher.HeaderVoucher, voucherHeader)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_perIP(t *testing.T) {
	r := limitedRouter(t, 1, 2)

	for i := 0; i < 2; i++ {
		if w := hit(r, "10.0.0.1", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, w.Code)
		}
	}
	w := hit(r, "10.0.0.1", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("over burst: status %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After: %q", w.Header().Get("Retry-After"))
	}
	var body client.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body.Reason != reasonRateLimited {
		t.Errorf("body: %s", w.Body.String())
	}

	if w := hit(r, "10.0.0.2", ""); w.Code != http.StatusOK {
		t.Errorf("other IP throttled: %d", w.Code)
	}
}

func TestRateLimiter_paidRequestsKeyedByChannel(t *testing.T) {
	r := limitedRouter(t, 1, 1)
	chA := voucherFor(t, common.HexToHash("0xa1"))
	chB := voucherFor(t, common.HexToHash("0xb2"))

	// Two consumers behind one address each get their own bucket.
	if w := hit(r, "10.0.0.9", chA); w.Code != http.StatusOK {
		t.Fatalf("channel A: %d", w.Code)
	}
	if w := hit(r, "10.0.0.9", chB); w.Code != http.StatusOK {
		t.Fatalf("channel B shares A's bucket: %d", w.Code)
	}

	// One channel spread over addresses still shares its bucket.
	if w := hit(r, "10.0.0.10", chA); w.Code != http.StatusTooManyRequests {
		t.Errorf("channel A from a new IP: %d", w.Code)
	}
}

func TestRateLimiter_malformedVoucherFallsBackToIP(t *testing.T) {
	r := limitedRouter(t, 1, 1)

	if w := hit(r, "10.0.0.3", "not-a-voucher"); w.Code != http.StatusOK {
		t.Fatalf("first: %d", w.Code)
	}
	if w := hit(r, "10.0.0.3", ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("same IP without voucher: %d", w.Code)
	}
}

func TestLimiterSet_sweep(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newLimiterSet(1, 1)
	s.now = func() time.Time { return now }

	s.allow("ip:a")
	now = now.Add(8 * time.Minute)
	s.allow("ip:b")
	now = now.Add(5 * time.Minute)

	if left := s.sweep(10 * time.Minute); left != 1 {
		t.Fatalf("after sweep: %d buckets, want 1", left)
	}
	if _, ok := s.buckets["ip:b"]; !ok {
		t.Error("recently used bucket was swept")
	}
}
