package handler

import (
	"context"
	"errors"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/paygate/internal/pricing"
	"github.com/jmerrifield20/paygate/internal/validator"
	"github.com/jmerrifield20/paygate/pkg/client"
	"github.com/jmerrifield20/paygate/pkg/voucher"
	"go.uber.org/zap"
)

const ctxAcceptedKey = "paygate_accepted"

// Reasons reported by the paywall in addition to validator.Reason values.
const (
	reasonMissingVoucher     = "missing_voucher"
	reasonReplayedVoucher    = "replayed_voucher"
	reasonStorageUnavailable = "storage_unavailable"
)

// Charger validates a voucher and records the charge.
type Charger interface {
	Charge(ctx context.Context, v *voucher.Voucher, requiredCost *big.Int) (*validator.Accepted, error)
}

// Paywall gates requests behind a paid voucher.
type Paywall struct {
	charger       Charger
	prices        *pricing.Table
	rejectReplays bool
	logger        *zap.Logger
}

// NewPaywall creates a Paywall. With rejectReplays set, a voucher that was
// already applied is refused instead of serving the call again at no charge.
func NewPaywall(charger Charger, prices *pricing.Table, rejectReplays bool, logger *zap.Logger) *Paywall {
	return &Paywall{
		charger:       charger,
		prices:        prices,
		rejectReplays: rejectReplays,
		logger:        logger,
	}
}

// Middleware returns the Gin middleware. Requests priced at zero pass
// through untouched. Accepted requests carry the accounting headers on the
// response and the *validator.Accepted in the Gin context.
func (p *Paywall) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cost := p.prices.Price(c.Request.Method, c.Request.URL.Path)
		if cost.Sign() == 0 {
			c.Next()
			return
		}

		header := c.GetHeader(voucher.HeaderVoucher)
		if header == "" {
			RecordDecision(reasonMissingVoucher)
			p.paymentRequired(c, http.StatusPaymentRequired, "payment voucher required", reasonMissingVoucher, cost)
			return
		}

		v, err := voucher.Parse(header)
		if err != nil {
			RecordDecision(string(validator.ReasonInvalidFormat))
			p.paymentRequired(c, http.StatusBadRequest, err.Error(), string(validator.ReasonInvalidFormat), cost)
			return
		}

		acc, err := p.charger.Charge(c.Request.Context(), v, cost)
		if err != nil {
			p.reject(c, err, cost)
			return
		}
		if acc.Replay {
			RecordDecision("replay")
			if p.rejectReplays {
				p.paymentRequired(c, http.StatusPaymentRequired, "voucher already applied; sign a new one", reasonReplayedVoucher, cost)
				return
			}
		} else {
			RecordDecision("accepted")
			RecordCharge(acc.DeltaCharged)
		}

		c.Header(voucher.HeaderCost, acc.DeltaCharged.String())
		c.Header(voucher.HeaderTotal, acc.Total.String())
		c.Header(voucher.HeaderRemaining, acc.Remaining.String())
		c.Header(voucher.HeaderChannel, v.ChannelID.Hex())
		c.Set(ctxAcceptedKey, acc)
		c.Next()
	}
}

func (p *Paywall) reject(c *gin.Context, err error, cost *big.Int) {
	var rej *validator.Rejection
	if errors.As(err, &rej) {
		RecordDecision(string(rej.Reason))
		status := http.StatusPaymentRequired
		if rej.Reason == validator.ReasonInvalidFormat {
			status = http.StatusBadRequest
		}
		p.paymentRequired(c, status, rej.Error(), string(rej.Reason), cost)
		return
	}

	RecordDecision(reasonStorageUnavailable)
	p.logger.Error("paywall: charge not recorded", zap.Error(err))
	c.Header("Retry-After", "1")
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, client.ErrorResponse{
		Error:  "payment could not be recorded; retry with the same voucher",
		Reason: reasonStorageUnavailable,
	})
}

func (p *Paywall) paymentRequired(c *gin.Context, status int, msg, reason string, cost *big.Int) {
	c.Header(voucher.HeaderPrice, cost.String())
	c.AbortWithStatusJSON(status, client.ErrorResponse{
		Error:  msg,
		Reason: reason,
		Price:  cost.String(),
	})
}

// AcceptedFromCtx returns the accepted voucher set by the paywall, or nil.
func AcceptedFromCtx(c *gin.Context) *validator.Accepted {
	v, _ := c.Get(ctxAcceptedKey)
	acc, _ := v.(*validator.Accepted)
	return acc
}
