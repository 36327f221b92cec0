package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/paygate/internal/adminauth"
	"github.com/jmerrifield20/paygate/internal/settlement"
	"github.com/jmerrifield20/paygate/internal/voucherledger"
	"github.com/jmerrifield20/paygate/pkg/client"
	"go.uber.org/zap"
)

// ClaimTrigger runs an out-of-cycle claim pass.
type ClaimTrigger interface {
	Trigger(ctx context.Context, force bool) (*settlement.RunReport, error)
}

// LedgerView is the read side of the voucher ledger.
type LedgerView interface {
	Stats() voucherledger.Stats
	ListUnclaimed() []*voucherledger.Record
}

// AdminHandler serves the admin routes.
type AdminHandler struct {
	issuer *adminauth.Issuer
	claims ClaimTrigger
	ledger LedgerView
	logger *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(issuer *adminauth.Issuer, claims ClaimTrigger, ledger LedgerView, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{issuer: issuer, claims: claims, ledger: ledger, logger: logger}
}

// Register registers the admin routes on rg.
func (h *AdminHandler) Register(rg *gin.RouterGroup) {
	admin := rg.Group("/admin")
	admin.POST("/token", h.IssueToken)

	authed := admin.Group("", adminauth.RequireAdmin(h.issuer))
	{
		authed.POST("/claims", h.TriggerClaims)
		authed.GET("/stats", h.Stats)
		authed.GET("/vouchers/unclaimed", h.ListUnclaimed)
	}
}

// IssueToken handles POST /admin/token and exchanges the admin secret for a token.
func (h *AdminHandler) IssueToken(c *gin.Context) {
	var req client.TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Secret == "" {
		c.JSON(http.StatusBadRequest, client.ErrorResponse{Error: "secret is required"})
		return
	}

	tok, exp, err := h.issuer.Exchange(req.Secret)
	switch {
	case errors.Is(err, adminauth.ErrDisabled):
		c.JSON(http.StatusNotFound, client.ErrorResponse{Error: "admin access is not configured"})
		return
	case errors.Is(err, adminauth.ErrBadSecret):
		h.logger.Warn("admin token refused", zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, client.ErrorResponse{Error: "invalid admin secret"})
		return
	case err != nil:
		h.logger.Error("admin token issue failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, client.ErrorResponse{Error: "token issue failed"})
		return
	}

	c.JSON(http.StatusOK, client.TokenResponse{
		AccessToken: tok,
		TokenType:   "Bearer",
		ExpiresAt:   exp,
	})
}

// TriggerClaims handles POST /admin/claims and runs a claim pass now.
// Body: {"force": true} claims every unclaimed voucher regardless of expiry.
func (h *AdminHandler) TriggerClaims(c *gin.Context) {
	var req client.ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, client.ErrorResponse{Error: err.Error()})
		return
	}

	report, err := h.claims.Trigger(c.Request.Context(), req.Force)
	if errors.Is(err, settlement.ErrShuttingDown) {
		c.JSON(http.StatusServiceUnavailable, client.ErrorResponse{Error: "gateway is shutting down"})
		return
	}
	if err != nil {
		h.logger.Error("manual claim run failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, client.ErrorResponse{Error: "claim run failed"})
		return
	}
	h.logger.Info("manual claim run",
		zap.String("run", report.ID),
		zap.Bool("force", report.Force),
		zap.Int("claimed", report.Claimed),
		zap.Int("failed", report.Failed),
	)
	c.JSON(http.StatusOK, toClaimReport(report))
}

// Stats handles GET /admin/stats.
func (h *AdminHandler) Stats(c *gin.Context) {
	st := h.ledger.Stats()
	SetChannelGauges(st.ChannelCount-st.UnclaimedCount, st.UnclaimedCount)
	c.JSON(http.StatusOK, client.Stats{
		ChannelCount:   st.ChannelCount,
		TotalEarned:    st.TotalEarned.String(),
		UnclaimedCount: st.UnclaimedCount,
	})
}

// ListUnclaimed handles GET /admin/vouchers/unclaimed.
func (h *AdminHandler) ListUnclaimed(c *gin.Context) {
	recs := h.ledger.ListUnclaimed()
	out := make([]client.UnclaimedVoucher, 0, len(recs))
	for _, r := range recs {
		v := client.UnclaimedVoucher{
			ChannelID:     r.ChannelID.Hex(),
			Amount:        r.Amount.String(),
			Nonce:         r.Nonce.String(),
			Consumer:      r.Consumer.Hex(),
			ReceivedAt:    r.ReceivedAt,
			ChannelExpiry: r.ChannelExpiry,
		}
		if r.PendingTxHash != nil {
			v.PendingTxHash = r.PendingTxHash.Hex()
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, client.UnclaimedList{Vouchers: out, Count: len(out)})
}

func toClaimReport(r *settlement.RunReport) client.ClaimReport {
	out := client.ClaimReport{
		ID:         r.ID,
		Force:      r.Force,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Candidates: r.Candidates,
		Claimed:    r.Claimed,
		Failed:     r.Failed,
		Skipped:    r.Skipped,
		Results:    make([]client.ClaimResult, 0, len(r.Results)),
	}
	for _, res := range r.Results {
		cr := client.ClaimResult{
			ChannelID: res.ChannelID.Hex(),
			Amount:    res.Amount.String(),
			Outcome:   string(res.Outcome),
			Error:     res.Error,
		}
		if res.TxHash != nil {
			cr.TxHash = res.TxHash.Hex()
		}
		out.Results = append(out.Results, cr)
	}
	return out
}
