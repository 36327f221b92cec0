package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/paygate/pkg/client"
	"github.com/jmerrifield20/paygate/pkg/voucher"
	"go.uber.org/zap"
)

// Upstream forwards paid requests to the gated service.
type Upstream struct {
	proxy  *httputil.ReverseProxy
	logger *zap.Logger
}

// NewUpstream creates a reverse proxy to target. The voucher header is not
// forwarded; the upstream receives the paying consumer address instead.
func NewUpstream(target *url.URL, logger *zap.Logger) *Upstream {
	u := &Upstream{logger: logger}
	u.proxy = &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.SetXForwarded()
			r.Out.Header.Del(voucher.HeaderVoucher)
			r.Out.Header.Del("Authorization")
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("upstream request failed",
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)
			writeJSONError(w, http.StatusBadGateway, "upstream unavailable")
		},
	}
	return u
}

// Handle is the Gin handler for all gated routes.
func (u *Upstream) Handle(c *gin.Context) {
	if acc := AcceptedFromCtx(c); acc != nil {
		c.Request.Header.Set(voucher.HeaderConsumer, acc.Consumer.Hex())
		c.Request.Header.Set(voucher.HeaderChannel, acc.Voucher.ChannelID.Hex())
	} else {
		c.Request.Header.Del(voucher.HeaderConsumer)
		c.Request.Header.Del(voucher.HeaderChannel)
	}
	u.proxy.ServeHTTP(c.Writer, c.Request)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(client.ErrorResponse{Error: msg})
}
