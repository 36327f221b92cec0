package voucherledger

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartRetention prunes claimed vouchers whose channel expired more than
// keep ago, every interval until ctx is done. A zero keep disables pruning.
func (l *Ledger) StartRetention(ctx context.Context, interval, keep time.Duration) {
	if keep <= 0 {
		return
	}
	if interval == 0 {
		interval = time.Hour
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n, err := l.Prune(ctx, l.now().Add(-keep))
				if err != nil {
					l.logger.Warn("voucher retention failed", zap.Error(err))
					continue
				}
				if n > 0 {
					l.logger.Info("pruned claimed vouchers", zap.Int("count", n))
				}
			}
		}
	}()
}
