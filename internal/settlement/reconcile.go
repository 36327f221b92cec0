package settlement

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Reconcile resolves claims that were submitted but never recorded as
// confirmed, typically because the process stopped while waiting. It must
// run once at startup, before Start. For each such voucher the channel is
// read fresh; if the contract already settled the amount it is marked
// claimed. Otherwise the recorded transaction is awaited once more, and a
// voucher whose transaction is gone is left for the next run to resubmit.
func (s *Scheduler) Reconcile(ctx context.Context) (*RunReport, error) {
	report := &RunReport{StartedAt: s.now(), ID: "reconcile"}

	for _, rec := range s.book.ListUnclaimed() {
		if rec.PendingTxHash == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("reconcile: %w", err)
		}
		report.Candidates++
		tx := *rec.PendingTxHash
		log := s.logger.With(
			zap.String("channel", rec.ChannelID.Hex()),
			zap.String("amount", rec.Amount.String()),
			zap.String("tx", tx.Hex()),
		)

		res := ClaimResult{ChannelID: rec.ChannelID, Amount: rec.Amount, TxHash: &tx}
		ch, err := s.claimer.Fresh(ctx, rec.ChannelID)
		if err != nil {
			log.Warn("settlement: reconcile read failed", zap.Error(err))
			res.Outcome = OutcomeFailed
			res.Error = err.Error()
			report.add(res)
			continue
		}
		if ch.Settled != nil && ch.Settled.Cmp(rec.Amount) >= 0 {
			report.add(s.record(ctx, log, rec, res, tx, OutcomeReconciled))
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ClaimTimeout)
		err = s.claimer.WaitClaim(waitCtx, tx)
		cancel()
		if err != nil {
			log.Warn("settlement: pending claim did not confirm, will resubmit", zap.Error(err))
			res.Outcome = OutcomeFailed
			res.Error = err.Error()
			report.add(res)
			continue
		}
		report.add(s.record(ctx, log, rec, res, tx, OutcomeReconciled))
	}

	report.FinishedAt = s.now()
	if report.Candidates > 0 {
		s.logger.Info("settlement: reconciliation complete",
			zap.Int("pending", report.Candidates),
			zap.Int("claimed", report.Claimed),
			zap.Int("unresolved", report.Failed),
		)
	}
	return report, nil
}

// Shutdown stops new claims from starting and waits for in-flight claims
// until ctx ends. Claims still running when ctx ends are abandoned; their
// transactions may still confirm and are picked up by Reconcile or by the
// fresh read before the next submission.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("settlement: abandoning in-flight claims")
		return ctx.Err()
	}
}
