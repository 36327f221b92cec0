// Package settlement claims accepted vouchers on-chain.
//
// The Scheduler runs on a fixed interval and on demand. Each run selects the
// unclaimed vouchers whose channel expires within the auto-claim buffer (or
// all of them when forced) and claims each with bounded concurrency. Every
// channel moves through Idle -> ClaimInFlight -> Claimed | ClaimFailed; a
// channel already in flight is skipped, so timer and manual runs never
// submit two claims for the same channel.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jmerrifield20/paygate/internal/channel"
	"github.com/jmerrifield20/paygate/internal/voucherledger"
	"github.com/jmerrifield20/paygate/pkg/voucher"
	"go.uber.org/zap"
)

// ErrShuttingDown is returned by Trigger once Shutdown has been called.
var ErrShuttingDown = errors.New("settlement: shutting down")

// Config holds scheduler configuration.
type Config struct {
	Interval        time.Duration
	AutoClaimBuffer time.Duration
	ClaimTimeout    time.Duration // submission plus confirmation, per claim
	MaxConcurrent   int
}

// ChannelClaimer reads fresh channel state and submits claims.
type ChannelClaimer interface {
	Fresh(ctx context.Context, id voucher.ChannelID) (*channel.Channel, error)
	Claim(ctx context.Context, v *voucher.Voucher) (common.Hash, error)
	WaitClaim(ctx context.Context, tx common.Hash) error
}

// VoucherBook is the subset of the voucher ledger the scheduler drives.
type VoucherBook interface {
	ListUnclaimed() []*voucherledger.Record
	MarkClaimPending(ctx context.Context, id voucher.ChannelID, amount, nonce *big.Int, tx common.Hash) error
	MarkClaimed(ctx context.Context, id voucher.ChannelID, amount, nonce *big.Int, tx common.Hash) error
}

// ResultRecordFunc is an optional callback invoked once per claim attempt.
type ResultRecordFunc func(res ClaimResult)

// Scheduler drives settlement of unclaimed vouchers.
type Scheduler struct {
	claimer ChannelClaimer
	book    VoucherBook
	cfg     Config
	sem     chan struct{}
	now     func() time.Time
	logger  *zap.Logger

	mu       sync.Mutex
	states   map[voucher.ChannelID]State
	closing  bool
	inflight sync.WaitGroup

	onResult ResultRecordFunc
}

// New creates a Scheduler.
func New(claimer ChannelClaimer, book VoucherBook, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.AutoClaimBuffer == 0 {
		cfg.AutoClaimBuffer = time.Hour
	}
	if cfg.ClaimTimeout == 0 {
		cfg.ClaimTimeout = 2 * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &Scheduler{
		claimer: claimer,
		book:    book,
		cfg:     cfg,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
		states:  make(map[voucher.ChannelID]State),
	}
}

// SetClock overrides the scheduler's time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// SetResultRecord configures the per-claim result callback.
func (s *Scheduler) SetResultRecord(fn ResultRecordFunc) {
	s.onResult = fn
}

// State returns the claim state of a channel.
func (s *Scheduler) State(id voucher.ChannelID) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id]
}

// Start runs the claim loop and blocks until ctx is cancelled or Shutdown
// begins; callers run it in its own goroutine. Claims already in flight when
// ctx ends are not cancelled; use Shutdown to wait for them.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			report, err := s.Trigger(ctx, false)
			if err != nil {
				return
			}
			if report.Candidates > 0 {
				s.logger.Info("settlement: run complete",
					zap.String("run", report.ID),
					zap.Int("candidates", report.Candidates),
					zap.Int("claimed", report.Claimed),
					zap.Int("failed", report.Failed),
					zap.Int("skipped", report.Skipped),
				)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Trigger runs one selection-and-claim pass and blocks until every claim it
// started has finished. With force set, every unclaimed voucher is a
// candidate regardless of the expiry buffer. Cancelling ctx does not abandon
// submitted claims; each claim is bounded by the configured claim timeout.
func (s *Scheduler) Trigger(ctx context.Context, force bool) (*RunReport, error) {
	report := &RunReport{
		ID:        uuid.New().String(),
		Force:     force,
		StartedAt: s.now(),
	}

	now := s.now()
	var candidates []*voucherledger.Record
	for _, rec := range s.book.ListUnclaimed() {
		if rec.Amount.Sign() == 0 {
			continue
		}
		if force || rec.ChannelExpiry.Sub(now) <= s.cfg.AutoClaimBuffer {
			candidates = append(candidates, rec)
		}
	}
	report.Candidates = len(candidates)

	results := make([]ClaimResult, len(candidates))
	var (
		wg       sync.WaitGroup
		stopping bool
	)
	for i, rec := range candidates {
		results[i] = ClaimResult{ChannelID: rec.ChannelID, Amount: rec.Amount, Outcome: OutcomeSkipped}
		if stopping || !s.begin(rec.ChannelID) {
			continue
		}
		if !s.track() {
			s.finish(rec.ChannelID, Idle)
			stopping = true
			continue
		}

		wg.Add(1)
		go func(i int, rec *voucherledger.Record) {
			defer wg.Done()
			defer s.inflight.Done()

			s.sem <- struct{}{}
			defer func() { <-s.sem }()

			claimCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ClaimTimeout)
			defer cancel()

			res := s.claimOne(claimCtx, rec)
			if res.Outcome == OutcomeFailed {
				s.finish(rec.ChannelID, ClaimFailed)
			} else {
				s.finish(rec.ChannelID, Claimed)
			}
			if s.onResult != nil {
				s.onResult(res)
			}
			results[i] = res
		}(i, rec)
	}
	wg.Wait()

	for _, res := range results {
		report.add(res)
	}
	report.FinishedAt = s.now()
	if stopping {
		return report, ErrShuttingDown
	}
	return report, nil
}

// begin moves a channel to ClaimInFlight. It reports false if a claim for
// the channel is already in flight.
func (s *Scheduler) begin(id voucher.ChannelID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[id] == ClaimInFlight {
		return false
	}
	s.states[id] = ClaimInFlight
	return true
}

func (s *Scheduler) finish(id voucher.ChannelID, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = st
}

// track registers a claim with the shutdown group unless shutdown began.
func (s *Scheduler) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.inflight.Add(1)
	return true
}

// claimOne settles a single voucher. The channel is always re-read fresh:
// an amount the contract already shows as settled is recorded as claimed
// without another transaction.
func (s *Scheduler) claimOne(ctx context.Context, rec *voucherledger.Record) ClaimResult {
	res := ClaimResult{ChannelID: rec.ChannelID, Amount: rec.Amount}
	log := s.logger.With(
		zap.String("channel", rec.ChannelID.Hex()),
		zap.String("amount", rec.Amount.String()),
		zap.String("nonce", rec.Nonce.String()),
	)
	fail := func(err error) ClaimResult {
		log.Warn("settlement: claim failed, will retry", zap.Error(err))
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		return res
	}

	ch, err := s.claimer.Fresh(ctx, rec.ChannelID)
	if err != nil {
		return fail(fmt.Errorf("read channel: %w", err))
	}
	if ch.Settled != nil && ch.Settled.Cmp(rec.Amount) >= 0 {
		var tx common.Hash
		if rec.PendingTxHash != nil {
			tx = *rec.PendingTxHash
		}
		return s.record(ctx, log, rec, res, tx, OutcomeReconciled)
	}
	if rec.Amount.Cmp(ch.Deposit) > 0 {
		return fail(fmt.Errorf("amount %s exceeds deposit %s", rec.Amount, ch.Deposit))
	}

	tx, err := s.claimer.Claim(ctx, rec.Voucher())
	if err != nil {
		return fail(err)
	}
	res.TxHash = &tx
	log = log.With(zap.String("tx", tx.Hex()))
	log.Info("settlement: claim submitted")

	if err := s.book.MarkClaimPending(ctx, rec.ChannelID, rec.Amount, rec.Nonce, tx); err != nil {
		log.Warn("settlement: pending claim not recorded", zap.Error(err))
	}

	if err := s.claimer.WaitClaim(ctx, tx); err != nil {
		return fail(fmt.Errorf("confirm claim: %w", err))
	}
	return s.record(ctx, log, rec, res, tx, OutcomeClaimed)
}

func (s *Scheduler) record(ctx context.Context, log *zap.Logger, rec *voucherledger.Record, res ClaimResult, tx common.Hash, outcome Outcome) ClaimResult {
	err := s.book.MarkClaimed(ctx, rec.ChannelID, rec.Amount, rec.Nonce, tx)
	switch {
	case errors.Is(err, voucherledger.ErrSuperseded):
		res.Outcome = OutcomeSuperseded
	case err != nil:
		// The claim is on-chain; the next run's fresh read reconciles it.
		log.Error("settlement: claimed state not recorded", zap.Error(err))
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		return res
	default:
		res.Outcome = outcome
	}
	if tx != (common.Hash{}) {
		res.TxHash = &tx
	}
	log.Info("settlement: voucher claimed", zap.String("outcome", string(res.Outcome)))
	return res
}
