package voucherledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmerrifield20/paygate/internal/channel"
	"github.com/jmerrifield20/paygate/pkg/voucher"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a channel has no stored voucher.
	ErrNotFound = errors.New("voucher not found")

	// ErrStorageWrite is returned when the durable store rejected a write.
	// The in-memory state is left unchanged.
	ErrStorageWrite = errors.New("voucher storage write failed")

	// ErrSuperseded is returned by claim updates when the stored voucher is
	// no longer the one that was claimed.
	ErrSuperseded = errors.New("voucher superseded")
)

// Stats is an aggregate view of the ledger.
type Stats struct {
	ChannelCount   int
	TotalEarned    *big.Int // sum of amounts confirmed claimed on-chain
	UnclaimedCount int
}

// slot is the single mutable record of one channel.
type slot struct {
	mu  sync.Mutex
	rec *Record
}

// Ledger tracks the latest accepted voucher per channel. Each channel has
// its own slot and lock; channels never contend with each other. Every
// mutation is written to the Store before the in-memory slot changes.
type Ledger struct {
	store  Store
	slots  sync.Map // voucher.ChannelID -> *slot
	now    func() time.Time
	logger *zap.Logger
}

// New creates an empty Ledger over store. Call Load to restore state.
func New(store Store, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// SetClock overrides the ledger's time source.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// Load replaces the in-memory view with the store's contents. It must be
// called before the ledger serves requests.
func (l *Ledger) Load(ctx context.Context) error {
	recs, err := l.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load vouchers: %w", err)
	}
	for _, rec := range recs {
		s := l.slot(rec.ChannelID)
		s.mu.Lock()
		s.rec = rec
		s.mu.Unlock()
	}
	l.logger.Info("voucher ledger loaded", zap.Int("channels", len(recs)))
	return nil
}

func (l *Ledger) slot(id voucher.ChannelID) *slot {
	if s, ok := l.slots.Load(id); ok {
		return s.(*slot)
	}
	s, _ := l.slots.LoadOrStore(id, &slot{})
	return s.(*slot)
}

// Current returns a copy of the stored record for id, or nil.
func (l *Ledger) Current(id voucher.ChannelID) *Record {
	s, ok := l.slots.Load(id)
	if !ok {
		return nil
	}
	sl := s.(*slot)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.rec.clone()
}

// Update runs fn with a copy of the channel's current record (nil if none)
// while holding the channel's lock. If fn returns a record, it is recorded
// with the same rules as RecordAccepted. Update reports whether a new
// record was stored; errors from fn are returned unchanged.
func (l *Ledger) Update(ctx context.Context, id voucher.ChannelID, fn func(current *Record) (*Record, error)) (bool, error) {
	s := l.slot(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(s.rec.clone())
	if err != nil || next == nil {
		return false, err
	}
	return l.recordLocked(ctx, s, next)
}

// RecordAccepted stores v as the channel's latest voucher iff its amount is
// strictly greater than the stored amount, or nothing is stored yet.
// Otherwise it is a no-op. It reports whether the voucher was stored.
func (l *Ledger) RecordAccepted(ctx context.Context, v *voucher.Voucher, consumer common.Address, ch *channel.Channel) (bool, error) {
	rec := NewRecord(v, consumer, ch, l.now())
	return l.Update(ctx, v.ChannelID, func(*Record) (*Record, error) {
		return rec, nil
	})
}

// recordLocked must be called with s.mu held.
func (l *Ledger) recordLocked(ctx context.Context, s *slot, rec *Record) (bool, error) {
	if s.rec != nil && rec.Amount.Cmp(s.rec.Amount) <= 0 {
		return false, nil
	}
	rec = rec.clone()
	rec.Claimed = false
	rec.ClaimedAt = nil
	rec.ClaimTxHash = nil
	rec.PendingTxHash = nil
	if s.rec != nil {
		rec.SettledAmount = copyInt(s.rec.SettledAmount)
	}

	applied, err := l.store.Upsert(ctx, rec)
	if err != nil {
		l.logger.Error("voucher write failed",
			zap.String("channel", rec.ChannelID.Hex()),
			zap.String("amount", rec.Amount.String()),
			zap.Error(err),
		)
		return false, fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	if !applied {
		// The durable copy is ahead of ours (another replica wrote a higher
		// voucher). Adopt it.
		fresh, err := l.store.Get(ctx, rec.ChannelID)
		if err != nil {
			return false, fmt.Errorf("%w: reload after conflict: %v", ErrStorageWrite, err)
		}
		s.rec = fresh
		return false, nil
	}

	s.rec = rec
	return true, nil
}

// ListUnclaimed returns copies of every record with Claimed == false,
// ordered by channel expiry (soonest first).
func (l *Ledger) ListUnclaimed() []*Record {
	var out []*Record
	l.slots.Range(func(_, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		if s.rec != nil && !s.rec.Claimed {
			out = append(out, s.rec.clone())
		}
		s.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChannelExpiry.Equal(out[j].ChannelExpiry) {
			return out[i].ChannelID.Hex() < out[j].ChannelID.Hex()
		}
		return out[i].ChannelExpiry.Before(out[j].ChannelExpiry)
	})
	return out
}

// MarkClaimPending records that a claim transaction for (amount, nonce) was
// submitted. It returns ErrSuperseded if the stored voucher changed.
func (l *Ledger) MarkClaimPending(ctx context.Context, id voucher.ChannelID, amount, nonce *big.Int, tx common.Hash) error {
	s := l.slot(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rec == nil {
		return ErrNotFound
	}
	if !s.rec.Matches(amount, nonce) {
		return ErrSuperseded
	}

	next := s.rec.clone()
	next.PendingTxHash = &tx
	return l.saveClaimLocked(ctx, s, next)
}

// MarkClaimed records a confirmed claim of (amount, nonce). If the stored
// voucher was superseded in the meantime it stays unclaimed, only the
// settled amount advances, and ErrSuperseded is returned.
func (l *Ledger) MarkClaimed(ctx context.Context, id voucher.ChannelID, amount, nonce *big.Int, tx common.Hash) error {
	s := l.slot(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rec == nil {
		return ErrNotFound
	}

	next := s.rec.clone()
	if next.SettledAmount.Cmp(amount) < 0 {
		next.SettledAmount = new(big.Int).Set(amount)
	}

	if !s.rec.Matches(amount, nonce) {
		l.logger.Warn("claimed voucher was superseded",
			zap.String("channel", id.Hex()),
			zap.String("claimed_amount", amount.String()),
			zap.String("current_amount", s.rec.Amount.String()),
			zap.String("tx", tx.Hex()),
		)
		if next.SettledAmount.Cmp(s.rec.SettledAmount) != 0 {
			if err := l.saveClaimLocked(ctx, s, next); err != nil {
				return err
			}
		}
		return ErrSuperseded
	}
	if s.rec.Claimed {
		return nil
	}

	now := l.now()
	next.Claimed = true
	next.ClaimedAt = &now
	next.ClaimTxHash = &tx
	next.PendingTxHash = nil
	return l.saveClaimLocked(ctx, s, next)
}

func (l *Ledger) saveClaimLocked(ctx context.Context, s *slot, next *Record) error {
	if err := l.store.SaveClaim(ctx, next); err != nil {
		l.logger.Error("claim state write failed",
			zap.String("channel", next.ChannelID.Hex()),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	s.rec = next
	return nil
}

// Stats returns aggregate counts over all channels.
func (l *Ledger) Stats() Stats {
	st := Stats{TotalEarned: new(big.Int)}
	l.slots.Range(func(_, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		if s.rec != nil {
			st.ChannelCount++
			st.TotalEarned.Add(st.TotalEarned, s.rec.SettledAmount)
			if !s.rec.Claimed {
				st.UnclaimedCount++
			}
		}
		s.mu.Unlock()
		return true
	})
	return st
}

// Prune deletes claimed records whose channel expired before cutoff.
func (l *Ledger) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := l.store.DeleteClaimedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune vouchers: %w", err)
	}
	for _, id := range ids {
		s, ok := l.slots.Load(id)
		if !ok {
			continue
		}
		sl := s.(*slot)
		sl.mu.Lock()
		// Slots stay in the arena so a concurrent writer never holds a
		// lock that is no longer reachable by id.
		if sl.rec != nil && sl.rec.Claimed {
			sl.rec = nil
		}
		sl.mu.Unlock()
	}
	return len(ids), nil
}
