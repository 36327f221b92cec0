package voucherledger

import (
	"context"
	"sync"
	"time"

	"github.com/jmerrifield20/paygate/pkg/voucher"
)

// MemoryStore is an in-memory, thread-safe Store. It is useful for tests
// and for development deployments; nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[voucher.ChannelID]*Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[voucher.ChannelID]*Record)}
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(_ context.Context, rec *Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[rec.ChannelID]
	if ok && rec.Amount.Cmp(cur.Amount) <= 0 {
		return false, nil
	}

	next := rec.clone()
	next.Claimed = false
	next.ClaimedAt = nil
	next.ClaimTxHash = nil
	next.PendingTxHash = nil
	if ok {
		next.SettledAmount = copyInt(cur.SettledAmount)
	}
	s.records[rec.ChannelID] = next
	return true, nil
}

// SaveClaim implements Store.
func (s *MemoryStore) SaveClaim(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[rec.ChannelID]
	if !ok {
		return ErrNotFound
	}
	src := rec.clone()
	cur.Claimed = src.Claimed
	cur.ClaimedAt = src.ClaimedAt
	cur.ClaimTxHash = src.ClaimTxHash
	cur.SettledAmount = src.SettledAmount
	cur.PendingTxHash = src.PendingTxHash
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id voucher.ChannelID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

// LoadAll implements Store.
func (s *MemoryStore) LoadAll(_ context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.clone())
	}
	return out, nil
}

// DeleteClaimedBefore implements Store.
func (s *MemoryStore) DeleteClaimedBefore(_ context.Context, cutoff time.Time) ([]voucher.ChannelID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []voucher.ChannelID
	for id, rec := range s.records {
		if rec.Claimed && rec.ChannelExpiry.Before(cutoff) {
			delete(s.records, id)
			ids = append(ids, id)
		}
	}
	return ids, nil
}
