package voucherledger

import (
	"context"
	"time"

	"github.com/jmerrifield20/paygate/pkg/voucher"
)

// Store is the durable tier behind a Ledger. Writes must be durable when
// they return. Both MemoryStore and PostgresStore implement it.
type Store interface {
	// Upsert stores rec if the channel has no record, or replaces the stored
	// one if rec.Amount is strictly greater. Replacing resets the claim
	// fields but keeps SettledAmount. It reports whether rec was written.
	Upsert(ctx context.Context, rec *Record) (bool, error)

	// SaveClaim writes the claim fields (Claimed, ClaimedAt, ClaimTxHash,
	// SettledAmount, PendingTxHash) of rec for rec.ChannelID.
	SaveClaim(ctx context.Context, rec *Record) error

	// Get returns the stored record for id, or ErrNotFound.
	Get(ctx context.Context, id voucher.ChannelID) (*Record, error)

	// LoadAll returns every stored record.
	LoadAll(ctx context.Context) ([]*Record, error)

	// DeleteClaimedBefore deletes claimed records whose channel expired
	// before cutoff and returns their ids.
	DeleteClaimedBefore(ctx context.Context, cutoff time.Time) ([]voucher.ChannelID, error)
}
