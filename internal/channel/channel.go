// Package channel reads payment channel facts from the on-chain channel
// contract and submits claim transactions against it.
//
// Reads are cached with a short TTL (see CachingClient). A read that fails
// for any reason other than "not found" is reported as ErrLedgerRead, which
// also matches ErrChannelNotFound: callers that only check for "not found"
// fail closed.
package channel

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmerrifield20/paygate/pkg/voucher"
)

var (
	// ErrChannelNotFound is returned when the contract has no channel with the given id.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrLedgerRead is returned when the channel contract could not be read.
	ErrLedgerRead = errors.New("channel ledger read failed")

	// ErrClaimSubmit is returned when a claim transaction could not be submitted.
	ErrClaimSubmit = errors.New("claim submission failed")

	// ErrClaimReverted is returned when a claim transaction was mined but failed.
	ErrClaimReverted = errors.New("claim transaction reverted")
)

// Channel mirrors the on-chain state of a payment channel.
// Values returned by a Client must be treated as read-only.
type Channel struct {
	ID       voucher.ChannelID
	Consumer common.Address // expected voucher signer
	Provider common.Address
	Deposit  *big.Int
	Settled  *big.Int // amount already claimed on-chain
	Expiry   time.Time
}

// Expired reports whether the channel accepts no new charges at now.
func (c *Channel) Expired(now time.Time) bool {
	return !c.Expiry.After(now)
}

// Remaining returns deposit - total, floored at zero.
func (c *Channel) Remaining(total *big.Int) *big.Int {
	r := new(big.Int).Sub(c.Deposit, total)
	if r.Sign() < 0 {
		r.SetInt64(0)
	}
	return r
}

// Client is the read/claim interface to the channel ledger.
type Client interface {
	// GetChannel returns the channel with the given id, or ErrChannelNotFound.
	GetChannel(ctx context.Context, id voucher.ChannelID) (*Channel, error)

	// Claim submits a claim for v and returns the transaction hash once the
	// node has accepted the transaction. It does not wait for confirmation.
	Claim(ctx context.Context, v *voucher.Voucher) (common.Hash, error)

	// WaitClaim blocks until the claim transaction is mined and returns
	// ErrClaimReverted if it did not succeed.
	WaitClaim(ctx context.Context, tx common.Hash) error
}

// readError marks a failed ledger read. It matches both ErrLedgerRead and
// ErrChannelNotFound.
type readError struct {
	err error
}

func (e *readError) Error() string { return ErrLedgerRead.Error() + ": " + e.err.Error() }

func (e *readError) Unwrap() error { return e.err }

func (e *readError) Is(target error) bool {
	return target == ErrLedgerRead || target == ErrChannelNotFound
}

// readFailure wraps err as a ledger read failure.
func readFailure(err error) error {
	return &readError{err: err}
}
