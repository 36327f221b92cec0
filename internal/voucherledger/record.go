package voucherledger

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmerrifield20/paygate/internal/channel"
	"github.com/jmerrifield20/paygate/pkg/voucher"
)

// Record is the stored voucher for one channel: the highest-amount voucher
// accepted so far plus its settlement state.
type Record struct {
	ChannelID  voucher.ChannelID
	Consumer   common.Address // recovered signer
	Amount     *big.Int
	Nonce      *big.Int
	Signature  []byte
	ReceivedAt time.Time

	// Channel facts captured at acceptance, used for claim selection and retention.
	Deposit       *big.Int
	ChannelExpiry time.Time

	Claimed     bool
	ClaimedAt   *time.Time
	ClaimTxHash *common.Hash

	// SettledAmount is the highest amount confirmed claimed on-chain for the
	// channel. It can lag Amount when a newer voucher superseded a claim.
	SettledAmount *big.Int

	// PendingTxHash is a submitted claim that has not been confirmed yet.
	PendingTxHash *common.Hash
}

// NewRecord builds an unclaimed record for an accepted voucher.
func NewRecord(v *voucher.Voucher, consumer common.Address, ch *channel.Channel, receivedAt time.Time) *Record {
	return &Record{
		ChannelID:     v.ChannelID,
		Consumer:      consumer,
		Amount:        new(big.Int).Set(v.Amount),
		Nonce:         new(big.Int).Set(v.Nonce),
		Signature:     append([]byte(nil), v.Signature...),
		ReceivedAt:    receivedAt.UTC(),
		Deposit:       new(big.Int).Set(ch.Deposit),
		ChannelExpiry: ch.Expiry.UTC(),
		SettledAmount: new(big.Int),
	}
}

// Voucher returns the signed voucher held by r.
func (r *Record) Voucher() *voucher.Voucher {
	return &voucher.Voucher{
		ChannelID: r.ChannelID,
		Amount:    new(big.Int).Set(r.Amount),
		Nonce:     new(big.Int).Set(r.Nonce),
		Signature: append([]byte(nil), r.Signature...),
	}
}

// Matches reports whether r holds the voucher with the given amount and nonce.
func (r *Record) Matches(amount, nonce *big.Int) bool {
	return r.Amount.Cmp(amount) == 0 && r.Nonce.Cmp(nonce) == 0
}

// clone returns a deep copy of r. A nil record clones to nil.
func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Amount = new(big.Int).Set(r.Amount)
	c.Nonce = new(big.Int).Set(r.Nonce)
	c.Signature = append([]byte(nil), r.Signature...)
	c.Deposit = copyInt(r.Deposit)
	c.SettledAmount = copyInt(r.SettledAmount)
	if r.ClaimedAt != nil {
		t := *r.ClaimedAt
		c.ClaimedAt = &t
	}
	if r.ClaimTxHash != nil {
		h := *r.ClaimTxHash
		c.ClaimTxHash = &h
	}
	if r.PendingTxHash != nil {
		h := *r.PendingTxHash
		c.PendingTxHash = &h
	}
	return &c
}

func copyInt(n *big.Int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(n)
}
