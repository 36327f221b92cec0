// Package validator decides whether a voucher pays for a call.
//
// Decide is the pure decision over a voucher, the channel it references, the
// stored voucher for that channel and the required cost. Validator wires it
// to the channel ledger, the signature domain and the voucher ledger.
package validator

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmerrifield20/paygate/internal/channel"
	"github.com/jmerrifield20/paygate/internal/voucherledger"
	"github.com/jmerrifield20/paygate/pkg/voucher"
	"go.uber.org/zap"
)

// Accepted describes a voucher that pays for a call.
type Accepted struct {
	Channel      *channel.Channel
	Voucher      *voucher.Voucher
	Consumer     common.Address
	DeltaCharged *big.Int // charged for this call
	Total        *big.Int // cumulative total charged on the channel
	Remaining    *big.Int // deposit - total
	Replay       bool     // the voucher was already applied; nothing new was charged
}

// ChannelReader resolves channel facts, typically through a cache.
type ChannelReader interface {
	GetChannel(ctx context.Context, id voucher.ChannelID) (*channel.Channel, error)
}

// Validator runs the full validation pipeline for the request path.
type Validator struct {
	channels ChannelReader
	domain   voucher.Domain
	ledger   *voucherledger.Ledger
	now      func() time.Time
	logger   *zap.Logger
}

// New creates a Validator.
func New(channels ChannelReader, domain voucher.Domain, ledger *voucherledger.Ledger, logger *zap.Logger) *Validator {
	return &Validator{
		channels: channels,
		domain:   domain,
		ledger:   ledger,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock overrides the validator's time source.
func (v *Validator) SetClock(now func() time.Time) {
	v.now = now
}

// Validate decides whether vch covers requiredCost against the ledger's
// current state. It records nothing; use Charge on the request path.
func (v *Validator) Validate(ctx context.Context, vch *voucher.Voucher, requiredCost *big.Int) (*Accepted, error) {
	ch, consumer, err := v.verify(ctx, vch)
	if err != nil {
		return nil, err
	}
	acc, rej := Decide(vch, ch, v.ledger.Current(vch.ChannelID), requiredCost)
	if rej != nil {
		return nil, rej
	}
	acc.Consumer = consumer
	return acc, nil
}

// Charge validates vch and, on acceptance, records it in the ledger. The
// staleness and funds checks run under the channel's ledger lock together
// with the write, so two concurrent calls cannot both spend the same
// increment. A storage failure is returned as voucherledger.ErrStorageWrite
// and nothing is charged.
func (v *Validator) Charge(ctx context.Context, vch *voucher.Voucher, requiredCost *big.Int) (*Accepted, error) {
	ch, consumer, err := v.verify(ctx, vch)
	if err != nil {
		return nil, err
	}

	var acc *Accepted
	_, err = v.ledger.Update(ctx, vch.ChannelID, func(current *voucherledger.Record) (*voucherledger.Record, error) {
		a, rej := Decide(vch, ch, current, requiredCost)
		if rej != nil {
			return nil, rej
		}
		a.Consumer = consumer
		acc = a
		if a.Replay {
			return nil, nil
		}
		return voucherledger.NewRecord(vch, consumer, ch, v.now()), nil
	})
	if err != nil {
		if !isRejection(err) {
			v.logger.Error("voucher not recorded",
				zap.String("channel", vch.ChannelID.Hex()),
				zap.String("amount", vch.Amount.String()),
				zap.Error(err),
			)
		}
		return nil, err
	}
	return acc, nil
}

// verify runs the structural, channel and signature checks. None of them
// touch the voucher ledger.
func (v *Validator) verify(ctx context.Context, vch *voucher.Voucher) (*channel.Channel, common.Address, error) {
	if err := vch.Check(); err != nil {
		return nil, common.Address{}, reject(ReasonInvalidFormat, err, "%v", err)
	}

	ch, err := v.channels.GetChannel(ctx, vch.ChannelID)
	if err != nil {
		if errors.Is(err, channel.ErrLedgerRead) {
			v.logger.Warn("channel unverifiable, rejecting voucher",
				zap.String("channel", vch.ChannelID.Hex()),
				zap.Error(err),
			)
		}
		return nil, common.Address{}, reject(ReasonChannelNotFound, err, "channel %s", vch.ChannelID.Hex())
	}
	if ch.Expired(v.now()) {
		return nil, common.Address{}, reject(ReasonChannelExpired, nil, "channel expired at %s", ch.Expiry.Format(time.RFC3339))
	}

	signer, err := v.domain.Recover(vch)
	if err != nil {
		return nil, common.Address{}, reject(ReasonInvalidSignature, err, "%v", err)
	}
	if signer != ch.Consumer {
		return nil, common.Address{}, reject(ReasonInvalidSignature, nil, "signed by %s, channel consumer is %s", signer.Hex(), ch.Consumer.Hex())
	}
	return ch, signer, nil
}

// Decide applies the staleness and funds rules to a verified voucher.
//
// A voucher whose amount equals the stored amount, at an equal or higher
// nonce, is a replay: it is accepted with zero delta. A lower nonce, a
// lower amount, or a different amount at the same nonce is stale. Otherwise
// the increment over the stored amount must cover requiredCost and the
// amount must not exceed the deposit.
func Decide(vch *voucher.Voucher, ch *channel.Channel, stored *voucherledger.Record, requiredCost *big.Int) (*Accepted, *Rejection) {
	storedAmount := new(big.Int)
	if stored != nil {
		if vch.Nonce.Cmp(stored.Nonce) < 0 {
			return nil, reject(ReasonStaleVoucher, nil, "nonce %s below stored nonce %s", vch.Nonce, stored.Nonce)
		}
		switch c := vch.Amount.Cmp(stored.Amount); {
		case c < 0:
			return nil, reject(ReasonStaleVoucher, nil, "amount %s below stored amount %s", vch.Amount, stored.Amount)
		case c == 0:
			return &Accepted{
				Channel:      ch,
				Voucher:      vch,
				DeltaCharged: new(big.Int),
				Total:        new(big.Int).Set(stored.Amount),
				Remaining:    ch.Remaining(stored.Amount),
				Replay:       true,
			}, nil
		case vch.Nonce.Cmp(stored.Nonce) == 0:
			return nil, reject(ReasonStaleVoucher, nil, "nonce %s already used for amount %s", vch.Nonce, stored.Amount)
		}
		storedAmount.Set(stored.Amount)
	}

	delta := new(big.Int).Sub(vch.Amount, storedAmount)
	if requiredCost != nil && delta.Cmp(requiredCost) < 0 {
		return nil, reject(ReasonInsufficientFunds, nil, "voucher adds %s, call costs %s", delta, requiredCost)
	}
	if vch.Amount.Cmp(ch.Deposit) > 0 {
		return nil, reject(ReasonInsufficientFunds, nil, "amount %s exceeds deposit %s", vch.Amount, ch.Deposit)
	}

	return &Accepted{
		Channel:      ch,
		Voucher:      vch,
		DeltaCharged: delta,
		Total:        new(big.Int).Set(vch.Amount),
		Remaining:    ch.Remaining(vch.Amount),
	}, nil
}

func isRejection(err error) bool {
	var rej *Rejection
	return errors.As(err, &rej)
}
