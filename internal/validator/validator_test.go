package validator_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jmerrifield20/paygate/internal/channel"
	"github.com/jmerrifield20/paygate/internal/validator"
	"github.com/jmerrifield20/paygate/internal/voucherledger"
	"github.com/jmerrifield20/paygate/pkg/voucher"
	"go.uber.org/zap"
)

var testDomain = voucher.Domain{
	Name:              "PaymentChannel",
	Version:           "1",
	ChainID:           big.NewInt(8453),
	VerifyingContract: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
}

var (
	testChannelID = common.HexToHash("0xaaaa000000000000000000000000000000000000000000000000000000000001")
	testNow       = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

// fakeChannels is an in-memory ChannelReader.
type fakeChannels struct {
	mu       sync.Mutex
	channels map[voucher.ChannelID]*channel.Channel
	err      error
}

func (f *fakeChannels) GetChannel(_ context.Context, id voucher.ChannelID) (*channel.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ch, ok := f.channels[id]
	if !ok {
		return nil, channel.ErrChannelNotFound
	}
	return ch, nil
}

type fixture struct {
	key      *ecdsa.PrivateKey
	channels *fakeChannels
	ledger   *voucherledger.Ledger
	store    *voucherledger.MemoryStore
	v        *validator.Validator
}

func newFixture(t *testing.T, deposit int64) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	channels := &fakeChannels{channels: map[voucher.ChannelID]*channel.Channel{
		testChannelID: {
			ID:       testChannelID,
			Consumer: crypto.PubkeyToAddress(key.PublicKey),
			Provider: common.HexToAddress("0x00000000000000000000000000000000000000b0"),
			Deposit:  big.NewInt(deposit),
			Settled:  new(big.Int),
			Expiry:   testNow.Add(24 * time.Hour),
		},
	}}
	store := voucherledger.NewMemoryStore()
	ledger := voucherledger.New(store, zap.NewNop())
	v := validator.New(channels, testDomain, ledger, zap.NewNop())
	v.SetClock(func() time.Time { return testNow })
	return &fixture{key: key, channels: channels, ledger: ledger, store: store, v: v}
}

func (f *fixture) sign(t *testing.T, amount, nonce int64) *voucher.Voucher {
	t.Helper()
	return signWith(t, f.key, amount, nonce)
}

func signWith(t *testing.T, key *ecdsa.PrivateKey, amount, nonce int64) *voucher.Voucher {
	t.Helper()
	v := &voucher.Voucher{
		ChannelID: testChannelID,
		Amount:    big.NewInt(amount),
		Nonce:     big.NewInt(nonce),
	}
	if err := testDomain.Sign(v, key); err != nil {
		t.Fatal(err)
	}
	return v
}

func wantReason(t *testing.T, err error, want validator.Reason) {
	t.Helper()
	var rej *validator.Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected Rejection(%s), got %v", want, err)
	}
	if rej.Reason != want {
		t.Errorf("reason: got %s, want %s (%s)", rej.Reason, want, rej.Detail)
	}
}

func TestCharge_firstVoucher(t *testing.T) {
	f := newFixture(t, 1_000_000)

	acc, err := f.v.Charge(context.Background(), f.sign(t, 100_000, 1), big.NewInt(100_000))
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if acc.DeltaCharged.Int64() != 100_000 {
		t.Errorf("delta: got %s, want 100000", acc.DeltaCharged)
	}
	if acc.Remaining.Int64() != 900_000 {
		t.Errorf("remaining: got %s, want 900000", acc.Remaining)
	}
	if acc.Replay {
		t.Error("first voucher flagged as replay")
	}
	if acc.Consumer != f.channels.channels[testChannelID].Consumer {
		t.Errorf("consumer: got %s", acc.Consumer.Hex())
	}

	rec := f.ledger.Current(testChannelID)
	if rec == nil || rec.Amount.Int64() != 100_000 || rec.Nonce.Int64() != 1 {
		t.Fatalf("ledger record: %+v", rec)
	}
}

func TestCharge_increment(t *testing.T) {
	f := newFixture(t, 1_000_000)
	ctx := context.Background()
	cost := big.NewInt(100_000)

	if _, err := f.v.Charge(ctx, f.sign(t, 100_000, 1), cost); err != nil {
		t.Fatal(err)
	}
	acc, err := f.v.Charge(ctx, f.sign(t, 200_000, 2), cost)
	if err != nil {
		t.Fatalf("second Charge: %v", err)
	}
	if acc.DeltaCharged.Int64() != 100_000 {
		t.Errorf("delta: got %s, want 100000", acc.DeltaCharged)
	}
	if acc.Total.Int64() != 200_000 {
		t.Errorf("total: got %s, want 200000", acc.Total)
	}
}

func TestCharge_replayIsIdempotent(t *testing.T) {
	f := newFixture(t, 1_000_000)
	ctx := context.Background()
	vch := f.sign(t, 100_000, 1)

	if _, err := f.v.Charge(ctx, vch, big.NewInt(100_000)); err != nil {
		t.Fatal(err)
	}
	acc, err := f.v.Charge(ctx, vch, big.NewInt(100_000))
	if err != nil {
		t.Fatalf("replay Charge: %v", err)
	}
	if !acc.Replay {
		t.Error("expected Replay")
	}
	if acc.DeltaCharged.Sign() != 0 {
		t.Errorf("replay delta: got %s, want 0", acc.DeltaCharged)
	}
	if got := f.ledger.Current(testChannelID).Amount.Int64(); got != 100_000 {
		t.Errorf("ledger amount after replay: got %d", got)
	}
}

func TestCharge_staleVouchers(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		nonce  int64
	}{
		{"lower nonce", 300_000, 1},
		{"lower amount", 100_000, 3},
		{"same nonce different amount", 300_000, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1_000_000)
			ctx := context.Background()
			if _, err := f.v.Charge(ctx, f.sign(t, 200_000, 2), big.NewInt(1)); err != nil {
				t.Fatal(err)
			}

			_, err := f.v.Charge(ctx, f.sign(t, tt.amount, tt.nonce), big.NewInt(1))
			wantReason(t, err, validator.ReasonStaleVoucher)

			if got := f.ledger.Current(testChannelID).Amount.Int64(); got != 200_000 {
				t.Errorf("ledger changed on stale voucher: %d", got)
			}
		})
	}
}

func TestCharge_insufficientIncrement(t *testing.T) {
	f := newFixture(t, 1_000_000)
	ctx := context.Background()
	if _, err := f.v.Charge(ctx, f.sign(t, 100_000, 1), big.NewInt(100_000)); err != nil {
		t.Fatal(err)
	}

	_, err := f.v.Charge(ctx, f.sign(t, 150_000, 2), big.NewInt(100_000))
	wantReason(t, err, validator.ReasonInsufficientFunds)
}

func TestCharge_exceedsDeposit(t *testing.T) {
	f := newFixture(t, 100_000)

	_, err := f.v.Charge(context.Background(), f.sign(t, 100_001, 1), big.NewInt(1))
	wantReason(t, err, validator.ReasonInsufficientFunds)

	// Exactly the deposit is allowed.
	acc, err := f.v.Charge(context.Background(), f.sign(t, 100_000, 1), big.NewInt(1))
	if err != nil {
		t.Fatalf("Charge at deposit: %v", err)
	}
	if acc.Remaining.Sign() != 0 {
		t.Errorf("remaining at deposit: got %s, want 0", acc.Remaining)
	}
}

func TestCharge_wrongSigner(t *testing.T) {
	f := newFixture(t, 1_000_000)
	other, _ := crypto.GenerateKey()

	_, err := f.v.Charge(context.Background(), signWith(t, other, 100_000, 1), big.NewInt(1))
	wantReason(t, err, validator.ReasonInvalidSignature)

	if f.ledger.Current(testChannelID) != nil {
		t.Error("ledger written for forged voucher")
	}
}

func TestCharge_tamperedAmount(t *testing.T) {
	f := newFixture(t, 1_000_000)
	vch := f.sign(t, 100_000, 1)
	vch.Amount = big.NewInt(900_000)

	_, err := f.v.Charge(context.Background(), vch, big.NewInt(1))
	wantReason(t, err, validator.ReasonInvalidSignature)
}

func TestCharge_channelNotFound(t *testing.T) {
	f := newFixture(t, 1_000_000)
	vch := f.sign(t, 100_000, 1)
	vch.ChannelID = common.HexToHash("0xbbbb")

	_, err := f.v.Charge(context.Background(), vch, big.NewInt(1))
	wantReason(t, err, validator.ReasonChannelNotFound)
}

func TestCharge_ledgerReadFailsClosed(t *testing.T) {
	f := newFixture(t, 1_000_000)
	f.channels.err = fmt.Errorf("%w: rpc timeout", channel.ErrLedgerRead)

	_, err := f.v.Charge(context.Background(), f.sign(t, 100_000, 1), big.NewInt(1))
	wantReason(t, err, validator.ReasonChannelNotFound)
	if !errors.Is(err, channel.ErrLedgerRead) {
		t.Errorf("cause not preserved: %v", err)
	}
}

func TestCharge_expiredChannel(t *testing.T) {
	f := newFixture(t, 1_000_000)
	f.v.SetClock(func() time.Time { return testNow.Add(25 * time.Hour) })

	_, err := f.v.Charge(context.Background(), f.sign(t, 100_000, 1), big.NewInt(1))
	wantReason(t, err, validator.ReasonChannelExpired)
}

func TestCharge_invalidFormat(t *testing.T) {
	f := newFixture(t, 1_000_000)
	vch := f.sign(t, 100_000, 1)
	vch.Signature = vch.Signature[:64]

	_, err := f.v.Charge(context.Background(), vch, big.NewInt(1))
	wantReason(t, err, validator.ReasonInvalidFormat)
}

// Two calls racing with the same increment: only one may spend it.
func TestCharge_concurrentSameVoucher(t *testing.T) {
	f := newFixture(t, 1_000_000)
	ctx := context.Background()
	if _, err := f.v.Charge(ctx, f.sign(t, 100_000, 1), big.NewInt(100_000)); err != nil {
		t.Fatal(err)
	}

	next := f.sign(t, 200_000, 2)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		charged int
		replays int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acc, err := f.v.Charge(ctx, next, big.NewInt(100_000))
			if err != nil {
				t.Errorf("Charge: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if acc.Replay {
				replays++
			} else {
				charged++
			}
		}()
	}
	wg.Wait()

	if charged != 1 {
		t.Errorf("charged %d times, want exactly 1 (replays=%d)", charged, replays)
	}
}

type failingStore struct {
	*voucherledger.MemoryStore
}

func (failingStore) Upsert(context.Context, *voucherledger.Record) (bool, error) {
	return false, errors.New("disk full")
}

func TestCharge_storageFailureChargesNothing(t *testing.T) {
	f := newFixture(t, 1_000_000)
	ledger := voucherledger.New(failingStore{voucherledger.NewMemoryStore()}, zap.NewNop())
	v := validator.New(f.channels, testDomain, ledger, zap.NewNop())
	v.SetClock(func() time.Time { return testNow })

	_, err := v.Charge(context.Background(), f.sign(t, 100_000, 1), big.NewInt(1))
	if !errors.Is(err, voucherledger.ErrStorageWrite) {
		t.Fatalf("expected ErrStorageWrite, got %v", err)
	}
	var rej *validator.Rejection
	if errors.As(err, &rej) {
		t.Error("storage failure reported as a rejection")
	}
	if ledger.Current(testChannelID) != nil {
		t.Error("ledger changed after storage failure")
	}
}

func TestValidate_doesNotRecord(t *testing.T) {
	f := newFixture(t, 1_000_000)

	acc, err := f.v.Validate(context.Background(), f.sign(t, 100_000, 1), big.NewInt(100_000))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if acc.DeltaCharged.Int64() != 100_000 {
		t.Errorf("delta: got %s", acc.DeltaCharged)
	}
	if f.ledger.Current(testChannelID) != nil {
		t.Error("Validate wrote to the ledger")
	}
}

func TestDecide_noStoredVoucher(t *testing.T) {
	ch := &channel.Channel{ID: testChannelID, Deposit: big.NewInt(500), Settled: new(big.Int)}
	vch := &voucher.Voucher{ChannelID: testChannelID, Amount: big.NewInt(50), Nonce: big.NewInt(0)}

	acc, rej := validator.Decide(vch, ch, nil, big.NewInt(50))
	if rej != nil {
		t.Fatalf("Decide: %v", rej)
	}
	if acc.DeltaCharged.Int64() != 50 || acc.Remaining.Int64() != 450 {
		t.Errorf("got delta=%s remaining=%s", acc.DeltaCharged, acc.Remaining)
	}

	_, rej = validator.Decide(vch, ch, nil, big.NewInt(51))
	if rej == nil || rej.Reason != validator.ReasonInsufficientFunds {
		t.Errorf("expected insufficient_funds, got %v", rej)
	}
}
