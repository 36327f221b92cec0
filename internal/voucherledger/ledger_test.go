package voucherledger_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmerrifield20/paygate/internal/channel"
	"github.com/jmerrifield20/paygate/internal/voucherledger"
	"github.com/jmerrifield20/paygate/pkg/voucher"
	"go.uber.org/zap"
)

var ctx = context.Background()

var consumer = common.HexToAddress("0x00000000000000000000000000000000000000c1")

func testChannel(id string) *channel.Channel {
	return &channel.Channel{
		ID:       common.HexToHash(id),
		Consumer: consumer,
		Deposit:  big.NewInt(100000),
		Settled:  big.NewInt(0),
		Expiry:   time.Now().Add(time.Hour),
	}
}

func testVoucher(ch *channel.Channel, amount, nonce int64) *voucher.Voucher {
	return &voucher.Voucher{
		ChannelID: ch.ID,
		Amount:    big.NewInt(amount),
		Nonce:     big.NewInt(nonce),
		Signature: make([]byte, voucher.SignatureLength),
	}
}

func newLedger() (*voucherledger.Ledger, *voucherledger.MemoryStore) {
	store := voucherledger.NewMemoryStore()
	return voucherledger.New(store, zap.NewNop()), store
}

func TestRecordAccepted_storesFirstVoucher(t *testing.T) {
	l, _ := newLedger()
	ch := testChannel("0x01")

	ok, err := l.RecordAccepted(ctx, testVoucher(ch, 100, 1), consumer, ch)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("first voucher should be stored")
	}

	rec := l.Current(ch.ID)
	if rec == nil || rec.Amount.Int64() != 100 {
		t.Fatalf("Current: got %+v, want amount 100", rec)
	}
	if rec.Claimed {
		t.Error("new record must be unclaimed")
	}
}

func TestRecordAccepted_ignoresLowerOrEqual(t *testing.T) {
	l, _ := newLedger()
	ch := testChannel("0x01")

	_, _ = l.RecordAccepted(ctx, testVoucher(ch, 200, 2), consumer, ch)

	for _, amount := range []int64{100, 200} {
		ok, err := l.RecordAccepted(ctx, testVoucher(ch, amount, 3), consumer, ch)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Errorf("amount %d should not replace 200", amount)
		}
	}
	if got := l.Current(ch.ID).Amount.Int64(); got != 200 {
		t.Errorf("stored amount: got %d, want 200", got)
	}
}

func TestRecordAccepted_concurrentConvergesToMax(t *testing.T) {
	for round := 0; round < 50; round++ {
		l, store := newLedger()
		ch := testChannel("0x01")

		var wg sync.WaitGroup
		for _, amount := range []int64{300, 100, 500, 200, 400} {
			wg.Add(1)
			go func(a int64) {
				defer wg.Done()
				if _, err := l.RecordAccepted(ctx, testVoucher(ch, a, a), consumer, ch); err != nil {
					t.Error(err)
				}
			}(amount)
		}
		wg.Wait()

		if got := l.Current(ch.ID).Amount.Int64(); got != 500 {
			t.Fatalf("round %d: in-memory amount %d, want 500", round, got)
		}
		durable, err := store.Get(ctx, ch.ID)
		if err != nil {
			t.Fatal(err)
		}
		if durable.Amount.Int64() != 500 {
			t.Fatalf("round %d: durable amount %d, want 500", round, durable.Amount.Int64())
		}
	}
}

func TestRecordAccepted_monotonicUnderContention(t *testing.T) {
	l, _ := newLedger()
	ch := testChannel("0x01")

	done := make(chan struct{})
	violations := make(chan string, 1)
	go func() {
		var last int64
		for {
			select {
			case <-done:
				return
			default:
			}
			if rec := l.Current(ch.ID); rec != nil {
				if a := rec.Amount.Int64(); a < last {
					select {
					case violations <- "stored amount decreased":
					default:
					}
				} else {
					last = a
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for i := int64(1); i <= 100; i++ {
		wg.Add(1)
		go func(a int64) {
			defer wg.Done()
			_, _ = l.RecordAccepted(ctx, testVoucher(ch, (a*37)%101, a), consumer, ch)
		}(i)
	}
	wg.Wait()
	close(done)

	select {
	case msg := <-violations:
		t.Fatal(msg)
	default:
	}
	if got := l.Current(ch.ID).Amount.Int64(); got != 100 {
		t.Errorf("final amount: got %d, want 100", got)
	}
}

// failingStore rejects every write.
type failingStore struct {
	*voucherledger.MemoryStore
}

func (failingStore) Upsert(context.Context, *voucherledger.Record) (bool, error) {
	return false, errors.New("disk full")
}

func (failingStore) SaveClaim(context.Context, *voucherledger.Record) error {
	return errors.New("disk full")
}

func TestRecordAccepted_storageFailureLeavesStateUnchanged(t *testing.T) {
	l := voucherledger.New(failingStore{voucherledger.NewMemoryStore()}, zap.NewNop())
	ch := testChannel("0x01")

	ok, err := l.RecordAccepted(ctx, testVoucher(ch, 100, 1), consumer, ch)
	if !errors.Is(err, voucherledger.ErrStorageWrite) {
		t.Fatalf("expected ErrStorageWrite, got %v", err)
	}
	if ok {
		t.Error("failed write must not report success")
	}
	if rec := l.Current(ch.ID); rec != nil {
		t.Errorf("in-memory state changed after failed write: %+v", rec)
	}
}

func TestUpdate_fnErrorIsReturned(t *testing.T) {
	l, _ := newLedger()
	ch := testChannel("0x01")
	sentinel := errors.New("rejected")

	ok, err := l.Update(ctx, ch.ID, func(*voucherledger.Record) (*voucherledger.Record, error) {
		return nil, sentinel
	})
	if !errors.Is(err, sentinel) || ok {
		t.Errorf("Update: got (%v, %v), want (false, sentinel)", ok, err)
	}
}

func TestListUnclaimed(t *testing.T) {
	l, _ := newLedger()
	a := testChannel("0x01")
	b := testChannel("0x02")
	b.Expiry = a.Expiry.Add(-time.Minute)

	_, _ = l.RecordAccepted(ctx, testVoucher(a, 10, 1), consumer, a)
	_, _ = l.RecordAccepted(ctx, testVoucher(b, 20, 1), consumer, b)

	list := l.ListUnclaimed()
	if len(list) != 2 {
		t.Fatalf("expected 2 unclaimed, got %d", len(list))
	}
	if list[0].ChannelID != b.ID {
		t.Error("unclaimed list should be ordered by channel expiry")
	}

	if err := l.MarkClaimed(ctx, a.ID, big.NewInt(10), big.NewInt(1), common.HexToHash("0xaa")); err != nil {
		t.Fatal(err)
	}
	list = l.ListUnclaimed()
	if len(list) != 1 || list[0].ChannelID != b.ID {
		t.Errorf("after claiming a, unclaimed = %v", list)
	}
}

func TestMarkClaimed_setsClaimFields(t *testing.T) {
	l, store := newLedger()
	ch := testChannel("0x01")
	tx := common.HexToHash("0xbeef")
	_, _ = l.RecordAccepted(ctx, testVoucher(ch, 100, 1), consumer, ch)

	if err := l.MarkClaimed(ctx, ch.ID, big.NewInt(100), big.NewInt(1), tx); err != nil {
		t.Fatal(err)
	}

	for name, rec := range map[string]*voucherledger.Record{
		"memory": l.Current(ch.ID),
		"store":  mustGet(t, store, ch.ID),
	} {
		if !rec.Claimed || rec.ClaimedAt == nil || rec.ClaimTxHash == nil || *rec.ClaimTxHash != tx {
			t.Errorf("%s: claim fields not set: %+v", name, rec)
		}
		if rec.SettledAmount.Int64() != 100 {
			t.Errorf("%s: settled amount %s, want 100", name, rec.SettledAmount)
		}
	}
}

func TestMarkClaimed_superseded(t *testing.T) {
	l, _ := newLedger()
	ch := testChannel("0x01")
	_, _ = l.RecordAccepted(ctx, testVoucher(ch, 100, 1), consumer, ch)
	_, _ = l.RecordAccepted(ctx, testVoucher(ch, 150, 2), consumer, ch)

	err := l.MarkClaimed(ctx, ch.ID, big.NewInt(100), big.NewInt(1), common.HexToHash("0xaa"))
	if !errors.Is(err, voucherledger.ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}

	rec := l.Current(ch.ID)
	if rec.Claimed {
		t.Error("newer voucher must stay unclaimed")
	}
	if rec.Amount.Int64() != 150 {
		t.Errorf("amount: got %s, want 150", rec.Amount)
	}
	if rec.SettledAmount.Int64() != 100 {
		t.Errorf("settled amount: got %s, want 100", rec.SettledAmount)
	}
	if st := l.Stats(); st.UnclaimedCount != 1 || st.TotalEarned.Int64() != 100 {
		t.Errorf("stats: %+v", st)
	}
}

func TestMarkClaimPending(t *testing.T) {
	l, store := newLedger()
	ch := testChannel("0x01")
	tx := common.HexToHash("0xcafe")
	_, _ = l.RecordAccepted(ctx, testVoucher(ch, 100, 1), consumer, ch)

	if err := l.MarkClaimPending(ctx, ch.ID, big.NewInt(100), big.NewInt(1), tx); err != nil {
		t.Fatal(err)
	}
	if rec := mustGet(t, store, ch.ID); rec.PendingTxHash == nil || *rec.PendingTxHash != tx {
		t.Errorf("pending tx not persisted: %+v", rec)
	}

	err := l.MarkClaimPending(ctx, ch.ID, big.NewInt(99), big.NewInt(1), tx)
	if !errors.Is(err, voucherledger.ErrSuperseded) {
		t.Errorf("expected ErrSuperseded, got %v", err)
	}
}

func TestStats(t *testing.T) {
	l, _ := newLedger()
	a := testChannel("0x01")
	b := testChannel("0x02")
	_, _ = l.RecordAccepted(ctx, testVoucher(a, 100, 1), consumer, a)
	_, _ = l.RecordAccepted(ctx, testVoucher(b, 250, 1), consumer, b)
	_ = l.MarkClaimed(ctx, b.ID, big.NewInt(250), big.NewInt(1), common.HexToHash("0x01"))

	st := l.Stats()
	if st.ChannelCount != 2 {
		t.Errorf("ChannelCount: got %d, want 2", st.ChannelCount)
	}
	if st.UnclaimedCount != 1 {
		t.Errorf("UnclaimedCount: got %d, want 1", st.UnclaimedCount)
	}
	if st.TotalEarned.Int64() != 250 {
		t.Errorf("TotalEarned: got %s, want 250", st.TotalEarned)
	}
}

func TestLoad_restoresStateAcrossRestart(t *testing.T) {
	store := voucherledger.NewMemoryStore()
	first := voucherledger.New(store, zap.NewNop())
	a := testChannel("0x01")
	b := testChannel("0x02")
	_, _ = first.RecordAccepted(ctx, testVoucher(a, 100, 3), consumer, a)
	_, _ = first.RecordAccepted(ctx, testVoucher(b, 70, 1), consumer, b)
	_ = first.MarkClaimed(ctx, b.ID, big.NewInt(70), big.NewInt(1), common.HexToHash("0x01"))

	second := voucherledger.New(store, zap.NewNop())
	if err := second.Load(ctx); err != nil {
		t.Fatal(err)
	}

	if rec := second.Current(a.ID); rec == nil || rec.Amount.Int64() != 100 || rec.Nonce.Int64() != 3 {
		t.Errorf("channel a not restored: %+v", rec)
	}
	if rec := second.Current(b.ID); rec == nil || !rec.Claimed {
		t.Errorf("channel b claimed status not restored: %+v", rec)
	}

	// A stale voucher is still ignored after restart.
	if ok, _ := second.RecordAccepted(ctx, testVoucher(a, 90, 4), consumer, a); ok {
		t.Error("restart must not re-accept a lower voucher")
	}
}

func TestPrune(t *testing.T) {
	l, _ := newLedger()
	old := testChannel("0x01")
	old.Expiry = time.Now().Add(-48 * time.Hour)
	live := testChannel("0x02")
	_, _ = l.RecordAccepted(ctx, testVoucher(old, 10, 1), consumer, old)
	_, _ = l.RecordAccepted(ctx, testVoucher(live, 10, 1), consumer, live)
	_ = l.MarkClaimed(ctx, old.ID, big.NewInt(10), big.NewInt(1), common.HexToHash("0x01"))

	n, err := l.Prune(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d records, want 1", n)
	}
	if l.Current(old.ID) != nil {
		t.Error("pruned record still visible")
	}
	if l.Current(live.ID) == nil {
		t.Error("unclaimed record must not be pruned")
	}
}

func mustGet(t *testing.T, store voucherledger.Store, id voucher.ChannelID) *voucherledger.Record {
	t.Helper()
	rec, err := store.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}
