package voucherledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/paygate/pkg/voucher"
	"go.uber.org/zap"
)

const selectColumns = `channel_id, consumer, amount::text, nonce::text, signature, received_at,
	deposit::text, channel_expiry, claimed, claimed_at, claim_tx_hash,
	settled_amount::text, pending_tx_hash`

// PostgresStore persists one row per channel in the vouchers table.
// Every write is a single statement, durable on return.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Upsert implements Store. The compare-and-swap on amount runs in the
// database, so replicas sharing the table cannot regress a channel.
func (s *PostgresStore) Upsert(ctx context.Context, rec *Record) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO vouchers (channel_id, consumer, amount, nonce, signature, received_at,
		                      deposit, channel_expiry, claimed, settled_amount)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7::numeric, $8, FALSE, 0)
		ON CONFLICT (channel_id) DO UPDATE SET
			consumer        = EXCLUDED.consumer,
			amount          = EXCLUDED.amount,
			nonce           = EXCLUDED.nonce,
			signature       = EXCLUDED.signature,
			received_at     = EXCLUDED.received_at,
			deposit         = EXCLUDED.deposit,
			channel_expiry  = EXCLUDED.channel_expiry,
			claimed         = FALSE,
			claimed_at      = NULL,
			claim_tx_hash   = NULL,
			pending_tx_hash = NULL
		WHERE vouchers.amount < EXCLUDED.amount`,
		rec.ChannelID.Bytes(), rec.Consumer.Hex(),
		rec.Amount.String(), rec.Nonce.String(), rec.Signature, rec.ReceivedAt,
		rec.Deposit.String(), rec.ChannelExpiry,
	)
	if err != nil {
		return false, fmt.Errorf("upsert voucher: %w", err)
	}
	applied := tag.RowsAffected() == 1
	s.logger.Debug("voucher upsert",
		zap.String("channel", rec.ChannelID.Hex()),
		zap.String("amount", rec.Amount.String()),
		zap.Bool("applied", applied),
	)
	return applied, nil
}

// SaveClaim implements Store.
func (s *PostgresStore) SaveClaim(ctx context.Context, rec *Record) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE vouchers
		SET claimed = $2, claimed_at = $3, claim_tx_hash = $4,
		    settled_amount = $5::numeric, pending_tx_hash = $6
		WHERE channel_id = $1`,
		rec.ChannelID.Bytes(), rec.Claimed, rec.ClaimedAt,
		hashText(rec.ClaimTxHash), copyInt(rec.SettledAmount).String(), hashText(rec.PendingTxHash),
	)
	if err != nil {
		return fmt.Errorf("save claim state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id voucher.ChannelID) (*Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM vouchers WHERE channel_id = $1`, id.Bytes())
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// LoadAll implements Store.
func (s *PostgresStore) LoadAll(ctx context.Context) ([]*Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+` FROM vouchers ORDER BY received_at`)
	if err != nil {
		return nil, fmt.Errorf("query vouchers: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteClaimedBefore implements Store.
func (s *PostgresStore) DeleteClaimedBefore(ctx context.Context, cutoff time.Time) ([]voucher.ChannelID, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM vouchers WHERE claimed AND channel_expiry < $1 RETURNING channel_id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("delete claimed vouchers: %w", err)
	}
	defer rows.Close()

	var ids []voucher.ChannelID
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		ids = append(ids, common.BytesToHash(b))
	}
	return ids, rows.Err()
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		id                              []byte
		consumer                        string
		amount, nonce, deposit, settled string
		claimTx, pendingTx              *string
		rec                             Record
	)
	if err := row.Scan(
		&id, &consumer, &amount, &nonce, &rec.Signature, &rec.ReceivedAt,
		&deposit, &rec.ChannelExpiry, &rec.Claimed, &rec.ClaimedAt, &claimTx,
		&settled, &pendingTx,
	); err != nil {
		return nil, err
	}

	var err error
	rec.ChannelID = common.BytesToHash(id)
	rec.Consumer = common.HexToAddress(consumer)
	if rec.Amount, err = parseNumeric(amount); err != nil {
		return nil, err
	}
	if rec.Nonce, err = parseNumeric(nonce); err != nil {
		return nil, err
	}
	if rec.Deposit, err = parseNumeric(deposit); err != nil {
		return nil, err
	}
	if rec.SettledAmount, err = parseNumeric(settled); err != nil {
		return nil, err
	}
	rec.ClaimTxHash = textHash(claimTx)
	rec.PendingTxHash = textHash(pendingTx)
	return &rec, nil
}

func parseNumeric(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric %q", s)
	}
	return n, nil
}

func hashText(h *common.Hash) *string {
	if h == nil {
		return nil
	}
	s := h.Hex()
	return &s
}

func textHash(s *string) *common.Hash {
	if s == nil {
		return nil
	}
	h := common.HexToHash(*s)
	return &h
}
