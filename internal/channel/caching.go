package channel

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmerrifield20/paygate/pkg/voucher"
	"go.uber.org/zap"
)

// CachingClient serves channel reads from a Cache and falls through to the
// wrapped Client on a miss or expiry. Claims are passed straight through.
type CachingClient struct {
	next   Client
	cache  Cache
	logger *zap.Logger
}

// NewCachingClient wraps next with cache.
func NewCachingClient(next Client, cache Cache, logger *zap.Logger) *CachingClient {
	return &CachingClient{next: next, cache: cache, logger: logger}
}

// GetChannel implements Client.
func (c *CachingClient) GetChannel(ctx context.Context, id voucher.ChannelID) (*Channel, error) {
	if ch, ok := c.cache.Get(ctx, id); ok {
		return ch, nil
	}
	return c.fetch(ctx, id)
}

// Fresh bypasses the cache, reads the channel from the ledger and refreshes
// the cached copy.
func (c *CachingClient) Fresh(ctx context.Context, id voucher.ChannelID) (*Channel, error) {
	c.cache.Invalidate(ctx, id)
	return c.fetch(ctx, id)
}

func (c *CachingClient) fetch(ctx context.Context, id voucher.ChannelID) (*Channel, error) {
	ch, err := c.next.GetChannel(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrChannelNotFound) {
			err = readFailure(err)
		}
		if errors.Is(err, ErrLedgerRead) {
			c.logger.Warn("channel read failed", zap.String("channel", id.Hex()), zap.Error(err))
		}
		return nil, err
	}
	c.cache.Set(ctx, ch)
	return ch, nil
}

// Claim implements Client.
func (c *CachingClient) Claim(ctx context.Context, v *voucher.Voucher) (common.Hash, error) {
	return c.next.Claim(ctx, v)
}

// WaitClaim implements Client.
func (c *CachingClient) WaitClaim(ctx context.Context, tx common.Hash) error {
	return c.next.WaitClaim(ctx, tx)
}
