package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmerrifield20/paygate/pkg/voucher"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "paygate:channel:"

// cachedChannel is the JSON form of a Channel stored in Redis.
type cachedChannel struct {
	ID       string `json:"id"`
	Consumer string `json:"consumer"`
	Provider string `json:"provider"`
	Deposit  string `json:"deposit"`
	Settled  string `json:"settled"`
	Expiry   int64  `json:"expiry"`
}

// RedisCache is a Cache shared by every gateway replica. Redis errors are
// logged and treated as cache misses so that reads fall through to the ledger.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache creates a RedisCache with the given TTL.
func NewRedisCache(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl, logger: logger}
}

func redisKey(id voucher.ChannelID) string {
	return redisKeyPrefix + id.Hex()
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, id voucher.ChannelID) (*Channel, bool) {
	b, err := c.rdb.Get(ctx, redisKey(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("channel cache get", zap.String("channel", id.Hex()), zap.Error(err))
		}
		return nil, false
	}

	var cc cachedChannel
	if err := json.Unmarshal(b, &cc); err != nil {
		c.logger.Warn("channel cache decode", zap.String("channel", id.Hex()), zap.Error(err))
		return nil, false
	}
	ch, err := cc.channel()
	if err != nil {
		c.logger.Warn("channel cache decode", zap.String("channel", id.Hex()), zap.Error(err))
		return nil, false
	}
	return ch, true
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, ch *Channel) {
	b, err := json.Marshal(cachedChannel{
		ID:       ch.ID.Hex(),
		Consumer: ch.Consumer.Hex(),
		Provider: ch.Provider.Hex(),
		Deposit:  ch.Deposit.String(),
		Settled:  ch.Settled.String(),
		Expiry:   ch.Expiry.Unix(),
	})
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, redisKey(ch.ID), b, c.ttl).Err(); err != nil {
		c.logger.Warn("channel cache set", zap.String("channel", ch.ID.Hex()), zap.Error(err))
	}
}

// Invalidate implements Cache.
func (c *RedisCache) Invalidate(ctx context.Context, id voucher.ChannelID) {
	if err := c.rdb.Del(ctx, redisKey(id)).Err(); err != nil {
		c.logger.Warn("channel cache invalidate", zap.String("channel", id.Hex()), zap.Error(err))
	}
}

func (cc *cachedChannel) channel() (*Channel, error) {
	deposit, ok := new(big.Int).SetString(cc.Deposit, 10)
	if !ok {
		return nil, fmt.Errorf("bad deposit %q", cc.Deposit)
	}
	settled, ok := new(big.Int).SetString(cc.Settled, 10)
	if !ok {
		return nil, fmt.Errorf("bad settled amount %q", cc.Settled)
	}
	return &Channel{
		ID:       common.HexToHash(cc.ID),
		Consumer: common.HexToAddress(cc.Consumer),
		Provider: common.HexToAddress(cc.Provider),
		Deposit:  deposit,
		Settled:  settled,
		Expiry:   time.Unix(cc.Expiry, 0).UTC(),
	}, nil
}
