package channel

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jmerrifield20/paygate/pkg/voucher"
	"go.uber.org/zap"
)

// channelABI covers the two contract methods the gateway uses.
const channelABI = `[
  {"type":"function","name":"channels","stateMutability":"view",
   "inputs":[{"name":"channelId","type":"bytes32"}],
   "outputs":[
     {"name":"consumer","type":"address"},
     {"name":"provider","type":"address"},
     {"name":"deposit","type":"uint256"},
     {"name":"settled","type":"uint256"},
     {"name":"expiry","type":"uint64"}]},
  {"type":"function","name":"claim","stateMutability":"nonpayable",
   "inputs":[
     {"name":"channelId","type":"bytes32"},
     {"name":"amount","type":"uint256"},
     {"name":"nonce","type":"uint256"},
     {"name":"signature","type":"bytes"}],
   "outputs":[]}
]`

// EthConfig configures an EthClient.
type EthConfig struct {
	RPCURL       string
	Contract     common.Address
	ChainID      *big.Int
	ProviderKey  *ecdsa.PrivateKey
	GasLimit     uint64        // 0 = estimate
	PollInterval time.Duration // receipt polling, default 2s
}

// EthClient is a Client backed by an EVM JSON-RPC endpoint.
type EthClient struct {
	rpc      *ethclient.Client
	contract *bind.BoundContract
	auth     *bind.TransactOpts
	gasLimit uint64
	poll     time.Duration
	logger   *zap.Logger

	// submitMu orders claim submissions from the provider key so that
	// account nonces are assigned in sequence.
	submitMu sync.Mutex
}

// DialEth connects to cfg.RPCURL and binds the channel contract.
func DialEth(ctx context.Context, cfg EthConfig, logger *zap.Logger) (*EthClient, error) {
	if cfg.ProviderKey == nil {
		return nil, errors.New("provider key is required")
	}
	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}

	parsed, err := abi.JSON(strings.NewReader(channelABI))
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("parse channel ABI: %w", err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(cfg.ProviderKey, cfg.ChainID)
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("build transactor: %w", err)
	}

	poll := cfg.PollInterval
	if poll == 0 {
		poll = 2 * time.Second
	}

	return &EthClient{
		rpc:      rpc,
		contract: bind.NewBoundContract(cfg.Contract, parsed, rpc, rpc, rpc),
		auth:     auth,
		gasLimit: cfg.GasLimit,
		poll:     poll,
		logger:   logger,
	}, nil
}

// Close releases the RPC connection.
func (c *EthClient) Close() {
	c.rpc.Close()
}

// ChainID returns the chain id reported by the RPC endpoint. It is used at
// startup to prove the ledger is reachable.
func (c *EthClient) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.rpc.ChainID(ctx)
	if err != nil {
		return nil, readFailure(err)
	}
	return id, nil
}

// GetChannel implements Client.
func (c *EthClient) GetChannel(ctx context.Context, id voucher.ChannelID) (*Channel, error) {
	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "channels", [32]byte(id)); err != nil {
		return nil, readFailure(fmt.Errorf("channels(%s): %w", id.Hex(), err))
	}
	if len(out) != 5 {
		return nil, readFailure(fmt.Errorf("channels(%s): unexpected %d outputs", id.Hex(), len(out)))
	}

	consumer := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	if consumer == (common.Address{}) {
		return nil, ErrChannelNotFound
	}
	provider := *abi.ConvertType(out[1], new(common.Address)).(*common.Address)
	deposit := abi.ConvertType(out[2], new(big.Int)).(*big.Int)
	settled := abi.ConvertType(out[3], new(big.Int)).(*big.Int)
	expiry := *abi.ConvertType(out[4], new(uint64)).(*uint64)

	return &Channel{
		ID:       id,
		Consumer: consumer,
		Provider: provider,
		Deposit:  deposit,
		Settled:  settled,
		Expiry:   time.Unix(int64(expiry), 0).UTC(),
	}, nil
}

// Claim implements Client.
func (c *EthClient) Claim(ctx context.Context, v *voucher.Voucher) (common.Hash, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	opts := *c.auth
	opts.Context = ctx
	opts.GasLimit = c.gasLimit

	tx, err := c.contract.Transact(&opts, "claim", [32]byte(v.ChannelID), v.Amount, v.Nonce, v.Signature)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrClaimSubmit, err)
	}
	c.logger.Info("claim submitted",
		zap.String("channel", v.ChannelID.Hex()),
		zap.String("amount", v.Amount.String()),
		zap.String("tx", tx.Hash().Hex()),
	)
	return tx.Hash(), nil
}

// WaitClaim implements Client. It polls for the receipt until it appears or
// ctx ends.
func (c *EthClient) WaitClaim(ctx context.Context, tx common.Hash) error {
	t := time.NewTicker(c.poll)
	defer t.Stop()

	for {
		receipt, err := c.rpc.TransactionReceipt(ctx, tx)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("%w: tx %s", ErrClaimReverted, tx.Hex())
			}
			return nil
		case !errors.Is(err, ethereum.NotFound):
			c.logger.Debug("receipt lookup", zap.String("tx", tx.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for claim %s: %w", tx.Hex(), ctx.Err())
		case <-t.C:
		}
	}
}
