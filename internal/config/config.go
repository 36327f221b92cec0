// Package config loads gateway configuration once at startup. Values come
// from paygate.yaml (in ./configs or .) and environment variables, with
// "." in keys replaced by "_" (settlement.interval -> SETTLEMENT_INTERVAL).
// The resulting Config is immutable and passed explicitly.
package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jmerrifield20/paygate/internal/pricing"
	"github.com/jmerrifield20/paygate/pkg/voucher"
	"github.com/spf13/viper"
)

// Replay policies for a voucher that was already applied.
const (
	ReplayServe  = "serve"
	ReplayReject = "reject"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete gateway configuration.
type Config struct {
	HTTP       HTTP
	GRPCPort   int
	Upstream   *url.URL
	Probe      Probe
	Database   Database
	Redis      Redis
	Chain      Chain
	Domain     voucher.Domain
	Pricing    *pricing.Table
	Payment    Payment
	Settlement Settlement
	Admin      Admin
	Webhooks   []WebhookConfig
}

type HTTP struct {
	Port         int
	CORSOrigins  []string
	RateLimitRPS int
	MaxBodyBytes int64
}

// Probe configures upstream health monitoring. An empty URL disables it.
type Probe struct {
	URL           string
	Interval      time.Duration
	FailThreshold int
}

// Database selects the voucher store. An empty URL uses the in-memory store.
type Database struct {
	URL string
}

// Redis selects the channel cache. An empty Addr uses the in-process cache.
type Redis struct {
	Addr     string
	Password string
	DB       int
}

type Chain struct {
	RPCURL       string
	Contract     common.Address
	ChainID      *big.Int
	ProviderKey  *ecdsa.PrivateKey
	GasLimit     uint64
	ReceiptPoll  time.Duration
	CacheTTL     time.Duration
	StartupProbe time.Duration
}

type Payment struct {
	ReplayPolicy string
}

type Settlement struct {
	Interval        time.Duration
	AutoClaimBuffer time.Duration
	ClaimTimeout    time.Duration
	MaxConcurrent   int
	Retention       time.Duration
	ShutdownTimeout time.Duration
}

type Admin struct {
	SecretHash string // bcrypt
	JWTKey     []byte
	TokenTTL   time.Duration
}

// WebhookConfig is one entry of webhooks. An empty Events list receives
// every event.
type WebhookConfig struct {
	URL    string   `mapstructure:"url"`
	Secret string   `mapstructure:"secret"`
	Events []string `mapstructure:"events"`
}

// RouteConfig is one entry of pricing.routes.
type RouteConfig struct {
	Route string `mapstructure:"route"`
	Price string `mapstructure:"price"`
}

// New returns a viper instance with every default set and file and
// environment lookup configured.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("paygate")
	v.SetConfigType("yaml")
	v.AddConfigPath("configs")
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("http.rate_limit_rps", 50)
	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("grpc.port", 9090)
	v.SetDefault("gateway.upstream_url", "http://localhost:9000")
	v.SetDefault("gateway.health_path", "")
	v.SetDefault("gateway.health_interval", 15*time.Second)
	v.SetDefault("gateway.health_fail_threshold", 3)
	v.SetDefault("database.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("chain.rpc_url", "http://localhost:8545")
	v.SetDefault("chain.contract", "")
	v.SetDefault("chain.chain_id", 0)
	v.SetDefault("chain.provider_key", "")
	v.SetDefault("chain.gas_limit", 0)
	v.SetDefault("chain.receipt_poll", 2*time.Second)
	v.SetDefault("chain.cache_ttl", 15*time.Second)
	v.SetDefault("chain.startup_probe_timeout", 10*time.Second)
	v.SetDefault("domain.name", "PaymentChannel")
	v.SetDefault("domain.version", "1")
	v.SetDefault("pricing.default", "0")
	v.SetDefault("payment.replay_policy", ReplayServe)
	v.SetDefault("settlement.interval", time.Minute)
	v.SetDefault("settlement.auto_claim_buffer", time.Hour)
	v.SetDefault("settlement.claim_timeout", 2*time.Minute)
	v.SetDefault("settlement.max_concurrent_claims", 4)
	v.SetDefault("settlement.retention", 30*24*time.Hour)
	v.SetDefault("settlement.shutdown_timeout", 30*time.Second)
	v.SetDefault("admin.secret_hash", "")
	v.SetDefault("admin.jwt_key", "")
	v.SetDefault("admin.token_ttl", time.Hour)
	return v
}

// Read loads the config file into v. A missing file is not an error; it
// reports whether a file was found.
func Read(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("read config: %w", err)
	}
	return true, nil
}

// Load validates v and copies it into a Config.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		HTTP: HTTP{
			Port:         v.GetInt("http.port"),
			CORSOrigins:  v.GetStringSlice("http.cors_origins"),
			RateLimitRPS: v.GetInt("http.rate_limit_rps"),
			MaxBodyBytes: v.GetInt64("http.max_body_bytes"),
		},
		GRPCPort: v.GetInt("grpc.port"),
		Database: Database{URL: v.GetString("database.url")},
		Redis: Redis{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Payment: Payment{ReplayPolicy: strings.ToLower(v.GetString("payment.replay_policy"))},
		Settlement: Settlement{
			Interval:        v.GetDuration("settlement.interval"),
			AutoClaimBuffer: v.GetDuration("settlement.auto_claim_buffer"),
			ClaimTimeout:    v.GetDuration("settlement.claim_timeout"),
			MaxConcurrent:   v.GetInt("settlement.max_concurrent_claims"),
			Retention:       v.GetDuration("settlement.retention"),
			ShutdownTimeout: v.GetDuration("settlement.shutdown_timeout"),
		},
		Admin: Admin{
			SecretHash: v.GetString("admin.secret_hash"),
			JWTKey:     []byte(v.GetString("admin.jwt_key")),
			TokenTTL:   v.GetDuration("admin.token_ttl"),
		},
	}

	upstream, err := url.Parse(v.GetString("gateway.upstream_url"))
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("%w: gateway.upstream_url must be an absolute URL", ErrInvalid)
	}
	cfg.Upstream = upstream

	if p := v.GetString("gateway.health_path"); p != "" {
		ref, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("%w: gateway.health_path: %v", ErrInvalid, err)
		}
		cfg.Probe = Probe{
			URL:           upstream.ResolveReference(ref).String(),
			Interval:      v.GetDuration("gateway.health_interval"),
			FailThreshold: v.GetInt("gateway.health_fail_threshold"),
		}
	}

	if cfg.Chain, err = loadChain(v); err != nil {
		return nil, err
	}
	cfg.Domain = voucher.Domain{
		Name:              v.GetString("domain.name"),
		Version:           v.GetString("domain.version"),
		ChainID:           cfg.Chain.ChainID,
		VerifyingContract: cfg.Chain.Contract,
	}

	var routes []RouteConfig
	if err := v.UnmarshalKey("pricing.routes", &routes); err != nil {
		return nil, fmt.Errorf("%w: pricing.routes: %v", ErrInvalid, err)
	}
	prices := make(map[string]string, len(routes))
	for _, r := range routes {
		prices[r.Route] = r.Price
	}
	if cfg.Pricing, err = pricing.NewTable(v.GetString("pricing.default"), prices); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	switch cfg.Payment.ReplayPolicy {
	case ReplayServe, ReplayReject:
	default:
		return nil, fmt.Errorf("%w: payment.replay_policy must be %q or %q", ErrInvalid, ReplayServe, ReplayReject)
	}
	if cfg.Settlement.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("%w: settlement.max_concurrent_claims must be positive", ErrInvalid)
	}
	if cfg.Settlement.Interval <= 0 {
		return nil, fmt.Errorf("%w: settlement.interval must be positive", ErrInvalid)
	}
	if err := v.UnmarshalKey("webhooks", &cfg.Webhooks); err != nil {
		return nil, fmt.Errorf("%w: webhooks: %v", ErrInvalid, err)
	}
	for i, w := range cfg.Webhooks {
		u, err := url.Parse(w.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: webhooks[%d].url must be an http(s) URL", ErrInvalid, i)
		}
		if w.Secret == "" {
			return nil, fmt.Errorf("%w: webhooks[%d].secret is required", ErrInvalid, i)
		}
	}
	if cfg.Admin.SecretHash != "" && len(cfg.Admin.JWTKey) < 32 {
		return nil, fmt.Errorf("%w: admin.jwt_key must be at least 32 bytes when admin is enabled", ErrInvalid)
	}
	return cfg, nil
}

func loadChain(v *viper.Viper) (Chain, error) {
	c := Chain{
		RPCURL:       v.GetString("chain.rpc_url"),
		GasLimit:     v.GetUint64("chain.gas_limit"),
		ReceiptPoll:  v.GetDuration("chain.receipt_poll"),
		CacheTTL:     v.GetDuration("chain.cache_ttl"),
		StartupProbe: v.GetDuration("chain.startup_probe_timeout"),
	}

	contract := v.GetString("chain.contract")
	if !common.IsHexAddress(contract) {
		return c, fmt.Errorf("%w: chain.contract must be a hex address", ErrInvalid)
	}
	c.Contract = common.HexToAddress(contract)

	id := v.GetInt64("chain.chain_id")
	if id <= 0 {
		return c, fmt.Errorf("%w: chain.chain_id must be positive", ErrInvalid)
	}
	c.ChainID = big.NewInt(id)

	key, err := ParsePrivateKey(v.GetString("chain.provider_key"))
	if err != nil {
		return c, fmt.Errorf("%w: chain.provider_key: %v", ErrInvalid, err)
	}
	c.ProviderKey = key
	return c, nil
}

// ParsePrivateKey parses a hex secp256k1 private key, with or without 0x.
func ParsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("missing private key")
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	return crypto.ToECDSA(b)
}
