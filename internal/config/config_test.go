package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

const testYAML = `
gateway:
  upstream_url: http://backend.internal:9000
chain:
  rpc_url: https://base.example/rpc
  contract: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  chain_id: 8453
  provider_key: "0xb71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
pricing:
  default: "1000"
  routes:
    - route: GET /v1/Search
      price: "5000"
    - route: /v1/bulk
      price: "20000"
settlement:
  interval: 30s
  auto_claim_buffer: 2h
  max_concurrent_claims: 8
admin:
  secret_hash: "$2a$10$abcdefghijklmnopqrstuu"
  jwt_key: "0123456789abcdef0123456789abcdef"
`

func loadYAML(t *testing.T, doc string) (*Config, error) {
	t.Helper()
	v := New()
	if err := v.ReadConfig(strings.NewReader(doc)); err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	return Load(v)
}

func TestLoad_fromYAML(t *testing.T) {
	cfg, err := loadYAML(t, testYAML)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Upstream.Host != "backend.internal:9000" {
		t.Errorf("upstream host: %q", cfg.Upstream.Host)
	}
	if cfg.Chain.ChainID.Int64() != 8453 {
		t.Errorf("chain id: %s", cfg.Chain.ChainID)
	}
	wantContract := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	if cfg.Chain.Contract != wantContract || cfg.Domain.VerifyingContract != wantContract {
		t.Errorf("contract: chain=%s domain=%s", cfg.Chain.Contract.Hex(), cfg.Domain.VerifyingContract.Hex())
	}
	if cfg.Domain.ChainID.Cmp(cfg.Chain.ChainID) != 0 || cfg.Domain.Name != "PaymentChannel" {
		t.Errorf("domain: %+v", cfg.Domain)
	}
	wantAddr := crypto.PubkeyToAddress(cfg.Chain.ProviderKey.PublicKey)
	if wantAddr == (common.Address{}) {
		t.Error("provider key not parsed")
	}

	if got := cfg.Pricing.Price("GET", "/v1/Search/x").Int64(); got != 5000 {
		t.Errorf("route price (case preserved): got %d", got)
	}
	if got := cfg.Pricing.Price("POST", "/v1/bulk").Int64(); got != 20000 {
		t.Errorf("any-method route price: got %d", got)
	}
	if got := cfg.Pricing.Price("GET", "/elsewhere").Int64(); got != 1000 {
		t.Errorf("default price: got %d", got)
	}

	if cfg.Settlement.Interval != 30*time.Second || cfg.Settlement.AutoClaimBuffer != 2*time.Hour {
		t.Errorf("settlement durations: %+v", cfg.Settlement)
	}
	if cfg.Settlement.MaxConcurrent != 8 {
		t.Errorf("max concurrent: %d", cfg.Settlement.MaxConcurrent)
	}
	if cfg.Settlement.ClaimTimeout != 2*time.Minute {
		t.Errorf("claim timeout default: %s", cfg.Settlement.ClaimTimeout)
	}
	if cfg.Payment.ReplayPolicy != ReplayServe {
		t.Errorf("replay policy default: %q", cfg.Payment.ReplayPolicy)
	}
	if cfg.Database.URL != "" || cfg.Redis.Addr != "" {
		t.Error("database and redis should default to in-process backends")
	}
}

func TestLoad_envOverride(t *testing.T) {
	t.Setenv("SETTLEMENT_INTERVAL", "5m")
	t.Setenv("PAYMENT_REPLAY_POLICY", "REJECT")

	cfg, err := loadYAML(t, testYAML)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Settlement.Interval != 5*time.Minute {
		t.Errorf("interval: got %s", cfg.Settlement.Interval)
	}
	if cfg.Payment.ReplayPolicy != ReplayReject {
		t.Errorf("replay policy: got %q", cfg.Payment.ReplayPolicy)
	}
}

func TestLoad_healthProbe(t *testing.T) {
	cfg, err := loadYAML(t, testYAML)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Probe.URL != "" {
		t.Errorf("probe should be disabled by default, got %q", cfg.Probe.URL)
	}

	doc := strings.Replace(testYAML,
		"  upstream_url: http://backend.internal:9000",
		"  upstream_url: http://backend.internal:9000\n  health_path: /status?deep=1", 1)
	cfg, err = loadYAML(t, doc)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Probe.URL != "http://backend.internal:9000/status?deep=1" {
		t.Errorf("probe url: %q", cfg.Probe.URL)
	}
	if cfg.Probe.Interval != 15*time.Second || cfg.Probe.FailThreshold != 3 {
		t.Errorf("probe defaults: %+v", cfg.Probe)
	}
}

func TestLoad_webhooks(t *testing.T) {
	cfg, err := loadYAML(t, testYAML+`
webhooks:
  - url: https://ops.example.com/hook
    secret: k1
    events: [claim.failed]
  - url: http://localhost:7000/all
    secret: k2
`)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Webhooks) != 2 {
		t.Fatalf("webhooks: %+v", cfg.Webhooks)
	}
	if cfg.Webhooks[0].Events[0] != "claim.failed" || len(cfg.Webhooks[1].Events) != 0 {
		t.Errorf("events: %+v", cfg.Webhooks)
	}

	_, err = loadYAML(t, testYAML+`
webhooks:
  - url: https://ops.example.com/hook
`)
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("missing secret: got %v", err)
	}
}

func TestLoad_invalid(t *testing.T) {
	tests := []struct {
		name string
		edit func(doc string) string
	}{
		{"missing contract", func(d string) string {
			return strings.Replace(d, `contract: "0x5FbDB2315678afecb367f032d93F642f64180aa3"`, `contract: ""`, 1)
		}},
		{"zero chain id", func(d string) string { return strings.Replace(d, "chain_id: 8453", "chain_id: 0", 1) }},
		{"bad provider key", func(d string) string { return strings.Replace(d, "0xb71c71a6", "0xzz1c71a6", 1) }},
		{"relative upstream", func(d string) string {
			return strings.Replace(d, "http://backend.internal:9000", "/backend", 1)
		}},
		{"bad price", func(d string) string { return strings.Replace(d, `default: "1000"`, `default: "1e3"`, 1) }},
		{"short jwt key", func(d string) string {
			return strings.Replace(d, `jwt_key: "0123456789abcdef0123456789abcdef"`, `jwt_key: "short"`, 1)
		}},
		{"bad replay policy", func(d string) string { return d + "payment:\n  replay_policy: charge\n" }},
		{"zero concurrency", func(d string) string {
			return strings.Replace(d, "max_concurrent_claims: 8", "max_concurrent_claims: 0", 1)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadYAML(t, tt.edit(testYAML))
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestParsePrivateKey(t *testing.T) {
	a, err := ParsePrivateKey(testKey)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParsePrivateKey("0x" + testKey)
	if err != nil {
		t.Fatal(err)
	}
	if crypto.PubkeyToAddress(a.PublicKey) != crypto.PubkeyToAddress(b.PublicKey) {
		t.Error("prefix changed the parsed key")
	}
	if _, err := ParsePrivateKey(""); err == nil {
		t.Error("empty key accepted")
	}
	if _, err := ParsePrivateKey("0x1234"); err == nil {
		t.Error("short key accepted")
	}
}
