// Package voucher defines the signed, cumulative payment voucher a caller
// attaches to a paid request, its header encoding, and the EIP-712 domain
// used to sign and verify it.
//
// A voucher authorizes the provider to claim up to Amount (a running total,
// not a delta) from the payment channel ChannelID. Each new voucher for a
// channel supersedes the previous one.
package voucher

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// HTTP headers exchanged between a paying caller and the gateway.
const (
	HeaderVoucher   = "X-Payment-Voucher"
	HeaderCost      = "X-Payment-Cost"
	HeaderTotal     = "X-Payment-Total"
	HeaderRemaining = "X-Payment-Remaining"
	HeaderChannel   = "X-Payment-Channel"
	HeaderPrice     = "X-Payment-Price"    // sent with 402 responses
	HeaderConsumer  = "X-Payment-Consumer" // forwarded upstream
)

// SignatureLength is the length of an r||s||v secp256k1 signature.
const SignatureLength = 65

// maxDecimalDigits bounds the decimal representation of a uint256.
const maxDecimalDigits = 78

// ErrInvalidFormat is returned when a voucher is structurally malformed.
var ErrInvalidFormat = errors.New("malformed voucher")

// ChannelID is the opaque 32-byte identifier of a payment channel.
type ChannelID = common.Hash

// Voucher is a signed cumulative payment authorization.
type Voucher struct {
	ChannelID ChannelID
	Amount    *big.Int
	Nonce     *big.Int
	Signature []byte
}

// wireVoucher is the JSON representation carried in HeaderVoucher.
type wireVoucher struct {
	ChannelID string `json:"channelId"`
	Amount    string `json:"amount"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// ParseChannelID decodes a 0x-prefixed, 64 hex digit channel identifier.
func ParseChannelID(s string) (ChannelID, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return ChannelID{}, fmt.Errorf("%w: channel id: %v", ErrInvalidFormat, err)
	}
	if len(b) != common.HashLength {
		return ChannelID{}, fmt.Errorf("%w: channel id must be %d bytes, got %d", ErrInvalidFormat, common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

// ParseUint parses a non-negative decimal integer that fits in 256 bits.
// Signs, whitespace and non-decimal digits are rejected.
func ParseUint(s string) (*big.Int, error) {
	if s == "" || len(s) > maxDecimalDigits {
		return nil, fmt.Errorf("%w: %q is not a uint256 decimal", ErrInvalidFormat, s)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("%w: %q is not a uint256 decimal", ErrInvalidFormat, s)
		}
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.BitLen() > 256 {
		return nil, fmt.Errorf("%w: %q is not a uint256 decimal", ErrInvalidFormat, s)
	}
	return n, nil
}

// Parse decodes a voucher from its header value. The value is a JSON object,
// either raw or base64 encoded (standard or URL alphabet, padded or not).
func Parse(header string) (*Voucher, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("%w: empty header", ErrInvalidFormat)
	}

	raw := []byte(header)
	if header[0] != '{' {
		decoded, err := decodeBase64(header)
		if err != nil {
			return nil, fmt.Errorf("%w: header is neither JSON nor base64", ErrInvalidFormat)
		}
		raw = decoded
	}

	var v Voucher
	if err := json.Unmarshal(raw, &v); err != nil {
		if errors.Is(err, ErrInvalidFormat) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return &v, nil
}

func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding, base64.URLEncoding,
		base64.RawStdEncoding, base64.StdEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("invalid base64")
}

// Encode returns the base64url header value for v.
func (v *Voucher) Encode() (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Check verifies that v is structurally well-formed.
func (v *Voucher) Check() error {
	switch {
	case v == nil:
		return fmt.Errorf("%w: nil voucher", ErrInvalidFormat)
	case v.Amount == nil || v.Amount.Sign() < 0 || v.Amount.BitLen() > 256:
		return fmt.Errorf("%w: amount must be a uint256", ErrInvalidFormat)
	case v.Nonce == nil || v.Nonce.Sign() < 0 || v.Nonce.BitLen() > 256:
		return fmt.Errorf("%w: nonce must be a uint256", ErrInvalidFormat)
	case len(v.Signature) != SignatureLength:
		return fmt.Errorf("%w: signature must be %d bytes, got %d", ErrInvalidFormat, SignatureLength, len(v.Signature))
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (v *Voucher) MarshalJSON() ([]byte, error) {
	w := wireVoucher{
		ChannelID: v.ChannelID.Hex(),
		Signature: hexutil.Encode(v.Signature),
	}
	if v.Amount != nil {
		w.Amount = v.Amount.String()
	}
	if v.Nonce != nil {
		w.Nonce = v.Nonce.String()
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler. Every field is required.
func (v *Voucher) UnmarshalJSON(data []byte) error {
	var w wireVoucher
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	id, err := ParseChannelID(w.ChannelID)
	if err != nil {
		return err
	}
	amount, err := ParseUint(w.Amount)
	if err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	nonce, err := ParseUint(w.Nonce)
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	sig, err := hexutil.Decode(w.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature: %v", ErrInvalidFormat, err)
	}
	if len(sig) != SignatureLength {
		return fmt.Errorf("%w: signature must be %d bytes, got %d", ErrInvalidFormat, SignatureLength, len(sig))
	}

	*v = Voucher{ChannelID: id, Amount: amount, Nonce: nonce, Signature: sig}
	return nil
}
