package client

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"

	"github.com/jmerrifield20/paygate/pkg/voucher"
)

// Receipt is the payment accounting the gateway returns with a paid call.
type Receipt struct {
	Channel   voucher.ChannelID
	Cost      *big.Int // charged for this call
	Total     *big.Int // cumulative total charged on the channel
	Remaining *big.Int // deposit left
}

// ParseReceipt reads the accounting headers of a response. It returns nil
// and no error when the response carries none (a free route).
func ParseReceipt(h http.Header) (*Receipt, error) {
	if h.Get(voucher.HeaderTotal) == "" {
		return nil, nil
	}
	var (
		r   Receipt
		err error
	)
	if r.Channel, err = voucher.ParseChannelID(h.Get(voucher.HeaderChannel)); err != nil {
		return nil, fmt.Errorf("receipt channel: %w", err)
	}
	for _, f := range []struct {
		header string
		dst    **big.Int
	}{
		{voucher.HeaderCost, &r.Cost},
		{voucher.HeaderTotal, &r.Total},
		{voucher.HeaderRemaining, &r.Remaining},
	} {
		if *f.dst, err = voucher.ParseUint(h.Get(f.header)); err != nil {
			return nil, fmt.Errorf("receipt %s: %w", f.header, err)
		}
	}
	return &r, nil
}

// Payer signs vouchers for one payment channel. It tracks the cumulative
// amount and nonce so each call authorizes exactly its cost on top of what
// was already paid. A Payer is safe for concurrent use, but calls on one
// channel are serialized so vouchers reach the gateway in order.
type Payer struct {
	domain  voucher.Domain
	key     *ecdsa.PrivateKey
	channel voucher.ChannelID
	http    *http.Client

	mu     sync.Mutex
	amount *big.Int
	nonce  *big.Int
}

// NewPayer creates a Payer for channel, signing with key (the channel's
// consumer key) under domain.
func NewPayer(domain voucher.Domain, key *ecdsa.PrivateKey, channel voucher.ChannelID, opts ...Option) *Payer {
	o := defaultOptions(opts)
	return &Payer{
		domain:  domain,
		key:     key,
		channel: channel,
		http:    o.httpClient,
		amount:  new(big.Int),
		nonce:   new(big.Int),
	}
}

// Resume sets the last voucher accepted by the gateway, e.g. after a restart.
func (p *Payer) Resume(amount, nonce *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.amount = new(big.Int).Set(amount)
	p.nonce = new(big.Int).Set(nonce)
}

// Paid returns the cumulative amount of the last voucher signed.
func (p *Payer) Paid() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.amount)
}

// Sign returns the voucher for amount at nonce without changing state.
func (p *Payer) Sign(amount, nonce *big.Int) (*voucher.Voucher, error) {
	v := &voucher.Voucher{
		ChannelID: p.channel,
		Amount:    new(big.Int).Set(amount),
		Nonce:     new(big.Int).Set(nonce),
	}
	if err := p.domain.Sign(v, p.key); err != nil {
		return nil, err
	}
	return v, nil
}

// Do sends req with a voucher covering cost and returns the response and
// its receipt. A rejected voucher is returned as an *APIError and the
// payer's state is left where it was. If the request fails in transit the
// voucher may or may not have been recorded; the payer keeps the advanced
// state, so the next call pays for both at worst.
func (p *Payer) Do(req *http.Request, cost *big.Int) (*http.Response, *Receipt, error) {
	if cost == nil || cost.Sign() < 0 {
		return nil, nil, errors.New("cost must be a non-negative amount")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	amount := new(big.Int).Add(p.amount, cost)
	nonce := new(big.Int).Add(p.nonce, big.NewInt(1))
	v, err := p.Sign(amount, nonce)
	if err != nil {
		return nil, nil, err
	}
	header, err := v.Encode()
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set(voucher.HeaderVoucher, header)

	resp, err := p.http.Do(req)
	if err != nil {
		p.amount, p.nonce = amount, nonce
		return nil, nil, fmt.Errorf("paid request: %w", err)
	}
	if resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, nil, apiError(resp)
	}

	p.amount, p.nonce = amount, nonce
	receipt, err := ParseReceipt(resp.Header)
	if err != nil {
		resp.Body.Close()
		return nil, nil, err
	}
	return resp, receipt, nil
}
