// Package pricing maps gated requests to their cost in the channel token's
// smallest unit. A Table is built once from configuration and never
// changes; pass it to whatever needs prices.
package pricing

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/jmerrifield20/paygate/pkg/voucher"
)

// ErrInvalidRoute is returned for a malformed route key.
var ErrInvalidRoute = errors.New("invalid price route")

// AnyMethod matches every HTTP method.
const AnyMethod = "*"

type route struct {
	method string
	prefix string
	price  *big.Int
}

// Table is an immutable price list.
type Table struct {
	def    *big.Int
	routes []route // longest prefix first
}

// NewTable builds a Table from a default price and route prices keyed as
// "METHOD /path/prefix" or "/path/prefix" (any method). Prices are decimal
// strings.
func NewTable(defaultPrice string, routes map[string]string) (*Table, error) {
	def, err := voucher.ParseUint(defaultPrice)
	if err != nil {
		return nil, fmt.Errorf("default price: %w", err)
	}

	t := &Table{def: def}
	for key, p := range routes {
		method, prefix, err := parseRoute(key)
		if err != nil {
			return nil, err
		}
		price, err := voucher.ParseUint(p)
		if err != nil {
			return nil, fmt.Errorf("price for %q: %w", key, err)
		}
		t.routes = append(t.routes, route{method: method, prefix: prefix, price: price})
	}
	sort.Slice(t.routes, func(i, j int) bool {
		a, b := t.routes[i], t.routes[j]
		if len(a.prefix) != len(b.prefix) {
			return len(a.prefix) > len(b.prefix)
		}
		// A specific method beats the wildcard for the same prefix.
		if (a.method == AnyMethod) != (b.method == AnyMethod) {
			return b.method == AnyMethod
		}
		return a.method < b.method
	})
	return t, nil
}

func parseRoute(key string) (method, prefix string, err error) {
	fields := strings.Fields(key)
	switch len(fields) {
	case 1:
		method, prefix = AnyMethod, fields[0]
	case 2:
		method, prefix = strings.ToUpper(fields[0]), fields[1]
	default:
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRoute, key)
	}
	if !strings.HasPrefix(prefix, "/") {
		return "", "", fmt.Errorf("%w: %q: path must start with /", ErrInvalidRoute, key)
	}
	if len(prefix) > 1 {
		prefix = strings.TrimSuffix(prefix, "/")
	}
	return method, prefix, nil
}

// Price returns the cost of a request. The longest matching route prefix
// wins; a prefix matches whole path segments only.
func (t *Table) Price(method, path string) *big.Int {
	method = strings.ToUpper(method)
	for _, r := range t.routes {
		if r.method != AnyMethod && r.method != method {
			continue
		}
		if matchPrefix(r.prefix, path) {
			return new(big.Int).Set(r.price)
		}
	}
	return new(big.Int).Set(t.def)
}

// Default returns the price of requests matching no route.
func (t *Table) Default() *big.Int {
	return new(big.Int).Set(t.def)
}

func matchPrefix(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
