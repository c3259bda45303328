// Package oracle provides USD price quotes to markets. Prices carry 18
// decimals; a missing pair is reported as absent rather than as an error.
package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/luxfi/leverage/pkg/chain"
	"github.com/luxfi/leverage/pkg/fixedpoint"
)

// Decimals is the precision of every oracle price
const Decimals = fixedpoint.OracleDecimals

var (
	ErrInvalidPrice   = errors.New("invalid price")
	ErrCircuitTripped = errors.New("price change exceeds circuit breaker limit")
)

// Quote is a price observation
type Quote struct {
	Timestamp uint64   `json:"timestamp"`
	Price     *big.Int `json:"price"`
}

// Getter is the read side of an oracle
type Getter interface {
	LatestPrice(pair string) (Quote, bool)
}

// PairSymbol returns the oracle pair for a token symbol, e.g. "ETH/USD"
func PairSymbol(symbol string) string {
	return strings.ToUpper(symbol) + "/USD"
}

// PriceUpdated is emitted whenever a feed accepts a new price
type PriceUpdated struct {
	Pair      string   `json:"pair"`
	OldPrice  *big.Int `json:"oldPrice,omitempty"`
	NewPrice  *big.Int `json:"newPrice"`
	Timestamp uint64   `json:"timestamp"`
}

// Topic implements chain.Event
func (PriceUpdated) Topic() string { return "oracle.PriceUpdated" }

// Feed is a settable oracle used by dev nodes and tests
type Feed struct {
	env    *chain.Env
	quotes *chain.Map[string, Quote]

	// maxChangePercent rejects updates moving more than this far from the
	// previous price. Zero disables the breaker.
	maxChangePercent uint64
}

// FeedOption configures a Feed
type FeedOption func(*Feed)

// WithMaxChange enables the price circuit breaker
func WithMaxChange(percent uint64) FeedOption {
	return func(f *Feed) { f.maxChangePercent = percent }
}

// NewFeed creates an empty feed
func NewFeed(env *chain.Env, opts ...FeedOption) *Feed {
	f := &Feed{
		env:    env,
		quotes: chain.NewMap[string, Quote](env),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SetPrice records price for pair, stamped with the environment clock
func (f *Feed) SetPrice(pair string, price *big.Int) error {
	return f.SetQuote(pair, Quote{Timestamp: uint64(f.env.Now().Unix()), Price: price})
}

// SetQuote records a quote for pair
func (f *Feed) SetQuote(pair string, q Quote) error {
	if q.Price == nil || q.Price.Sign() <= 0 || q.Price.Cmp(fixedpoint.MaxUint128) > 0 {
		return fmt.Errorf("%w for %s", ErrInvalidPrice, pair)
	}

	var old *big.Int
	if prev, ok := f.quotes.Get(pair); ok {
		old = prev.Price
		if err := f.checkChange(pair, old, q.Price); err != nil {
			return err
		}
	}

	f.quotes.Set(pair, Quote{Timestamp: q.Timestamp, Price: new(big.Int).Set(q.Price)})
	f.env.Emit(PriceUpdated{Pair: pair, OldPrice: old, NewPrice: new(big.Int).Set(q.Price), Timestamp: q.Timestamp})
	return nil
}

func (f *Feed) checkChange(pair string, old, next *big.Int) error {
	if f.maxChangePercent == 0 {
		return nil
	}
	diff := new(big.Int).Sub(next, old)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(100))
	limit := new(big.Int).Mul(old, new(big.Int).SetUint64(f.maxChangePercent))
	if diff.Cmp(limit) > 0 {
		return fmt.Errorf("%w: %s moved from %s to %s", ErrCircuitTripped, pair, old, next)
	}
	return nil
}

// LatestPrice implements Getter
func (f *Feed) LatestPrice(pair string) (Quote, bool) {
	q, ok := f.quotes.Get(pair)
	if !ok {
		return Quote{}, false
	}
	return Quote{Timestamp: q.Timestamp, Price: new(big.Int).Set(q.Price)}, true
}

// LatestPrices returns one entry per pair, nil where the pair is unknown
func (f *Feed) LatestPrices(pairs []string) []*Quote {
	out := make([]*Quote, len(pairs))
	for i, pair := range pairs {
		if q, ok := f.LatestPrice(pair); ok {
			out[i] = &q
		}
	}
	return out
}

// Pairs returns every pair the feed has a price for
func (f *Feed) Pairs() []string {
	pairs := make([]string, 0, f.quotes.Len())
	f.quotes.Range(func(pair string, _ Quote) bool {
		pairs = append(pairs, pair)
		return true
	})
	return pairs
}

// FeedState is the persisted form of a Feed
type FeedState struct {
	Quotes map[string]QuoteState `msgpack:"quotes"`
}

// QuoteState is one persisted quote
type QuoteState struct {
	Timestamp uint64 `msgpack:"timestamp"`
	Price     string `msgpack:"price"`
}

// Export snapshots the feed
func (f *Feed) Export() FeedState {
	st := FeedState{Quotes: make(map[string]QuoteState, f.quotes.Len())}
	f.quotes.Range(func(pair string, q Quote) bool {
		st.Quotes[pair] = QuoteState{Timestamp: q.Timestamp, Price: q.Price.String()}
		return true
	})
	return st
}

// Import replaces the feed's quotes
func (f *Feed) Import(st FeedState) error {
	quotes := chain.NewMap[string, Quote](f.env)
	for pair, q := range st.Quotes {
		price, err := fixedpoint.ParseAmount(q.Price)
		if err != nil {
			return fmt.Errorf("quote %s: %w", pair, err)
		}
		quotes.Set(pair, Quote{Timestamp: q.Timestamp, Price: price})
	}
	f.quotes = quotes
	return nil
}
