// Package feed supplies external reference prices. They are read only and
// serve sanity warnings; clearing never consults them.
package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/shopspring/decimal"
)

// ErrNoQuote is returned when no usable quote exists for a pair.
var ErrNoQuote = errors.New("no reference quote")

// Quote is one reference price observation.
type Quote struct {
	Pair   protocol.AssetPair `json:"pair"`
	Price  decimal.Decimal    `json:"price"`
	Source string             `json:"source"`
	At     time.Time          `json:"at"`
}

// Reference returns the latest reference price of a pair.
type Reference interface {
	Quote(ctx context.Context, pair protocol.AssetPair) (Quote, error)
}

// Deviation is |price - reference| / reference. A non-positive reference
// yields false.
func Deviation(price, reference decimal.Decimal) (decimal.Decimal, bool) {
	if !reference.IsPositive() {
		return decimal.Zero, false
	}
	return price.Sub(reference).Abs().Div(reference), true
}

// StaticFeed serves fixed quotes.
type StaticFeed struct {
	mu     sync.RWMutex
	quotes map[protocol.AssetPair]Quote
}

func NewStaticFeed(quotes ...Quote) *StaticFeed {
	f := &StaticFeed{quotes: make(map[protocol.AssetPair]Quote)}
	for _, q := range quotes {
		f.Set(q)
	}
	return f
}

func (f *StaticFeed) Set(q Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[q.Pair] = q
}

func (f *StaticFeed) Quote(_ context.Context, pair protocol.AssetPair) (Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.quotes[pair]
	if !ok {
		return Quote{}, ErrNoQuote
	}
	return q, nil
}
