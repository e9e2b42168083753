// Package rates supplies exchange rates between the three native assets,
// with a TTL cache and multi-source fallback, and sizes counter-leg amounts.
package rates

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crosslock-exchange/crosslockd/pkg/logging"
)

// Rate errors
var (
	ErrNoPriceData  = errors.New("no price data available")
	ErrUnknownAsset = errors.New("unknown asset")
)

// Asset is a native asset symbol.
type Asset string

const (
	AssetETH  Asset = "ETH"
	AssetNEAR Asset = "NEAR"
	AssetAPT  Asset = "APT"
)

// Assets lists every asset the service prices.
var Assets = []Asset{AssetETH, AssetNEAR, AssetAPT}

// assetDecimals is the base-unit exponent per asset.
var assetDecimals = map[Asset]int32{
	AssetETH:  18,
	AssetNEAR: 24,
	AssetAPT:  8,
}

// Source fetches USD spot prices for the three assets.
type Source interface {
	Name() string
	FetchUSD(ctx context.Context) (map[Asset]decimal.Decimal, error)
}

// Snapshot holds the pairwise rates derived from one successful fetch.
type Snapshot struct {
	// Rates maps "BASE/QUOTE" to the amount of QUOTE one BASE buys.
	// All six directed pairs are present.
	Rates     map[string]decimal.Decimal
	FetchedAt time.Time
	Source    string
}

// PairKey builds the lookup key for a directed pair.
func PairKey(base, quote Asset) string {
	return string(base) + "/" + string(quote)
}

// Config holds service configuration.
type Config struct {
	// Sources in priority order: aggregator first, spot sources after.
	Sources []Source
	// TTL for the snapshot cache.
	TTL time.Duration
	// DiscountBps is the conservative haircut applied when converting toward
	// ETH, the leg where the resolver bears settlement risk.
	DiscountBps int64
	Log         *logging.Logger
}

// Service implements the exchange-rate contract.
type Service struct {
	mu          sync.RWMutex
	sources     []Source
	cached      *Snapshot
	ttl         time.Duration
	discountBps int64
	log         *logging.Logger
	now         func() time.Time
}

// New creates a rate service.
func New(cfg *Config) *Service {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = logging.Default().Component("rates")
	}
	return &Service{
		sources:     cfg.Sources,
		ttl:         ttl,
		discountBps: cfg.DiscountBps,
		log:         log,
		now:         time.Now,
	}
}

// CurrentRates returns the pairwise rates. A fresh cache entry is served
// directly. Sources are tried in priority order; when every source fails an
// expired cache entry is served as a last resort, and only with no cache at
// all does the call fail.
func (s *Service) CurrentRates(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	cached := s.cached
	s.mu.RUnlock()

	if cached != nil && s.now().Sub(cached.FetchedAt) < s.ttl {
		return cached, nil
	}

	for _, src := range s.sources {
		prices, err := src.FetchUSD(ctx)
		if err != nil {
			s.log.Warn("price source failed", "source", src.Name(), "error", err)
			continue
		}
		snap, err := buildSnapshot(prices, src.Name(), s.now())
		if err != nil {
			s.log.Warn("price source returned incomplete data", "source", src.Name(), "error", err)
			continue
		}

		s.mu.Lock()
		s.cached = snap
		s.mu.Unlock()
		return snap, nil
	}

	if cached != nil {
		s.log.Warn("all price sources failed, serving stale snapshot",
			"age", s.now().Sub(cached.FetchedAt), "source", cached.Source)
		return cached, nil
	}
	return nil, ErrNoPriceData
}

// buildSnapshot derives the six directed pair rates from USD prices.
func buildSnapshot(prices map[Asset]decimal.Decimal, source string, at time.Time) (*Snapshot, error) {
	for _, a := range Assets {
		p, ok := prices[a]
		if !ok || p.Sign() <= 0 {
			return nil, fmt.Errorf("missing or non-positive USD price for %s", a)
		}
	}

	out := make(map[string]decimal.Decimal, len(Assets)*(len(Assets)-1))
	for _, base := range Assets {
		for _, quote := range Assets {
			if base == quote {
				continue
			}
			out[PairKey(base, quote)] = prices[base].Div(prices[quote])
		}
	}
	return &Snapshot{Rates: out, FetchedAt: at, Source: source}, nil
}

// Rate returns the directed pair rate from the current snapshot.
func (s *Service) Rate(ctx context.Context, base, quote Asset) (decimal.Decimal, error) {
	snap, err := s.CurrentRates(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	r, ok := snap.Rates[PairKey(base, quote)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrUnknownAsset, base, quote)
	}
	return r, nil
}

// Convert sizes the counter-leg: amount is in from's base units, the result
// in to's base units. Converting toward ETH applies the configured discount
// so stale rates cannot make the resolver over-pay on its at-risk leg.
func (s *Service) Convert(ctx context.Context, amount *big.Int, from, to Asset) (*big.Int, error) {
	fromDec, ok := assetDecimals[from]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, from)
	}
	toDec, ok := assetDecimals[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, to)
	}

	rate, err := s.Rate(ctx, from, to)
	if err != nil {
		return nil, err
	}

	value := decimal.NewFromBigInt(amount, -fromDec).Mul(rate)
	if to == AssetETH && s.discountBps > 0 {
		factor := decimal.NewFromInt(10000 - s.discountBps).Div(decimal.NewFromInt(10000))
		value = value.Mul(factor)
	}

	return value.Shift(toDec).Truncate(0).BigInt(), nil
}
