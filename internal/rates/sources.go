// Package rates - upstream price sources, in fallback priority order:
// CoinGecko (aggregator), then Binance and Coinbase spot prices.
package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

const httpTimeout = 10 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: httpTimeout}
}

func getJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// =========================================================================
// CoinGecko (primary aggregator)
// =========================================================================

// CoinGecko fetches USD prices from the CoinGecko simple-price endpoint.
type CoinGecko struct {
	BaseURL string
	APIKey  string
	client  *http.Client
}

// NewCoinGecko creates the aggregator source. apiKey may be empty.
func NewCoinGecko(apiKey string) *CoinGecko {
	return &CoinGecko{
		BaseURL: "https://api.coingecko.com",
		APIKey:  apiKey,
		client:  newHTTPClient(),
	}
}

func (c *CoinGecko) Name() string { return "coingecko" }

var coingeckoIDs = map[string]Asset{
	"ethereum": AssetETH,
	"near":     AssetNEAR,
	"aptos":    AssetAPT,
}

// FetchUSD implements Source.
func (c *CoinGecko) FetchUSD(ctx context.Context) (map[Asset]decimal.Decimal, error) {
	url := c.BaseURL + "/api/v3/simple/price?ids=ethereum,near,aptos&vs_currencies=usd"
	headers := map[string]string{}
	if c.APIKey != "" {
		headers["x-cg-demo-api-key"] = c.APIKey
	}

	var body map[string]struct {
		USD decimal.Decimal `json:"usd"`
	}
	if err := getJSON(ctx, c.client, url, headers, &body); err != nil {
		return nil, fmt.Errorf("coingecko: %w", err)
	}

	out := make(map[Asset]decimal.Decimal, len(coingeckoIDs))
	for id, asset := range coingeckoIDs {
		entry, ok := body[id]
		if !ok {
			return nil, fmt.Errorf("coingecko: missing price for %s", id)
		}
		out[asset] = entry.USD
	}
	return out, nil
}

// =========================================================================
// Binance spot
// =========================================================================

// Binance fetches USDT ticker prices as a USD proxy.
type Binance struct {
	BaseURL string
	client  *http.Client
}

// NewBinance creates the Binance spot source.
func NewBinance() *Binance {
	return &Binance{BaseURL: "https://api.binance.com", client: newHTTPClient()}
}

func (b *Binance) Name() string { return "binance" }

var binanceSymbols = map[string]Asset{
	"ETHUSDT":  AssetETH,
	"NEARUSDT": AssetNEAR,
	"APTUSDT":  AssetAPT,
}

// FetchUSD implements Source.
func (b *Binance) FetchUSD(ctx context.Context) (map[Asset]decimal.Decimal, error) {
	url := b.BaseURL + `/api/v3/ticker/price?symbols=["ETHUSDT","NEARUSDT","APTUSDT"]`

	var body []struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
	}
	if err := getJSON(ctx, b.client, url, nil, &body); err != nil {
		return nil, fmt.Errorf("binance: %w", err)
	}

	out := make(map[Asset]decimal.Decimal, len(binanceSymbols))
	for _, t := range body {
		if asset, ok := binanceSymbols[t.Symbol]; ok {
			out[asset] = t.Price
		}
	}
	if len(out) != len(binanceSymbols) {
		return nil, fmt.Errorf("binance: got %d of %d tickers", len(out), len(binanceSymbols))
	}
	return out, nil
}

// =========================================================================
// Coinbase spot
// =========================================================================

// Coinbase fetches spot prices, one request per asset.
type Coinbase struct {
	BaseURL string
	client  *http.Client
}

// NewCoinbase creates the Coinbase spot source.
func NewCoinbase() *Coinbase {
	return &Coinbase{BaseURL: "https://api.coinbase.com", client: newHTTPClient()}
}

func (c *Coinbase) Name() string { return "coinbase" }

// FetchUSD implements Source.
func (c *Coinbase) FetchUSD(ctx context.Context) (map[Asset]decimal.Decimal, error) {
	out := make(map[Asset]decimal.Decimal, len(Assets))
	for _, asset := range Assets {
		url := fmt.Sprintf("%s/v2/prices/%s-USD/spot", c.BaseURL, asset)

		var body struct {
			Data struct {
				Amount decimal.Decimal `json:"amount"`
			} `json:"data"`
		}
		if err := getJSON(ctx, c.client, url, nil, &body); err != nil {
			return nil, fmt.Errorf("coinbase: %w", err)
		}
		out[asset] = body.Data.Amount
	}
	return out, nil
}
