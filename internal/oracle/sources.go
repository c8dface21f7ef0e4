package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"DustSweep/internal/web3"
)

const defaultFeedTimeout = 5 * time.Second

// ErrUnsupported is returned by a feed that has no data for the chain or token.
var ErrUnsupported = errors.New("price feed does not cover token")

// Source is one price feed.
type Source interface {
	Name() string
	Price(ctx context.Context, chain string, token common.Address) (decimal.Decimal, error)
}

// FeedConfig configures an HTTP price feed.
type FeedConfig struct {
	BaseURL   string
	Timeout   time.Duration
	Platforms map[string]Platform
	Client    *http.Client
}

type feed struct {
	baseURL   string
	platforms map[string]Platform
	client    *http.Client
}

func newFeed(cfg FeedConfig, defaultURL string) feed {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultURL
	}
	platforms := cfg.Platforms
	if platforms == nil {
		platforms = DefaultPlatforms
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultFeedTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return feed{baseURL: base, platforms: platforms, client: client}
}

func (f feed) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func isNative(token common.Address) bool {
	return token == web3.NativeTokenSentinel
}

// DefiLlama reads coins.llama.fi current prices.
type DefiLlama struct{ feed }

// NewDefiLlama builds the DefiLlama feed.
func NewDefiLlama(cfg FeedConfig) *DefiLlama {
	return &DefiLlama{newFeed(cfg, "https://coins.llama.fi")}
}

// Name implements Source.
func (*DefiLlama) Name() string { return "defillama" }

// Price implements Source.
func (d *DefiLlama) Price(ctx context.Context, chain string, token common.Address) (decimal.Decimal, error) {
	platform, ok := lookupPlatform(d.platforms, chain)
	if !ok || platform.DefiLlama == "" {
		return decimal.Zero, ErrUnsupported
	}
	key := platform.DefiLlama + ":" + strings.ToLower(token.Hex())
	if isNative(token) {
		if platform.NativeID == "" {
			return decimal.Zero, ErrUnsupported
		}
		key = "coingecko:" + platform.NativeID
	}
	var body struct {
		Coins map[string]struct {
			Price decimal.Decimal `json:"price"`
		} `json:"coins"`
	}
	if err := d.getJSON(ctx, d.baseURL+"/prices/current/"+url.PathEscape(key), &body); err != nil {
		return decimal.Zero, fmt.Errorf("defillama: %w", err)
	}
	for k, coin := range body.Coins {
		if strings.EqualFold(k, key) {
			return coin.Price, nil
		}
	}
	return decimal.Zero, ErrUnsupported
}

// CoinGecko reads the public simple price endpoints.
type CoinGecko struct {
	feed
	apiKey string
}

// NewCoinGecko builds the CoinGecko feed. apiKey may be empty.
func NewCoinGecko(cfg FeedConfig, apiKey string) *CoinGecko {
	return &CoinGecko{feed: newFeed(cfg, "https://api.coingecko.com/api/v3"), apiKey: strings.TrimSpace(apiKey)}
}

// Name implements Source.
func (*CoinGecko) Name() string { return "coingecko" }

// Price implements Source.
func (c *CoinGecko) Price(ctx context.Context, chain string, token common.Address) (decimal.Decimal, error) {
	platform, ok := lookupPlatform(c.platforms, chain)
	if !ok {
		return decimal.Zero, ErrUnsupported
	}
	params := url.Values{"vs_currencies": {"usd"}}
	var endpoint, key string
	if isNative(token) {
		if platform.NativeID == "" {
			return decimal.Zero, ErrUnsupported
		}
		key = platform.NativeID
		params.Set("ids", key)
		endpoint = c.baseURL + "/simple/price"
	} else {
		if platform.CoinGecko == "" {
			return decimal.Zero, ErrUnsupported
		}
		key = strings.ToLower(token.Hex())
		params.Set("contract_addresses", key)
		endpoint = c.baseURL + "/simple/token_price/" + url.PathEscape(platform.CoinGecko)
	}
	if c.apiKey != "" {
		params.Set("x_cg_demo_api_key", c.apiKey)
	}
	var body map[string]struct {
		USD decimal.Decimal `json:"usd"`
	}
	if err := c.getJSON(ctx, endpoint+"?"+params.Encode(), &body); err != nil {
		return decimal.Zero, fmt.Errorf("coingecko: %w", err)
	}
	for k, entry := range body {
		if strings.EqualFold(k, key) {
			return entry.USD, nil
		}
	}
	return decimal.Zero, ErrUnsupported
}

// DexScreener takes the most liquid pair quoting the token on the chain.
type DexScreener struct{ feed }

// NewDexScreener builds the DexScreener feed.
func NewDexScreener(cfg FeedConfig) *DexScreener {
	return &DexScreener{newFeed(cfg, "https://api.dexscreener.com")}
}

// Name implements Source.
func (*DexScreener) Name() string { return "dexscreener" }

// Price implements Source.
func (d *DexScreener) Price(ctx context.Context, chain string, token common.Address) (decimal.Decimal, error) {
	platform, ok := lookupPlatform(d.platforms, chain)
	if !ok || platform.DexScreener == "" || isNative(token) {
		return decimal.Zero, ErrUnsupported
	}
	var body struct {
		Pairs []struct {
			ChainID   string `json:"chainId"`
			PriceUSD  string `json:"priceUsd"`
			BaseToken struct {
				Address string `json:"address"`
			} `json:"baseToken"`
			Liquidity struct {
				USD float64 `json:"usd"`
			} `json:"liquidity"`
		} `json:"pairs"`
	}
	if err := d.getJSON(ctx, d.baseURL+"/latest/dex/tokens/"+token.Hex(), &body); err != nil {
		return decimal.Zero, fmt.Errorf("dexscreener: %w", err)
	}
	best, bestLiquidity := decimal.Zero, -1.0
	for _, pair := range body.Pairs {
		if pair.ChainID != platform.DexScreener || !strings.EqualFold(pair.BaseToken.Address, token.Hex()) {
			continue
		}
		price, err := decimal.NewFromString(pair.PriceUSD)
		if err != nil || !price.IsPositive() {
			continue
		}
		if pair.Liquidity.USD > bestLiquidity {
			best, bestLiquidity = price, pair.Liquidity.USD
		}
	}
	if !best.IsPositive() {
		return decimal.Zero, ErrUnsupported
	}
	return best, nil
}
