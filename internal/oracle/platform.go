package oracle

import "strings"

// Platform maps one chain name to the identifiers each feed uses for it.
type Platform struct {
	DefiLlama   string
	CoinGecko   string
	DexScreener string
	// NativeID is the CoinGecko asset id of the chain's native token.
	NativeID string
}

// DefaultPlatforms covers the chains shipped in configs/chains.yaml.
var DefaultPlatforms = map[string]Platform{
	"ethereum": {DefiLlama: "ethereum", CoinGecko: "ethereum", DexScreener: "ethereum", NativeID: "ethereum"},
	"base":     {DefiLlama: "base", CoinGecko: "base", DexScreener: "base", NativeID: "ethereum"},
	"arbitrum": {DefiLlama: "arbitrum", CoinGecko: "arbitrum-one", DexScreener: "arbitrum", NativeID: "ethereum"},
	"optimism": {DefiLlama: "optimism", CoinGecko: "optimistic-ethereum", DexScreener: "optimism", NativeID: "ethereum"},
	"polygon":  {DefiLlama: "polygon", CoinGecko: "polygon-pos", DexScreener: "polygon", NativeID: "polygon-ecosystem-token"},
	"bsc":      {DefiLlama: "bsc", CoinGecko: "binance-smart-chain", DexScreener: "bsc", NativeID: "binancecoin"},
}

func lookupPlatform(platforms map[string]Platform, chain string) (Platform, bool) {
	p, ok := platforms[strings.ToLower(strings.TrimSpace(chain))]
	return p, ok
}
