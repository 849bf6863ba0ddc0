package binanceclient

import (
	"strings"

	"github.com/anujsainicse/scalper-sub000/internal/ports"
)

// quoteAssets are tried longest first when splitting a native symbol.
var quoteAssets = []string{"FDUSD", "USDT", "USDC", "BUSD", "BTC", "ETH", "BNB"}

// NormalizeSymbol converts "ETH/USDT" to "ETHUSDT".
func NormalizeSymbol(symbol string) (string, error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(symbol)), "/")
	if len(parts) != 2 || !isAsset(parts[0]) || !isQuote(parts[1]) {
		return "", &ports.UnsupportedSymbolError{Exchange: exchangeName, Symbol: symbol}
	}
	return parts[0] + parts[1], nil
}

// DenormalizeSymbol converts "ETHUSDT" to "ETH/USDT".
func DenormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, quote := range quoteAssets {
		if strings.HasSuffix(s, quote) {
			base := strings.TrimSuffix(s, quote)
			if isAsset(base) {
				return base + "/" + quote, nil
			}
		}
	}
	return "", &ports.UnsupportedSymbolError{Exchange: exchangeName, Symbol: symbol}
}

func isQuote(s string) bool {
	for _, q := range quoteAssets {
		if s == q {
			return true
		}
	}
	return false
}

func isAsset(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
