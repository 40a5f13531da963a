package fetcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/weviu/apr-hunter-sub000/internal/storage"
)

// LockFlexible is the lock period of redeem-anytime products.
const LockFlexible = "Flexible"

const defaultChain = "ethereum"

var (
	hundred = decimal.NewFromInt(100)
	maxAPR  = decimal.NewFromInt(1000)
)

// Wrapped and exchange-specific tickers that collapse into one asset.
var assetAliases = map[string]string{
	"WBTC":   "BTC",
	"BTCB":   "BTC",
	"XBT":    "BTC",
	"XXBT":   "BTC",
	"WETH":   "ETH",
	"STETH":  "ETH",
	"WSTETH": "ETH",
	"BETH":   "ETH",
	"XETH":   "ETH",
	"XDG":    "DOGE",
	"XXDG":   "DOGE",
	"USDC.E": "USDC",
}

var assetChains = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"SOL":  "solana",
	"DOT":  "polkadot",
	"KSM":  "kusama",
	"ADA":  "cardano",
	"ATOM": "cosmos",
	"AVAX": "avalanche",
	"BNB":  "bsc",
	"TRX":  "tron",
	"POL":  "polygon",
	"NEAR": "near",
	"TON":  "ton",
	"XRP":  "ripple",
	"DOGE": "dogecoin",
	"LTC":  "litecoin",
	"SUI":  "sui",
	"APT":  "aptos",
	"TIA":  "celestia",
	"INJ":  "injective",
	"SEI":  "sei",
	"FLOW": "flow",
	"XTZ":  "tezos",
	"ALGO": "algorand",
}

func init() {
	assetChains["MATIC"] = assetChains["POL"]
}

// CanonicalAsset upper-cases a ticker and folds known aliases.
func CanonicalAsset(raw string) string {
	asset := strings.ToUpper(strings.TrimSpace(raw))
	if alias, ok := assetAliases[asset]; ok {
		return alias
	}
	return asset
}

// ChainFor maps a canonical asset to its native chain.
func ChainFor(asset string) string {
	if chain, ok := assetChains[asset]; ok {
		return chain
	}
	return defaultChain
}

// NormalizeRate converts a raw rate into a percentage inside (0, 1000].
// Values below 1 are read as fractions.
func NormalizeRate(value decimal.Decimal) (decimal.Decimal, bool) {
	if !value.IsPositive() {
		return decimal.Decimal{}, false
	}
	if value.LessThan(decimal.NewFromInt(1)) {
		value = value.Mul(hundred)
	}
	if value.GreaterThan(maxAPR) {
		return decimal.Decimal{}, false
	}
	return value, true
}

// ProbeRate returns the first candidate field holding a positive number,
// normalised with NormalizeRate. Strings may carry a trailing percent sign.
func ProbeRate(fields map[string]any, candidates ...string) (decimal.Decimal, bool) {
	for _, name := range candidates {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		value, ok := parseNumber(raw)
		if !ok || !value.IsPositive() {
			continue
		}
		return NormalizeRate(value)
	}
	return decimal.Decimal{}, false
}

// ProbeString returns the first candidate field holding a non-empty string.
func ProbeString(fields map[string]any, candidates ...string) string {
	for _, name := range candidates {
		if s, ok := fields[name].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func parseNumber(raw any) (decimal.Decimal, bool) {
	switch v := raw.(type) {
	case string:
		s := strings.TrimSuffix(strings.TrimSpace(v), "%")
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	case float64:
		return decimal.NewFromFloat(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	default:
		return decimal.Decimal{}, false
	}
}

// optionalNumber parses a non-negative amount such as a minimum stake.
func optionalNumber(raw any) *decimal.Decimal {
	value, ok := parseNumber(raw)
	if !ok || value.IsNegative() || value.IsZero() {
		return nil
	}
	return &value
}

// FormatLockPeriod renders a lock duration in days.
func FormatLockPeriod(days int) string {
	switch {
	case days <= 0:
		return LockFlexible
	case days == 1:
		return "1 day"
	default:
		return fmt.Sprintf("%d days", days)
	}
}

// Dedupe keeps the highest-APR observation per identity key, in first-seen order.
func Dedupe(observations []storage.RateObservation) []storage.RateObservation {
	index := make(map[storage.RateKey]int, len(observations))
	out := make([]storage.RateObservation, 0, len(observations))
	for _, obs := range observations {
		key := obs.Key()
		if i, ok := index[key]; ok {
			if obs.APR.GreaterThan(out[i].APR) {
				out[i] = obs
			}
			continue
		}
		index[key] = len(out)
		out = append(out, obs)
	}
	return out
}

// decodeRows decodes a JSON array of objects keeping numbers exact.
func decodeRows(raw json.RawMessage) ([]map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rows []map[string]any
	if err := dec.Decode(&rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// observation assembles a canonical observation from a raw ticker.
func (b *base) observation(pt storage.PlatformType, rawAsset string, apr decimal.Decimal, lock, source string) storage.RateObservation {
	asset := CanonicalAsset(rawAsset)
	if lock == "" {
		lock = LockFlexible
	}
	return storage.RateObservation{
		Asset:        asset,
		Platform:     b.platform,
		PlatformType: pt,
		Chain:        ChainFor(asset),
		APR:          apr,
		LockPeriod:   lock,
		Source:       source,
		LastUpdated:  b.now().UTC(),
	}
}

func nestedFields(fields map[string]any, name string) map[string]any {
	nested, _ := fields[name].(map[string]any)
	return nested
}

func intValue(raw any) int {
	value, ok := parseNumber(raw)
	if !ok {
		return 0
	}
	return int(value.IntPart())
}
