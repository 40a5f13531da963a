package fetcher

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weviu/apr-hunter-sub000/internal/storage"
)

func TestNormalizeRate(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"0.05", "5", true},
		{"0.999", "99.9", true},
		{"1", "1", true},
		{"8.5", "8.5", true},
		{"1000", "1000", true},
		{"1000.01", "", false},
		{"0", "", false},
		{"-3", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := NormalizeRate(decimal.RequireFromString(tt.in))
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s", got)
			}
		})
	}
}

func TestProbeRateCandidatesInOrder(t *testing.T) {
	fields := map[string]any{
		"estRate": "0",
		"avgRate": "4.2%",
		"preRate": "9",
	}
	got, ok := ProbeRate(fields, "missing", "estRate", "avgRate", "preRate")
	require.True(t, ok)
	assert.True(t, got.Equal(decimal.RequireFromString("4.2")))

	_, ok = ProbeRate(map[string]any{"apr": "n/a"}, "apr")
	assert.False(t, ok)
}

func TestProbeRateAcceptsJSONNumbers(t *testing.T) {
	rows, err := decodeRows(json.RawMessage(`[{"apy": 0.0123}]`))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	got, ok := ProbeRate(rows[0], "apy")
	require.True(t, ok)
	assert.True(t, got.Equal(decimal.RequireFromString("1.23")))
}

func TestCanonicalAssetAndChain(t *testing.T) {
	assert.Equal(t, "BTC", CanonicalAsset(" wbtc "))
	assert.Equal(t, "ETH", CanonicalAsset("stETH"))
	assert.Equal(t, "ETH", CanonicalAsset("WETH"))
	assert.Equal(t, "BTC", CanonicalAsset("XBT"))
	assert.Equal(t, "USDT", CanonicalAsset("usdt"))

	assert.Equal(t, "bitcoin", ChainFor("BTC"))
	assert.Equal(t, "polkadot", ChainFor("DOT"))
	assert.Equal(t, "polygon", ChainFor("MATIC"))
	assert.Equal(t, "ethereum", ChainFor("USDT"))
	assert.Equal(t, "ethereum", ChainFor("SOMETHINGNEW"))
}

func TestFormatLockPeriod(t *testing.T) {
	assert.Equal(t, LockFlexible, FormatLockPeriod(0))
	assert.Equal(t, "1 day", FormatLockPeriod(1))
	assert.Equal(t, "30 days", FormatLockPeriod(30))
	assert.Equal(t, 14, secondsToDays(json.Number("1209600")))
	assert.Equal(t, 1, secondsToDays(json.Number("3600")))
}

func TestDedupeKeepsHighestAPR(t *testing.T) {
	mk := func(asset, apr string) storage.RateObservation {
		return storage.RateObservation{Asset: asset, Platform: "X", Chain: "c", LockPeriod: LockFlexible, APR: decimal.RequireFromString(apr)}
	}
	got := Dedupe([]storage.RateObservation{mk("BTC", "3"), mk("ETH", "2"), mk("BTC", "5"), mk("BTC", "4")})
	require.Len(t, got, 2)
	assert.Equal(t, "BTC", got[0].Asset)
	assert.True(t, got[0].APR.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, "ETH", got[1].Asset)
}
