package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weviu/apr-hunter-sub000/internal/storage"
)

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func testOptions(baseURL string, creds CredentialSource) Options {
	return Options{
		BaseURL:     baseURL,
		Timeout:     2 * time.Second,
		Credentials: creds,
		Now:         func() time.Time { return fixedNow },
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func findByAsset(t *testing.T, obs []storage.RateObservation, asset string) storage.RateObservation {
	t.Helper()
	for _, o := range obs {
		if o.Asset == asset {
			return o
		}
	}
	t.Fatalf("no observation for %s in %+v", asset, obs)
	return storage.RateObservation{}
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(decimal.RequireFromString(want)), "want %s, got %s", want, got)
}

func TestBinanceFetch(t *testing.T) {
	creds := StaticCredentials{"binance": {APIKey: "bn-key", APISecret: "bn-secret"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bn-key", r.Header.Get("X-MBX-APIKEY"))
		query := r.URL.RawQuery
		idx := strings.LastIndex(query, "&signature=")
		if !assert.Positive(t, idx) {
			return
		}
		assert.Equal(t, hmacSHA256Hex("bn-secret", query[:idx]), query[idx+len("&signature="):])
		assert.Equal(t, "1767323045000", r.URL.Query().Get("timestamp"))

		switch r.URL.Path {
		case "/sapi/v1/simple-earn/flexible/list":
			writeJSON(t, w, map[string]any{"total": 2, "rows": []map[string]any{
				{"asset": "BTC", "latestAnnualPercentageRate": "0.05", "minPurchaseAmount": "0.001"},
				{"asset": "DUST", "latestAnnualPercentageRate": "0"},
			}})
		case "/sapi/v1/simple-earn/locked/list":
			writeJSON(t, w, map[string]any{"total": 1, "rows": []map[string]any{
				{"detail": map[string]any{"asset": "AXS", "apr": "12.5", "duration": 30}, "quota": map[string]any{"minimum": "1"}},
			}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	obs, err := NewBinance(testOptions(srv.URL, creds), zerolog.Nop()).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, obs, 2)

	btc := findByAsset(t, obs, "BTC")
	assertDecimal(t, "5", btc.APR)
	assert.Equal(t, "Binance", btc.Platform)
	assert.Equal(t, storage.PlatformExchange, btc.PlatformType)
	assert.Equal(t, "bitcoin", btc.Chain)
	assert.Equal(t, LockFlexible, btc.LockPeriod)
	assert.Equal(t, "binance_simple_earn_flexible", btc.Source)
	assert.Equal(t, fixedNow, btc.LastUpdated)
	require.NotNil(t, btc.MinStake)
	assertDecimal(t, "0.001", *btc.MinStake)

	axs := findByAsset(t, obs, "AXS")
	assertDecimal(t, "12.5", axs.APR)
	assert.Equal(t, "30 days", axs.LockPeriod)
	assert.Equal(t, "ethereum", axs.Chain)
	assert.Equal(t, "binance_simple_earn_locked", axs.Source)
}

func TestFetchWithoutCredentialsIsEmpty(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	partial := StaticCredentials{
		"okx":    {APIKey: "k", APISecret: "s"},
		"kucoin": {APIKey: "k", APISecret: "s"},
	}
	connectors := []Connector{
		NewBinance(testOptions(srv.URL, partial), zerolog.Nop()),
		NewOKX(testOptions(srv.URL, partial), zerolog.Nop()),
		NewKuCoin(testOptions(srv.URL, partial), zerolog.Nop()),
		NewGate(testOptions(srv.URL, partial), zerolog.Nop()),
		NewKraken(KrakenOptions{Options: testOptions(srv.URL, partial)}, zerolog.Nop()),
		NewAave(AaveOptions{Credentials: partial, Reserves: map[string]string{"usdc": "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"}}, zerolog.Nop()),
	}
	for _, c := range connectors {
		t.Run(c.Name(), func(t *testing.T) {
			obs, err := c.Fetch(context.Background())
			require.NoError(t, err)
			assert.Empty(t, obs)
			configurable, ok := c.(Configurable)
			require.True(t, ok)
			assert.False(t, configurable.Configured())
		})
	}
	assert.Zero(t, hits.Load())
}

func TestUpstreamErrorTruncatesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(strings.Repeat("x", 1000)))
	}))
	defer srv.Close()

	creds := StaticCredentials{"gate": {APIKey: "k", APISecret: "s"}}
	_, err := NewGate(testOptions(srv.URL, creds), zerolog.Nop()).Fetch(context.Background())

	var upstream *UpstreamHTTPError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "gate", upstream.Source)
	assert.Equal(t, http.StatusUnauthorized, upstream.Status)
	assert.LessOrEqual(t, len(upstream.Body), maxErrorBody+3)
}

func TestTruncateBodyKeepsRunesWhole(t *testing.T) {
	body := truncateBody([]byte("x" + strings.Repeat("汇", 200)))
	assert.True(t, utf8.ValidString(body))
	assert.True(t, strings.HasSuffix(body, "..."))
	assert.LessOrEqual(t, len(body), maxErrorBody+3)
	assert.Equal(t, "abc", truncateBody([]byte("  abc\n")))
}

func TestMalformedBodyIsParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rows": [not json`))
	}))
	defer srv.Close()

	creds := StaticCredentials{"binance": {APIKey: "k", APISecret: "s"}}
	_, err := NewBinance(testOptions(srv.URL, creds), zerolog.Nop()).Fetch(context.Background())

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "binance", parseErr.Source)
}

func TestFetchTimeoutIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	opts := testOptions(srv.URL, nil)
	opts.Timeout = 50 * time.Millisecond
	_, err := NewDefiLlama(DefiLlamaOptions{Options: opts}, zerolog.Nop()).Fetch(context.Background())

	var upstream *UpstreamHTTPError
	require.ErrorAs(t, err, &upstream)
	assert.Zero(t, upstream.Status)
}

func TestFetchTimeoutCoversEveryRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
			return
		case <-time.After(700 * time.Millisecond):
		}
		writeJSON(t, w, map[string]any{"total": 1, "rows": []map[string]any{
			{"asset": "BTC", "latestAnnualPercentageRate": "0.05"},
		}})
	}))
	defer srv.Close()

	opts := testOptions(srv.URL, StaticCredentials{"binance": {APIKey: "k", APISecret: "s"}})
	opts.Timeout = time.Second

	start := time.Now()
	_, err := NewBinance(opts, zerolog.Nop()).Fetch(context.Background())
	elapsed := time.Since(start)

	var upstream *UpstreamHTTPError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "binance", upstream.Source)
	assert.Less(t, elapsed, 1400*time.Millisecond)
	assert.Equal(t, int32(2), hits.Load())
}

func TestOKXFetch(t *testing.T) {
	creds := StaticCredentials{"okx": {APIKey: "ok-key", APISecret: "ok-secret", Passphrase: "ok-pass"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts := r.Header.Get("OK-ACCESS-TIMESTAMP")
		assert.Equal(t, "2026-01-02T03:04:05.000Z", ts)
		assert.Equal(t, "ok-pass", r.Header.Get("OK-ACCESS-PASSPHRASE"))
		assert.Equal(t, okxSign("ok-secret", ts, r.Method, r.URL.Path, ""), r.Header.Get("OK-ACCESS-SIGN"))

		switch r.URL.Path {
		case okxSavingsPath:
			writeJSON(t, w, map[string]any{"code": "0", "data": []map[string]any{
				{"ccy": "USDT", "estRate": "", "avgRate": "0.021"},
			}})
		case okxStakingPath:
			writeJSON(t, w, map[string]any{"code": "0", "data": []map[string]any{
				{"ccy": "DOT", "apy": "0.1767", "term": "0", "protocolType": "staking", "investData": []map[string]any{{"minAmt": "2"}}},
				{"ccy": "ETH", "apy": "0.035", "term": "90", "protocolType": "defi"},
			}})
		}
	}))
	defer srv.Close()

	obs, err := NewOKX(testOptions(srv.URL, creds), zerolog.Nop()).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, obs, 3)

	usdt := findByAsset(t, obs, "USDT")
	assertDecimal(t, "2.1", usdt.APR)
	assert.Equal(t, "okx_savings", usdt.Source)

	dot := findByAsset(t, obs, "DOT")
	assertDecimal(t, "17.67", dot.APR)
	assert.Equal(t, "polkadot", dot.Chain)
	assert.Equal(t, storage.RiskLow, dot.RiskLevel)
	require.NotNil(t, dot.MinStake)
	assertDecimal(t, "2", *dot.MinStake)

	eth := findByAsset(t, obs, "ETH")
	assert.Equal(t, "90 days", eth.LockPeriod)
	assert.Equal(t, storage.RiskMedium, eth.RiskLevel)
}

func TestOKXErrorEnvelope(t *testing.T) {
	creds := StaticCredentials{"okx": {APIKey: "k", APISecret: "s", Passphrase: "p"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"code": "50113", "msg": "Invalid Sign", "data": []any{}})
	}))
	defer srv.Close()

	_, err := NewOKX(testOptions(srv.URL, creds), zerolog.Nop()).Fetch(context.Background())
	var upstream *UpstreamHTTPError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "50113", upstream.Code)
	assert.Contains(t, err.Error(), "Invalid Sign")
}

func TestKuCoinFetch(t *testing.T) {
	creds := StaticCredentials{"kucoin": {APIKey: "kc-key", APISecret: "kc-secret", Passphrase: "kc-pass"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts := r.Header.Get("KC-API-TIMESTAMP")
		assert.Equal(t, "1767323045000", ts)
		assert.Equal(t, "2", r.Header.Get("KC-API-KEY-VERSION"))
		assert.Equal(t, kucoinPassphrase("kc-secret", "kc-pass"), r.Header.Get("KC-API-PASSPHRASE"))
		assert.Equal(t, hmacSHA256Base64("kc-secret", ts+r.Method+r.URL.Path), r.Header.Get("KC-API-SIGN"))

		switch r.URL.Path {
		case kucoinSavingsPath:
			writeJSON(t, w, map[string]any{"code": "200000", "data": []map[string]any{
				{"currency": "USDT", "returnRate": "0.05", "duration": 0, "userLowerLimit": "10"},
				{"currency": "PUMP", "returnRate": "2000", "duration": 0},
			}})
		case kucoinStakingPath:
			writeJSON(t, w, map[string]any{"code": "200000", "data": []map[string]any{
				{"currency": "ATOM", "returnRate": "0.12", "duration": 30},
			}})
		}
	}))
	defer srv.Close()

	obs, err := NewKuCoin(testOptions(srv.URL, creds), zerolog.Nop()).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, obs, 2)

	usdt := findByAsset(t, obs, "USDT")
	assertDecimal(t, "5", usdt.APR)
	assert.Equal(t, "kucoin_savings", usdt.Source)

	atom := findByAsset(t, obs, "ATOM")
	assertDecimal(t, "12", atom.APR)
	assert.Equal(t, "30 days", atom.LockPeriod)
	assert.Equal(t, "cosmos", atom.Chain)
}

func TestGateFetch(t *testing.T) {
	creds := StaticCredentials{"gate": {APIKey: "g-key", APISecret: "g-secret"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/earn/uni/rate", r.URL.Path)
		assert.Equal(t, "g-key", r.Header.Get("KEY"))
		assert.Equal(t, gateSign("g-secret", r.Method, r.URL.Path, "", "", r.Header.Get("Timestamp")), r.Header.Get("SIGN"))
		writeJSON(t, w, []map[string]any{
			{"currency": "USDT", "est_rate": "0.0452"},
			{"currency": "BTC", "est_rate": "bad"},
		})
	}))
	defer srv.Close()

	obs, err := NewGate(testOptions(srv.URL, creds), zerolog.Nop()).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assertDecimal(t, "4.52", obs[0].APR)
	assert.Equal(t, "Gate.io", obs[0].Platform)
	assert.Equal(t, "gate_uni_lending", obs[0].Source)
}

func TestDefiLlamaFetchFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pools", r.URL.Path)
		writeJSON(t, w, map[string]any{"status": "success", "data": []map[string]any{
			{"project": "aave-v3", "chain": "Ethereum", "symbol": "USDC", "tvlUsd": 5e8, "apyBase": 4.1, "apy": 4.3, "stablecoin": true},
			{"project": "aave-v3", "chain": "Ethereum", "symbol": "USDC", "tvlUsd": 2e6, "apyBase": 6.2, "apy": 6.2, "stablecoin": true},
			{"project": "aave-v3", "chain": "Ethereum", "symbol": "DAI", "tvlUsd": 10, "apyBase": 5},
			{"project": "lido", "chain": "Ethereum", "symbol": "STETH", "tvlUsd": 2e10, "apy": 2.9},
			{"project": "uniswap-v3", "chain": "Ethereum", "symbol": "USDC", "tvlUsd": 1e9, "apy": 20},
			{"project": "compound-v3", "chain": "Base", "symbol": "USDC-WETH", "tvlUsd": 1e9, "apy": 9},
		}})
	}))
	defer srv.Close()

	c := NewDefiLlama(DefiLlamaOptions{
		Options:   testOptions(srv.URL, nil),
		Projects:  []string{"aave-v3", "lido", "compound-v3"},
		MinTVLUSD: 1_000_000,
	}, zerolog.Nop())
	assert.True(t, c.Configured())

	obs, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, obs, 2)

	usdc := findByAsset(t, obs, "USDC")
	assert.Equal(t, "Aave V3", usdc.Platform)
	assert.Equal(t, storage.PlatformDeFi, usdc.PlatformType)
	assert.Equal(t, "ethereum", usdc.Chain)
	assertDecimal(t, "6.2", usdc.APR)
	assert.Equal(t, storage.RiskLow, usdc.RiskLevel)

	eth := findByAsset(t, obs, "ETH")
	assert.Equal(t, "Lido", eth.Platform)
	assertDecimal(t, "2.9", eth.APR)
	require.NotNil(t, eth.APY)
	assertDecimal(t, "2.9", *eth.APY)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
