package fetcher

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weviu/apr-hunter-sub000/internal/storage"
)

var krakenSecret = base64.StdEncoding.EncodeToString([]byte("kraken-secret"))

func TestKrakenFetch(t *testing.T) {
	creds := StaticCredentials{"kraken": {APIKey: "kr-key", APISecret: krakenSecret}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, krakenStrategiesPath, r.URL.Path)
		assert.NoError(t, r.ParseForm())
		nonce := r.PostForm.Get("nonce")
		assert.Equal(t, "1767323045000", nonce)
		assert.Equal(t, krakenSign([]byte("kraken-secret"), krakenStrategiesPath, nonce, r.PostForm.Encode()), r.Header.Get("API-Sign"))

		writeJSON(t, w, map[string]any{"error": []string{}, "result": map[string]any{"items": []map[string]any{
			{"asset": "DOT", "lock_type": map[string]any{"type": "bonded", "unbonding_period": 2419200}, "apr_estimate": map[string]any{"low": "11.5", "high": "15"}, "user_min_allocation": "0.1"},
			{"asset": "XBT", "lock_type": map[string]any{"type": "flex"}, "apr_estimate": map[string]any{"low": "0", "high": "0.2"}},
			{"asset": "ETH", "lock_type": map[string]any{"type": "instant"}},
		}}})
	}))
	defer srv.Close()

	obs, err := NewKraken(KrakenOptions{Options: testOptions(srv.URL, creds)}, zerolog.Nop()).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, obs, 2)

	dot := findByAsset(t, obs, "DOT")
	assertDecimal(t, "11.5", dot.APR)
	assert.Equal(t, "28 days", dot.LockPeriod)
	assert.Equal(t, "kraken_earn_bonded", dot.Source)

	btc := findByAsset(t, obs, "BTC")
	assertDecimal(t, "20", btc.APR)
	assert.Equal(t, LockFlexible, btc.LockPeriod)
	assert.Equal(t, "bitcoin", btc.Chain)
}

func TestKrakenLockoutCooldown(t *testing.T) {
	var hits atomic.Int32
	var locked atomic.Bool
	locked.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if locked.Load() {
			writeJSON(t, w, map[string]any{"error": []string{"EGeneral:Temporary lockout"}})
			return
		}
		writeJSON(t, w, map[string]any{"error": []string{}, "result": map[string]any{"items": []map[string]any{
			{"asset": "SOL", "lock_type": map[string]any{"type": "flex"}, "apr_estimate": map[string]any{"low": "6"}},
		}}})
	}))
	defer srv.Close()

	clock := &testClock{now: fixedNow}
	opts := testOptions(srv.URL, StaticCredentials{"kraken": {APIKey: "k", APISecret: krakenSecret}})
	opts.Now = clock.Now
	c := NewKraken(KrakenOptions{Options: opts, LockoutCooldown: time.Minute}, zerolog.Nop())

	_, err := c.Fetch(context.Background())
	require.ErrorIs(t, err, ErrTransientLockout)
	var upstream *UpstreamHTTPError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, fixedNow.Add(time.Minute), c.BlockedUntil())

	locked.Store(false)
	clock.Advance(30 * time.Second)
	obs, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, obs)
	assert.EqualValues(t, 1, hits.Load())

	clock.Advance(31 * time.Second)
	obs, err = c.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "SOL", obs[0].Asset)
	assert.Equal(t, storage.PlatformExchange, obs[0].PlatformType)
	assert.EqualValues(t, 2, hits.Load())
}

func TestKrakenLockoutInErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":["EGeneral:Temporary lockout"]}`))
	}))
	defer srv.Close()

	c := NewKraken(KrakenOptions{Options: testOptions(srv.URL, StaticCredentials{"kraken": {APIKey: "k", APISecret: krakenSecret}})}, zerolog.Nop())
	_, err := c.Fetch(context.Background())
	require.ErrorIs(t, err, ErrTransientLockout)
	assert.Equal(t, fixedNow.Add(DefaultKrakenCooldown), c.BlockedUntil())
}

func TestKrakenNonceIsMonotonic(t *testing.T) {
	c := NewKraken(KrakenOptions{Options: testOptions("", nil)}, zerolog.Nop())
	first := c.nextNonce()
	second := c.nextNonce()
	assert.Equal(t, "1767323045000", first)
	assert.Equal(t, "1767323045001", second)
}
