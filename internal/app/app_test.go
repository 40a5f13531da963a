package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weviu/apr-hunter-sub000/internal/config"
	"github.com/weviu/apr-hunter-sub000/internal/storage"
)

func newTestApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	a := NewApp(cfg, zerolog.Nop())
	var out bytes.Buffer
	a.Out = &out
	a.DryRun = true
	return a, &out
}

func TestCollectDryRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","data":[
			{"project":"lido","symbol":"STETH","chain":"Ethereum","tvlUsd":9000000000,"apyBase":2.9,"apy":2.9},
			{"project":"lido","symbol":"ETH-USDC","chain":"Ethereum","tvlUsd":9000000000,"apyBase":5}
		]}`))
	}))
	defer srv.Close()

	a, out := newTestApp(t)
	a.Config.Sources.DefiLlama.BaseURL = srv.URL

	require.NoError(t, a.Collect(context.Background()))

	text := out.String()
	assert.Contains(t, text, "Success  7")
	assert.Contains(t, text, "Failed   0")
	assert.Contains(t, text, "binance,okx,kucoin,gate,kraken,aave")
	assert.Contains(t, text, "Rates    1")
	assert.Contains(t, text, "ETH")
	assert.Contains(t, text, "2.90")
}

func TestCollectHonoursEnabledSwitch(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	a, out := newTestApp(t)
	a.Config.Sources.DefiLlama.BaseURL = srv.URL
	a.Config.Collection.Enabled = false

	require.NoError(t, a.Collect(context.Background()))
	assert.Contains(t, out.String(), "nothing collected")
	assert.NotContains(t, out.String(), "Success")
	assert.Zero(t, hits)
}

func TestPersistentCommandsRequireDatabase(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	assert.ErrorIs(t, a.Rates(ctx, RatesOptions{}), errNoDatabase)
	assert.ErrorIs(t, a.History(ctx, HistoryOptions{}), errNoDatabase)
	assert.ErrorIs(t, a.Export(ctx, ExportOptions{CSVPath: "x.csv"}), errNoDatabase)
	assert.Error(t, a.Export(ctx, ExportOptions{}))
}

func TestFilterRates(t *testing.T) {
	rates := []storage.RateObservation{
		{Asset: "ETH", Platform: "Binance", APR: decimal.RequireFromString("3.1")},
		{Asset: "ETH", Platform: "OKX", APR: decimal.RequireFromString("4.2")},
		{Asset: "BTC", Platform: "OKX", APR: decimal.RequireFromString("1.0")},
	}

	got := filterRates(rates, RatesOptions{Asset: "eth"})
	require.Len(t, got, 2)
	assert.Equal(t, "OKX", got[0].Platform)

	got = filterRates(rates, RatesOptions{Platform: "okx", Limit: 1})
	require.Len(t, got, 1)
	assert.Equal(t, "ETH", got[0].Asset)
}

func TestHistoryWindow(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	from, to, err := historyWindow(HistoryOptions{}, now)
	require.NoError(t, err)
	assert.Equal(t, now, to)
	assert.Equal(t, now.Add(-30*24*time.Hour), from)

	later := now.Add(time.Hour)
	_, _, err = historyWindow(HistoryOptions{From: &later, To: &now}, now)
	assert.Error(t, err)
}

func historyFixture(n int) []storage.RateHistoryEntry {
	key := storage.RateKey{Asset: "BTC", Platform: "Kraken", Chain: "bitcoin", LockPeriod: "Flexible"}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]storage.RateHistoryEntry, n)
	for i := range out {
		out[i] = storage.RateHistoryEntry{RateKey: key, APR: decimal.NewFromInt(int64(i + 1)), RecordedAt: start.Add(time.Duration(i) * time.Hour)}
	}
	return out
}

func TestDownsampleHistory(t *testing.T) {
	entries := historyFixture(10)
	assert.Len(t, downsampleHistory(entries, 20), 10)

	got := downsampleHistory(entries, 4)
	require.Len(t, got, 4)
	assert.Equal(t, entries[0], got[0])
	assert.Equal(t, entries[9], got[3])
}

func TestWriteHistoryFiles(t *testing.T) {
	dir := t.TempDir()
	entries := historyFixture(3)
	apy := decimal.RequireFromString("1.05")
	entries[1].APY = &apy

	csvPath := filepath.Join(dir, "out", "history.csv")
	require.NoError(t, writeHistoryCSV(csvPath, entries))

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, "recorded_at", records[0][0])
	assert.Equal(t, "1.05", records[2][6])
	assert.Equal(t, "", records[1][6])

	pngPath := filepath.Join(dir, "history.png")
	require.NoError(t, writeHistoryPNG(pngPath, entries[0].RateKey, entries))
	info, err := os.Stat(pngPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	assert.Error(t, writeHistoryPNG(pngPath, entries[0].RateKey, entries[:1]))
}
