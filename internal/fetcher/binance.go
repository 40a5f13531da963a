package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/weviu/apr-hunter-sub000/internal/storage"
)

const (
	binancePageSize = 100
	binanceMaxPages = 10
	binanceRecvMS   = "5000"
)

// Binance reads Simple Earn flexible and locked products.
type Binance struct {
	base
}

// NewBinance builds the Binance connector.
func NewBinance(opts Options, logger zerolog.Logger) *Binance {
	return &Binance{base: newBase("binance", "Binance", "https://api.binance.com", opts, logger)}
}

// Type implements Connector.
func (c *Binance) Type() storage.PlatformType { return storage.PlatformExchange }

// Fetch implements Connector.
func (c *Binance) Fetch(ctx context.Context) ([]storage.RateObservation, error) {
	creds, ok := c.credentials()
	if !ok {
		return nil, nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	flexRows, err := c.listProducts(ctx, creds, "/sapi/v1/simple-earn/flexible/list")
	if err != nil {
		return nil, err
	}
	lockedRows, err := c.listProducts(ctx, creds, "/sapi/v1/simple-earn/locked/list")
	if err != nil {
		return nil, err
	}

	out := make([]storage.RateObservation, 0, len(flexRows)+len(lockedRows))
	for _, row := range flexRows {
		asset := ProbeString(row, "asset")
		apr, ok := ProbeRate(row, "latestAnnualPercentageRate", "annualPercentageRate", "apr")
		if asset == "" || !ok {
			continue
		}
		obs := c.observation(storage.PlatformExchange, asset, apr, LockFlexible, "binance_simple_earn_flexible")
		obs.MinStake = optionalNumber(row["minPurchaseAmount"])
		obs.RiskLevel = storage.RiskLow
		out = append(out, obs)
	}

	for _, row := range lockedRows {
		detail := nestedFields(row, "detail")
		if detail == nil {
			detail = row
		}
		asset := ProbeString(detail, "asset")
		apr, ok := ProbeRate(detail, "apr", "annualPercentageRate", "apy")
		if asset == "" || !ok {
			continue
		}
		obs := c.observation(storage.PlatformExchange, asset, apr, FormatLockPeriod(intValue(detail["duration"])), "binance_simple_earn_locked")
		if quota := nestedFields(row, "quota"); quota != nil {
			obs.MinStake = optionalNumber(quota["minimum"])
		}
		obs.RiskLevel = storage.RiskLow
		out = append(out, obs)
	}

	return Dedupe(out), nil
}

type binancePage struct {
	Rows  json.RawMessage `json:"rows"`
	Total int             `json:"total"`
}

func (c *Binance) listProducts(ctx context.Context, creds Credentials, path string) ([]map[string]any, error) {
	var all []map[string]any
	for page := 1; page <= binanceMaxPages; page++ {
		query := c.signedQuery(creds.APISecret, url.Values{
			"current": {strconv.Itoa(page)},
			"size":    {strconv.Itoa(binancePageSize)},
		})

		req, err := c.newRequest(http.MethodGet, path, query, "")
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", creds.APIKey)

		payload, err := c.do(ctx, req)
		if err != nil {
			return nil, err
		}

		var envelope binancePage
		if err := c.decode(payload, &envelope); err != nil {
			return nil, err
		}
		rows, err := decodeRows(envelope.Rows)
		if err != nil {
			return nil, c.parseError(err)
		}
		all = append(all, rows...)

		if len(rows) < binancePageSize || len(all) >= envelope.Total {
			break
		}
	}
	return all, nil
}

// signedQuery appends timestamp, recvWindow and the HMAC-SHA256 signature
// of the encoded query string.
func (c *Binance) signedQuery(secret string, params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	params.Set("recvWindow", binanceRecvMS)
	query := params.Encode()
	return query + "&signature=" + hmacSHA256Hex(secret, query)
}
