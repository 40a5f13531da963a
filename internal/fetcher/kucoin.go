package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/weviu/apr-hunter-sub000/internal/storage"
)

const (
	kucoinSavingsPath = "/api/v1/earn/saving/products"
	kucoinStakingPath = "/api/v1/earn/staking/products"
	kucoinOK          = "200000"
	kucoinKeyVersion  = "2"
)

// KuCoin reads Earn savings and staking products.
type KuCoin struct {
	base
}

// NewKuCoin builds the KuCoin connector.
func NewKuCoin(opts Options, logger zerolog.Logger) *KuCoin {
	c := &KuCoin{base: newBase("kucoin", "KuCoin", "https://api.kucoin.com", opts, logger)}
	c.needsPassphrase = true
	return c
}

// Type implements Connector.
func (c *KuCoin) Type() storage.PlatformType { return storage.PlatformExchange }

// Fetch implements Connector.
func (c *KuCoin) Fetch(ctx context.Context) ([]storage.RateObservation, error) {
	creds, ok := c.credentials()
	if !ok {
		return nil, nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	products := []struct {
		path   string
		source string
		risk   storage.RiskLevel
	}{
		{kucoinSavingsPath, "kucoin_savings", storage.RiskLow},
		{kucoinStakingPath, "kucoin_staking", storage.RiskMedium},
	}

	var out []storage.RateObservation
	for _, product := range products {
		rows, err := c.get(ctx, creds, product.path)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			asset := ProbeString(row, "currency")
			apr, ok := ProbeRate(row, "returnRate", "apr", "apy", "annualRate")
			if asset == "" || !ok {
				continue
			}
			obs := c.observation(storage.PlatformExchange, asset, apr, FormatLockPeriod(intValue(row["duration"])), product.source)
			obs.MinStake = optionalNumber(row["userLowerLimit"])
			obs.RiskLevel = product.risk
			out = append(out, obs)
		}
	}

	return Dedupe(out), nil
}

type kucoinEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *KuCoin) get(ctx context.Context, creds Credentials, path string) ([]map[string]any, error) {
	req, err := c.newRequest(http.MethodGet, path, "", "")
	if err != nil {
		return nil, err
	}

	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	req.Header.Set("KC-API-KEY", creds.APIKey)
	req.Header.Set("KC-API-SIGN", hmacSHA256Base64(creds.APISecret, ts+http.MethodGet+path))
	req.Header.Set("KC-API-TIMESTAMP", ts)
	req.Header.Set("KC-API-PASSPHRASE", kucoinPassphrase(creds.APISecret, creds.Passphrase))
	req.Header.Set("KC-API-KEY-VERSION", kucoinKeyVersion)

	payload, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}

	var envelope kucoinEnvelope
	if err := c.decode(payload, &envelope); err != nil {
		return nil, err
	}
	if envelope.Code != kucoinOK {
		return nil, &UpstreamHTTPError{Source: c.name, Status: http.StatusOK, Code: envelope.Code, Body: envelope.Msg}
	}

	rows, err := decodeRows(envelope.Data)
	if err != nil {
		return nil, c.parseError(err)
	}
	return rows, nil
}

// kucoinPassphrase signs the passphrase with the API secret, as key version 2 requires.
func kucoinPassphrase(secret, passphrase string) string {
	return hmacSHA256Base64(secret, passphrase)
}
