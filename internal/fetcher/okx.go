package fetcher

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/weviu/apr-hunter-sub000/internal/storage"
)

const (
	okxSavingsPath = "/api/v5/finance/savings/lending-rate-summary"
	okxStakingPath = "/api/v5/finance/staking-defi/offers"
	okxTimeLayout  = "2006-01-02T15:04:05.000Z"
)

// OKX reads Simple Earn savings rates and on-chain earn offers.
type OKX struct {
	base
}

// NewOKX builds the OKX connector.
func NewOKX(opts Options, logger zerolog.Logger) *OKX {
	c := &OKX{base: newBase("okx", "OKX", "https://www.okx.com", opts, logger)}
	c.needsPassphrase = true
	return c
}

// Type implements Connector.
func (c *OKX) Type() storage.PlatformType { return storage.PlatformExchange }

// Fetch implements Connector.
func (c *OKX) Fetch(ctx context.Context) ([]storage.RateObservation, error) {
	creds, ok := c.credentials()
	if !ok {
		return nil, nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	savings, err := c.get(ctx, creds, okxSavingsPath)
	if err != nil {
		return nil, err
	}
	offers, err := c.get(ctx, creds, okxStakingPath)
	if err != nil {
		return nil, err
	}

	out := make([]storage.RateObservation, 0, len(savings)+len(offers))
	for _, row := range savings {
		asset := ProbeString(row, "ccy")
		apr, ok := ProbeRate(row, "estRate", "avgRate", "preRate")
		if asset == "" || !ok {
			continue
		}
		obs := c.observation(storage.PlatformExchange, asset, apr, LockFlexible, "okx_savings")
		obs.RiskLevel = storage.RiskLow
		out = append(out, obs)
	}

	for _, row := range offers {
		asset := ProbeString(row, "ccy")
		apr, ok := ProbeRate(row, "apy", "rate", "apr")
		if asset == "" || !ok {
			continue
		}
		obs := c.observation(storage.PlatformExchange, asset, apr, FormatLockPeriod(intValue(row["term"])), "okx_staking")
		if invest, ok := row["investData"].([]any); ok && len(invest) > 0 {
			if first, ok := invest[0].(map[string]any); ok {
				obs.MinStake = optionalNumber(first["minAmt"])
			}
		}
		obs.RiskLevel = storage.RiskMedium
		if ProbeString(row, "protocolType") == "staking" {
			obs.RiskLevel = storage.RiskLow
		}
		out = append(out, obs)
	}

	return Dedupe(out), nil
}

type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *OKX) get(ctx context.Context, creds Credentials, path string) ([]map[string]any, error) {
	req, err := c.newRequest(http.MethodGet, path, "", "")
	if err != nil {
		return nil, err
	}

	ts := c.now().UTC().Format(okxTimeLayout)
	req.Header.Set("OK-ACCESS-KEY", creds.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", okxSign(creds.APISecret, ts, http.MethodGet, path, ""))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", creds.Passphrase)

	payload, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}

	var envelope okxEnvelope
	if err := c.decode(payload, &envelope); err != nil {
		return nil, err
	}
	if envelope.Code != "0" {
		return nil, &UpstreamHTTPError{Source: c.name, Status: http.StatusOK, Code: envelope.Code, Body: envelope.Msg}
	}

	rows, err := decodeRows(envelope.Data)
	if err != nil {
		return nil, c.parseError(err)
	}
	return rows, nil
}

// okxSign signs timestamp + method + requestPath + body.
func okxSign(secret, ts, method, requestPath, body string) string {
	return hmacSHA256Base64(secret, ts+method+requestPath+body)
}
