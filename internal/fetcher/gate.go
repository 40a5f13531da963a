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
	gatePrefix   = "/api/v4"
	gateRatePath = "/earn/uni/rate"
)

// Gate reads estimated annual rates of the Gate.io lending pool.
type Gate struct {
	base
}

// NewGate builds the Gate.io connector.
func NewGate(opts Options, logger zerolog.Logger) *Gate {
	return &Gate{base: newBase("gate", "Gate.io", "https://api.gateio.ws", opts, logger)}
}

// Type implements Connector.
func (c *Gate) Type() storage.PlatformType { return storage.PlatformExchange }

// Fetch implements Connector.
func (c *Gate) Fetch(ctx context.Context) ([]storage.RateObservation, error) {
	creds, ok := c.credentials()
	if !ok {
		return nil, nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	path := gatePrefix + gateRatePath
	req, err := c.newRequest(http.MethodGet, path, "", "")
	if err != nil {
		return nil, err
	}

	ts := strconv.FormatInt(c.now().Unix(), 10)
	req.Header.Set("KEY", creds.APIKey)
	req.Header.Set("Timestamp", ts)
	req.Header.Set("SIGN", gateSign(creds.APISecret, http.MethodGet, path, "", "", ts))

	payload, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}

	rows, err := decodeRows(json.RawMessage(payload))
	if err != nil {
		return nil, c.parseError(err)
	}

	out := make([]storage.RateObservation, 0, len(rows))
	for _, row := range rows {
		asset := ProbeString(row, "currency")
		apr, ok := ProbeRate(row, "est_rate", "rate", "apr")
		if asset == "" || !ok {
			continue
		}
		obs := c.observation(storage.PlatformExchange, asset, apr, LockFlexible, "gate_uni_lending")
		obs.MinStake = optionalNumber(row["min_lend_amount"])
		obs.RiskLevel = storage.RiskMedium
		out = append(out, obs)
	}
	return Dedupe(out), nil
}

// gateSign signs method, path, query, the SHA-512 of the body and the timestamp,
// newline separated.
func gateSign(secret, method, path, query, body, ts string) string {
	message := method + "\n" + path + "\n" + query + "\n" + sha512Hex(body) + "\n" + ts
	return hmacSHA512Hex(secret, message)
}
