package fetcher

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/weviu/apr-hunter-sub000/internal/storage"
)

const (
	krakenStrategiesPath = "/0/private/Earn/Strategies"
	krakenLockoutMarker  = "Temporary lockout"
	krakenMaxPages       = 5

	// DefaultKrakenCooldown is how long Fetch stays quiet after a lockout.
	DefaultKrakenCooldown = 60 * time.Second
)

// KrakenOptions extends Options with the lockout cooldown.
type KrakenOptions struct {
	Options
	LockoutCooldown time.Duration
}

// Kraken reads Earn strategies. After a temporary lockout it returns no
// observations until the cooldown elapses.
type Kraken struct {
	base
	cooldown time.Duration

	mu           sync.Mutex
	blockedUntil time.Time
	lastNonce    int64
}

// NewKraken builds the Kraken connector.
func NewKraken(opts KrakenOptions, logger zerolog.Logger) *Kraken {
	cooldown := opts.LockoutCooldown
	if cooldown <= 0 {
		cooldown = DefaultKrakenCooldown
	}
	return &Kraken{
		base:     newBase("kraken", "Kraken", "https://api.kraken.com", opts.Options, logger),
		cooldown: cooldown,
	}
}

// Type implements Connector.
func (c *Kraken) Type() storage.PlatformType { return storage.PlatformExchange }

// BlockedUntil reports the end of the current lockout cooldown, if any.
func (c *Kraken) BlockedUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockedUntil
}

// Fetch implements Connector.
func (c *Kraken) Fetch(ctx context.Context) ([]storage.RateObservation, error) {
	creds, ok := c.credentials()
	if !ok {
		return nil, nil
	}

	if until := c.BlockedUntil(); c.now().Before(until) {
		c.logger.Debug().Time("blocked_until", until).Msg("lockout cooldown active, skipping")
		return nil, nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	secret, err := base64.StdEncoding.DecodeString(creds.APISecret)
	if err != nil {
		return nil, &UpstreamHTTPError{Source: c.name, Err: fmt.Errorf("decode api secret: %w", err)}
	}

	var out []storage.RateObservation
	cursor := ""
	for page := 0; page < krakenMaxPages; page++ {
		items, next, err := c.strategies(ctx, creds.APIKey, secret, cursor)
		if err != nil {
			if errors.Is(err, ErrTransientLockout) {
				c.block()
			}
			return nil, err
		}
		for _, item := range items {
			if obs, ok := c.toObservation(item); ok {
				out = append(out, obs)
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	return Dedupe(out), nil
}

func (c *Kraken) block() {
	c.mu.Lock()
	c.blockedUntil = c.now().Add(c.cooldown)
	until := c.blockedUntil
	c.mu.Unlock()
	c.logger.Warn().Time("blocked_until", until).Msg("temporary lockout, backing off")
}

type krakenEnvelope struct {
	Error  []string `json:"error"`
	Result struct {
		Items      json.RawMessage `json:"items"`
		NextCursor *string         `json:"next_cursor"`
	} `json:"result"`
}

func (c *Kraken) strategies(ctx context.Context, apiKey string, secret []byte, cursor string) ([]map[string]any, string, error) {
	nonce := c.nextNonce()
	form := url.Values{"nonce": {nonce}}
	if cursor != "" {
		form.Set("cursor", cursor)
	}
	body := form.Encode()

	req, err := c.newRequest(http.MethodPost, krakenStrategiesPath, "", body)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", apiKey)
	req.Header.Set("API-Sign", krakenSign(secret, krakenStrategiesPath, nonce, body))

	payload, err := c.do(ctx, req)
	if err != nil {
		var upstream *UpstreamHTTPError
		if errors.As(err, &upstream) && strings.Contains(upstream.Body, krakenLockoutMarker) {
			upstream.Err = ErrTransientLockout
		}
		return nil, "", err
	}

	var envelope krakenEnvelope
	if err := c.decode(payload, &envelope); err != nil {
		return nil, "", err
	}
	if len(envelope.Error) > 0 {
		joined := strings.Join(envelope.Error, "; ")
		upstream := &UpstreamHTTPError{Source: c.name, Status: http.StatusOK, Body: truncateBody([]byte(joined))}
		if strings.Contains(joined, krakenLockoutMarker) {
			upstream.Err = ErrTransientLockout
		}
		return nil, "", upstream
	}

	items, err := decodeRows(envelope.Result.Items)
	if err != nil {
		return nil, "", c.parseError(err)
	}
	next := ""
	if envelope.Result.NextCursor != nil {
		next = *envelope.Result.NextCursor
	}
	return items, next, nil
}

func (c *Kraken) toObservation(item map[string]any) (storage.RateObservation, bool) {
	asset := ProbeString(item, "asset")
	estimate := nestedFields(item, "apr_estimate")
	if asset == "" || estimate == nil {
		return storage.RateObservation{}, false
	}
	apr, ok := ProbeRate(estimate, "low", "high")
	if !ok {
		return storage.RateObservation{}, false
	}

	lock := LockFlexible
	source := "kraken_earn_flex"
	risk := storage.RiskLow
	if lockType := nestedFields(item, "lock_type"); lockType != nil {
		switch ProbeString(lockType, "type") {
		case "bonded":
			lock = FormatLockPeriod(secondsToDays(lockType["unbonding_period"]))
			source = "kraken_earn_bonded"
			risk = storage.RiskMedium
		case "timed":
			lock = FormatLockPeriod(secondsToDays(lockType["duration"]))
			source = "kraken_earn_timed"
			risk = storage.RiskMedium
		}
	}

	obs := c.observation(storage.PlatformExchange, asset, apr, lock, source)
	obs.MinStake = optionalNumber(item["user_min_allocation"])
	obs.RiskLevel = risk
	return obs, true
}

// nextNonce returns a strictly increasing millisecond nonce.
func (c *Kraken) nextNonce() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	nonce := c.now().UnixMilli()
	if nonce <= c.lastNonce {
		nonce = c.lastNonce + 1
	}
	c.lastNonce = nonce
	return strconv.FormatInt(nonce, 10)
}

func secondsToDays(raw any) int {
	seconds := intValue(raw)
	if seconds <= 0 {
		return 0
	}
	return (seconds + 86399) / 86400
}

// krakenSign computes base64(HMAC-SHA512(secret, path + SHA256(nonce + body))).
func krakenSign(secret []byte, path, nonce, body string) string {
	digest := sha256.Sum256([]byte(nonce + body))
	return base64.StdEncoding.EncodeToString(hmacSum(sha512.New, secret, path+string(digest[:])))
}
