package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/weviu/apr-hunter-sub000/internal/storage"
)

// DefaultDefiLlamaProjects is the project allowlist used when none is configured.
var DefaultDefiLlamaProjects = []string{"aave-v3", "compound-v3", "lido", "rocket-pool", "spark"}

var defiLlamaPlatforms = map[string]string{
	"aave-v3":     "Aave V3",
	"compound-v3": "Compound V3",
	"lido":        "Lido",
	"rocket-pool": "Rocket Pool",
	"spark":       "Spark",
	"morpho":      "Morpho",
	"pendle":      "Pendle",
}

// DefiLlamaOptions extends Options with the pool filter.
type DefiLlamaOptions struct {
	Options
	Projects  []string
	MinTVLUSD float64
}

// DefiLlama reads single-asset pools from the public yields API.
type DefiLlama struct {
	base
	projects map[string]struct{}
	minTVL   decimal.Decimal
}

// NewDefiLlama builds the DefiLlama connector.
func NewDefiLlama(opts DefiLlamaOptions, logger zerolog.Logger) *DefiLlama {
	projects := opts.Projects
	if len(projects) == 0 {
		projects = DefaultDefiLlamaProjects
	}
	allow := make(map[string]struct{}, len(projects))
	for _, p := range projects {
		allow[strings.ToLower(strings.TrimSpace(p))] = struct{}{}
	}
	return &DefiLlama{
		base:     newBase("defillama", "DefiLlama", "https://yields.llama.fi", opts.Options, logger),
		projects: allow,
		minTVL:   decimal.NewFromFloat(opts.MinTVLUSD),
	}
}

// Type implements Connector.
func (c *DefiLlama) Type() storage.PlatformType { return storage.PlatformDeFi }

// Configured implements Configurable. The API is public.
func (c *DefiLlama) Configured() bool { return true }

type defiLlamaEnvelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

// Fetch implements Connector.
func (c *DefiLlama) Fetch(ctx context.Context) ([]storage.RateObservation, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := c.newRequest(http.MethodGet, "/pools", "", "")
	if err != nil {
		return nil, err
	}
	payload, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}

	var envelope defiLlamaEnvelope
	if err := c.decode(payload, &envelope); err != nil {
		return nil, err
	}
	if envelope.Status != "" && envelope.Status != "success" {
		return nil, &UpstreamHTTPError{Source: c.name, Status: http.StatusOK, Code: envelope.Status}
	}
	pools, err := decodeRows(envelope.Data)
	if err != nil {
		return nil, c.parseError(err)
	}

	var out []storage.RateObservation
	for _, pool := range pools {
		obs, ok := c.toObservation(pool)
		if ok {
			out = append(out, obs)
		}
	}
	return Dedupe(out), nil
}

func (c *DefiLlama) toObservation(pool map[string]any) (storage.RateObservation, bool) {
	project := strings.ToLower(ProbeString(pool, "project"))
	if _, ok := c.projects[project]; !ok {
		return storage.RateObservation{}, false
	}
	if tvl, ok := parseNumber(pool["tvlUsd"]); !ok || tvl.LessThan(c.minTVL) {
		return storage.RateObservation{}, false
	}

	symbol := ProbeString(pool, "symbol")
	// Multi-asset LP pools carry compound symbols.
	if symbol == "" || strings.ContainsAny(symbol, "-/ ") {
		return storage.RateObservation{}, false
	}
	apr, ok := ProbeRate(pool, "apyBase", "apy")
	if !ok {
		return storage.RateObservation{}, false
	}

	obs := c.observation(storage.PlatformDeFi, symbol, apr, LockFlexible, "defillama_"+strings.ReplaceAll(project, "-", "_"))
	obs.Platform = defiLlamaPlatformName(project)
	if chain := strings.ToLower(ProbeString(pool, "chain")); chain != "" {
		obs.Chain = chain
	}
	if apy, ok := ProbeRate(pool, "apy"); ok {
		obs.APY = &apy
	}

	switch {
	case ProbeString(pool, "ilRisk") == "yes":
		obs.RiskLevel = storage.RiskHigh
	case pool["stablecoin"] == true:
		obs.RiskLevel = storage.RiskLow
	default:
		obs.RiskLevel = storage.RiskMedium
	}
	return obs, true
}

func defiLlamaPlatformName(project string) string {
	if name, ok := defiLlamaPlatforms[project]; ok {
		return name
	}
	words := strings.Split(project, "-")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
