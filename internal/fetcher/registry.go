package fetcher

import (
	"github.com/rs/zerolog"

	"github.com/weviu/apr-hunter-sub000/internal/config"
)

// SecretCredentials resolves connector credentials from the config secrets on
// every lookup.
func SecretCredentials(secrets *config.Secrets) CredentialSource {
	return CredentialFunc(func(source string) Credentials {
		return Credentials{
			APIKey:     secrets.Get(source, config.FieldAPIKey),
			APISecret:  secrets.Get(source, config.FieldAPISecret),
			Passphrase: secrets.Get(source, config.FieldPassphrase),
			Endpoint:   secrets.Get(source, config.FieldRPCURL),
		}
	})
}

// NewRegistry builds the fixed connector set in collection order.
func NewRegistry(cfg config.SourcesConfig, creds CredentialSource, logger zerolog.Logger) []Connector {
	opts := func(baseURL string) Options {
		return Options{BaseURL: baseURL, Timeout: cfg.RequestTimeout, Credentials: creds}
	}

	return []Connector{
		NewBinance(opts(cfg.Binance.BaseURL), logger),
		NewOKX(opts(cfg.OKX.BaseURL), logger),
		NewKuCoin(opts(cfg.KuCoin.BaseURL), logger),
		NewGate(opts(cfg.Gate.BaseURL), logger),
		NewKraken(KrakenOptions{
			Options:         opts(cfg.Kraken.BaseURL),
			LockoutCooldown: cfg.Kraken.LockoutCooldown,
		}, logger),
		NewDefiLlama(DefiLlamaOptions{
			Options:   opts(cfg.DefiLlama.BaseURL),
			Projects:  cfg.DefiLlama.Projects,
			MinTVLUSD: cfg.DefiLlama.MinTVLUSD,
		}, logger),
		NewAave(AaveOptions{
			Credentials: creds,
			PoolAddress: cfg.Aave.PoolAddress,
			Reserves:    cfg.Aave.Reserves,
			Timeout:     cfg.RequestTimeout,
		}, logger),
	}
}
