package fetcher

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/weviu/apr-hunter-sub000/internal/storage"
)

// DefaultTimeout bounds every upstream call.
const DefaultTimeout = 15 * time.Second

// Connector adapts one rate source into canonical observations.
//
// Fetch returns an empty slice and a nil error when the source is not
// configured. Upstream and decoding failures come back as *UpstreamHTTPError
// or *ParseError.
type Connector interface {
	Name() string
	Type() storage.PlatformType
	Fetch(ctx context.Context) ([]storage.RateObservation, error)
}

// Configurable is implemented by connectors that can report whether their
// credentials are present without calling upstream.
type Configurable interface {
	Configured() bool
}

// Credentials is the secret material of one source.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
	// Endpoint carries a credential-like URL, e.g. an RPC endpoint with an embedded key.
	Endpoint string
}

// CredentialSource resolves credentials by connector name. Connectors call it
// at the top of every Fetch.
type CredentialSource interface {
	Lookup(source string) Credentials
}

// CredentialFunc adapts a function into a CredentialSource.
type CredentialFunc func(source string) Credentials

// Lookup implements CredentialSource.
func (f CredentialFunc) Lookup(source string) Credentials {
	if f == nil {
		return Credentials{}
	}
	return f(source)
}

// StaticCredentials is a fixed CredentialSource keyed by connector name.
type StaticCredentials map[string]Credentials

// Lookup implements CredentialSource.
func (s StaticCredentials) Lookup(source string) Credentials {
	return s[source]
}

// Options are shared by every HTTP connector.
type Options struct {
	BaseURL     string
	Timeout     time.Duration
	Credentials CredentialSource
	HTTPClient  *http.Client
	Now         func() time.Time
}

// base carries the plumbing common to HTTP connectors.
type base struct {
	name     string
	platform string
	baseURL  string
	timeout  time.Duration
	creds    CredentialSource
	client   *http.Client
	now      func() time.Time
	logger   zerolog.Logger

	needsPassphrase bool
}

func newBase(name, platform, defaultURL string, opts Options, logger zerolog.Logger) base {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultURL
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	creds := opts.Credentials
	if creds == nil {
		creds = StaticCredentials{}
	}

	return base{
		name:     name,
		platform: platform,
		baseURL:  baseURL,
		timeout:  timeout,
		creds:    creds,
		client:   client,
		now:      now,
		logger:   logger.With().Str("component", "connector").Str("source", name).Logger(),
	}
}

// Name returns the connector's registry and credential key.
func (b *base) Name() string { return b.name }

// Configured reports whether every required credential is present.
func (b *base) Configured() bool {
	_, ok := b.lookup()
	return ok
}

func (b *base) lookup() (Credentials, bool) {
	creds := b.creds.Lookup(b.name)
	if creds.APIKey == "" || creds.APISecret == "" || (b.needsPassphrase && creds.Passphrase == "") {
		return Credentials{}, false
	}
	return creds, true
}

// credentials returns the source's credentials, or ok=false and a debug log
// when any of the required fields is empty.
func (b *base) credentials() (Credentials, bool) {
	creds, ok := b.lookup()
	if !ok {
		b.logger.Debug().Err(ErrMissingCredentials).Msg("source not configured, skipping")
	}
	return creds, ok
}
