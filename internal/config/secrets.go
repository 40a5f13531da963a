package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Secret field names under sources.<name>.
const (
	FieldAPIKey     = "api_key"
	FieldAPISecret  = "api_secret"
	FieldPassphrase = "passphrase"
	FieldRPCURL     = "rpc_url"
)

// Secrets reads connector credentials straight from viper on every call, so a
// key exported into the environment after startup is picked up on the next tick.
type Secrets struct {
	v *viper.Viper
}

// NewSecrets wraps an existing viper instance.
func NewSecrets(v *viper.Viper) *Secrets {
	return &Secrets{v: v}
}

// Get returns sources.<source>.<field>, trimmed. Missing values are empty.
func (s *Secrets) Get(source, field string) string {
	if s == nil || s.v == nil {
		return ""
	}
	return strings.TrimSpace(s.v.GetString("sources." + strings.ToLower(source) + "." + field))
}
