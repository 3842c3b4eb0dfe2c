package e2e

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// RELAY_ADDR points at a running relay, e.g. "localhost:8080".
	// Every test in this package skips when it is unset.
	RelayAddr string `envconfig:"RELAY_ADDR"`
	// RELAY_JWT_SECRET must match the secret the relay was started with
	// so the suite can mint its own access tokens
	JWTSecret string `envconfig:"RELAY_JWT_SECRET" default:"e2e_local_secret"`
	// E2E_DEBUG_JSON allows dumping full HTTP request/response bodies as JSON
	DebugJSON bool `envconfig:"E2E_DEBUG_JSON" default:"false"`
	// E2E_COLOURS enables colorized output for better log readability
	Colours bool `envconfig:"E2E_COLOURS" default:"true"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}
