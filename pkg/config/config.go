// Package config loads service configuration from the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config covers both services; fields a service does not use stay at their
// defaults.
type Config struct {
	DatabaseURL      string `env:"DATABASE_URL"`
	ServicePort      string `env:"SERVICE_PORT" envDefault:"8080"`
	CustodianBaseURL string `env:"CUSTODIAN_BASE_URL" envDefault:"http://localhost:8090/custodian"`
	// AuthorityBaseURL points the ledger at the delegate-authority service
	// for non-owner signers of owner-gated operations.
	AuthorityBaseURL string `env:"AUTHORITY_BASE_URL" envDefault:"http://localhost:8081/authority"`
	// OwnerIdentity is the fund owner's signer identity
	// (key:pk:ed25519:…). Owner-signed envelopes must resolve to it.
	OwnerIdentity string `env:"OWNER_IDENTITY"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// MustLoad is the server-main variant: config problems are fatal at boot.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}
