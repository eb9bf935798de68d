// Package table parses table command flags and composes the transport
// entrypoint.
package table

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/chronicarpg/chronica/internal/platform/config"
	"github.com/chronicarpg/chronica/internal/platform/identity"
	server "github.com/chronicarpg/chronica/internal/services/table/app"
)

// Config holds table command configuration.
type Config struct {
	HTTPAddr    string `env:"CHRONICA_TABLE_HTTP_ADDR" envDefault:":8090"`
	RequireAuth bool   `env:"CHRONICA_IDENTITY_REQUIRED"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "table HTTP listen address")
	fs.BoolVar(&cfg.RequireAuth, "require-auth", cfg.RequireAuth, "reject websocket upgrades without a valid identity token")
	if err := config.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the table app and serves it until the context ends. Identity
// verification is wired in only when a public key is configured.
func Run(ctx context.Context, cfg Config) error {
	var verifier *identity.Verifier
	identityCfg, ok, err := identity.LoadConfigFromEnv(time.Now)
	if err != nil {
		return fmt.Errorf("load identity config: %w", err)
	}
	if ok {
		verifier, err = identity.NewVerifier(identityCfg)
		if err != nil {
			return fmt.Errorf("init identity verifier: %w", err)
		}
	}

	if err := server.Run(ctx, server.Config{
		HTTPAddr:    cfg.HTTPAddr,
		Verifier:    verifier,
		RequireAuth: cfg.RequireAuth,
	}); err != nil {
		return fmt.Errorf("serve table: %w", err)
	}
	return nil
}
