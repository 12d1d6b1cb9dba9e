package config

import (
	"context"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/cirrusfs/cirrus/internal/logger"
	"github.com/cirrusfs/cirrus/pkg/accounts"
	"github.com/cirrusfs/cirrus/pkg/provider"
	"github.com/cirrusfs/cirrus/pkg/provider/localfs"
	"github.com/cirrusfs/cirrus/pkg/provider/memory"
	providers3 "github.com/cirrusfs/cirrus/pkg/provider/s3"
	"github.com/cirrusfs/cirrus/pkg/provider/vault"
	"github.com/cirrusfs/cirrus/pkg/server"
)

// ProviderFactory builds the server.ProviderFactory for the configured
// backend type. The factory is invoked once per account; backends that hold
// exclusive resources (vault's database lock) are created once and shared.
func ProviderFactory(ctx context.Context, cfg *Config) (server.ProviderFactory, error) {
	switch cfg.Provider.Type {
	case "memory":
		var memCfg memory.Config
		if err := decodeSection(cfg.Provider.Memory, &memCfg); err != nil {
			return nil, fmt.Errorf("provider.memory: %w", err)
		}
		return func(accounts.Account) (provider.Provider, error) {
			return memory.New(memCfg), nil
		}, nil

	case "local":
		var localCfg localfs.Config
		if err := decodeSection(cfg.Provider.Local, &localCfg); err != nil {
			return nil, fmt.Errorf("provider.local: %w", err)
		}
		backend, err := localfs.New(localCfg)
		if err != nil {
			return nil, err
		}
		logger.Info("Local provider root: %s", backend.Root())
		return func(accounts.Account) (provider.Provider, error) {
			return backend, nil
		}, nil

	case "vault":
		var vaultCfg vault.Config
		if err := decodeSection(cfg.Provider.Vault, &vaultCfg); err != nil {
			return nil, fmt.Errorf("provider.vault: %w", err)
		}
		backend, err := vault.Open(vaultCfg)
		if err != nil {
			return nil, err
		}
		logger.Info("Vault provider database: %s", vaultCfg.Path)
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					backend.Close()
					return
				case <-ticker.C:
					backend.RunGC()
				}
			}
		}()
		return func(accounts.Account) (provider.Provider, error) {
			return backend, nil
		}, nil

	case "s3":
		var s3Cfg providers3.Config
		if err := decodeSection(cfg.Provider.S3, &s3Cfg); err != nil {
			return nil, fmt.Errorf("provider.s3: %w", err)
		}
		return func(account accounts.Account) (provider.Provider, error) {
			perAccount := s3Cfg
			// A per-account bucket setting beats the static config, so
			// one daemon can serve several accounts with distinct
			// buckets.
			if account != nil {
				if bucket := account.Setting("bucket"); bucket != "" {
					perAccount.Bucket = bucket
				}
				if prefix := account.Setting("key_prefix"); prefix != "" {
					perAccount.KeyPrefix = prefix
				}
			}
			return providers3.New(ctx, perAccount)
		}, nil

	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Provider.Type)
	}
}

func decodeSection(section map[string]any, target any) error {
	if section == nil {
		section = map[string]any{}
	}
	return mapstructure.Decode(section, target)
}
