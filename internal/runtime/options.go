package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/cinetech-relay/internal/adapters/config/file"
	"github.com/tjfontaine/cinetech-relay/internal/core/ports"
	"github.com/tjfontaine/cinetech-relay/internal/pkg/config"
	"github.com/tjfontaine/cinetech-relay/internal/relay"
)

// Option is a functional option for configuring a Relay.
type Option func(*Relay) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(r *Relay) error {
		provider, err := file.NewProvider(path)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		if r.logger != nil {
			provider.WithLogger(r.logger)
		}
		r.config = provider
		return nil
	}
}

// WithConfig uses a fixed configuration that is never reloaded.
func WithConfig(cfg *config.Config) Option {
	return func(r *Relay) error {
		if cfg == nil {
			return fmt.Errorf("config is nil")
		}
		r.config = staticConfig{cfg: cfg}
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
// For advanced use cases where you need full control over config loading.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(r *Relay) error {
		r.config = provider
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) error {
		r.logger = logger
		return nil
	}
}

// WithAuthProvider sets a custom auth provider. Without one, API key auth is
// enabled when tenants are configured.
func WithAuthProvider(provider ports.AuthProvider) Option {
	return func(r *Relay) error {
		r.auth = provider
		return nil
	}
}

// WithLedgerStore sets the usage ledger instead of opening storage.driver.
func WithLedgerStore(store ports.LedgerStore) Option {
	return func(r *Relay) error {
		r.ledger = store
		return nil
	}
}

// WithBlobStore sets where generated images are published.
func WithBlobStore(store ports.BlobStore) Option {
	return func(r *Relay) error {
		r.blobs = store
		return nil
	}
}

// WithBackend replaces the Assistants API client used for threads and runs.
func WithBackend(backend relay.Backend) Option {
	return func(r *Relay) error {
		r.backend = backend
		return nil
	}
}

// WithEventSink adds a publisher that receives every run event in addition
// to the ledger.
func WithEventSink(sink ports.EventPublisher) Option {
	return func(r *Relay) error {
		r.sinks = append(r.sinks, sink)
		return nil
	}
}

// WithQualityPolicy sets a custom quality policy.
func WithQualityPolicy(policy ports.QualityPolicy) Option {
	return func(r *Relay) error {
		r.policy = policy
		return nil
	}
}

type staticConfig struct {
	cfg *config.Config
}

func (s staticConfig) Load(ctx context.Context) (*config.Config, error) { return s.cfg, nil }

func (s staticConfig) Watch(ctx context.Context, onChange func(*config.Config)) error { return nil }

func (s staticConfig) Close() error { return nil }
