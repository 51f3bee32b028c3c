package vfskit

import (
	"sync"

	"github.com/gobeaver/beaver-kit/config"
	"gitlab.com/tozd/go/errors"
)

// Global instance
var (
	defaultRegistry *Registry
	defaultOnce     sync.Once
	defaultErr      error
)

// Builder creates registries from environment variables with a custom
// prefix.
type Builder struct {
	prefix string
	creds  CredentialStore
}

// WithPrefix creates a new Builder with the specified prefix
func WithPrefix(prefix string) *Builder {
	return &Builder{prefix: prefix}
}

// WithCredentials sets the credential store of the registries the builder
// creates.
func (b *Builder) WithCredentials(creds CredentialStore) *Builder {
	b.creds = creds
	return b
}

// Config loads and validates the configuration.
func (b *Builder) Config() (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg, config.LoadOptions{Prefix: b.prefix}); err != nil {
		return nil, errors.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// New creates a registry using the builder's prefix
func (b *Builder) New() (*Registry, error) {
	cfg, err := b.Config()
	if err != nil {
		return nil, err
	}
	return NewRegistry(cfg, b.creds), nil
}

// Init initializes the global registry using the builder's prefix
func (b *Builder) Init() error {
	cfg, err := b.Config()
	if err != nil {
		return err
	}
	return Init(cfg)
}

// Init initializes the global registry. Without a config the environment
// is read. Only the first call has an effect.
func Init(configs ...*Config) error {
	defaultOnce.Do(func() {
		var cfg *Config
		if len(configs) > 0 {
			cfg = configs[0]
			if defaultErr = cfg.Validate(); defaultErr != nil {
				return
			}
		} else {
			cfg, defaultErr = GetConfig()
			if defaultErr != nil {
				return
			}
		}
		defaultRegistry = NewRegistry(cfg, nil)
	})
	return defaultErr
}

// Default returns the global registry, initializing it from the
// environment on first use.
func Default() (*Registry, error) {
	if err := Init(); err != nil {
		return nil, err
	}
	return defaultRegistry, nil
}

// Reset closes the global registry and forgets it. For tests.
func Reset() error {
	var err error
	if defaultRegistry != nil {
		err = defaultRegistry.Close()
	}
	defaultRegistry = nil
	defaultErr = nil
	defaultOnce = sync.Once{}
	return err
}
