package vfskit

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrProviderExists is returned when mounting over a live authority
	ErrProviderExists = errors.Base("provider already mounted")
	// ErrProviderNotFound is returned when unmounting an unknown authority
	ErrProviderNotFound = errors.Base("no provider mounted")
	// ErrNilProvider is returned when trying to mount a nil provider
	ErrNilProvider = errors.Base("provider cannot be nil")
)

// Deps is handed to a Factory when a provider is created.
type Deps struct {
	Config      *Config
	Credentials CredentialStore
}

// Factory creates the provider for an authority.
type Factory func(ctx context.Context, auth Authority, deps Deps) (Provider, error)

var (
	schemeFactories = make(map[Scheme]Factory)
	factoryMutex    sync.RWMutex
)

// RegisterScheme registers the default factory for a scheme. Drivers call it
// from init.
func RegisterScheme(scheme Scheme, factory Factory) {
	factoryMutex.Lock()
	defer factoryMutex.Unlock()
	schemeFactories[scheme] = factory
}

func lookupFactory(scheme Scheme) (Factory, bool) {
	factoryMutex.RLock()
	defer factoryMutex.RUnlock()
	f, ok := schemeFactories[scheme]
	return f, ok
}

// Registry maps authorities to live providers. Providers are created on
// first use from the factory of their scheme, or mounted explicitly.
//
//	reg := vfskit.NewRegistry(cfg, creds)
//	defer reg.Close()
//	prov, err := reg.Resolve(ctx, path)
type Registry struct {
	mu        sync.RWMutex
	cfg       *Config
	creds     CredentialStore
	factories map[Scheme]Factory
	providers map[Authority]Provider
	group     singleflight.Group
	closed    bool
}

// NewRegistry creates an empty registry. A nil cfg means DefaultConfig and
// a nil store means an empty MemoryCredentials.
func NewRegistry(cfg *Config, creds CredentialStore) *Registry {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if creds == nil {
		creds = NewMemoryCredentials()
	}
	return &Registry{
		cfg:       cfg,
		creds:     creds,
		factories: make(map[Scheme]Factory),
		providers: make(map[Authority]Provider),
	}
}

// Config returns the configuration handed to factories.
func (r *Registry) Config() *Config { return r.cfg }

// Credentials returns the credential store handed to factories.
func (r *Registry) Credentials() CredentialStore { return r.creds }

// SetFactory overrides the factory of a scheme for this registry only.
func (r *Registry) SetFactory(scheme Scheme, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[scheme] = factory
}

// Mount attaches prov as the provider of auth.
func (r *Registry) Mount(auth Authority, prov Provider) error {
	if prov == nil {
		return ErrNilProvider
	}
	auth = auth.Normalize()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if _, exists := r.providers[auth]; exists {
		return errors.Errorf("%w: %s", ErrProviderExists, auth)
	}
	r.providers[auth] = prov
	return nil
}

// Unmount detaches and closes the provider of auth.
func (r *Registry) Unmount(auth Authority) error {
	auth = auth.Normalize()

	r.mu.Lock()
	prov, exists := r.providers[auth]
	delete(r.providers, auth)
	r.mu.Unlock()

	if !exists {
		return errors.Errorf("%w: %s", ErrProviderNotFound, auth)
	}
	return prov.Close()
}

// Authorities returns the authorities with a live provider, sorted.
func (r *Registry) Authorities() []Authority {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Authority, 0, len(r.providers))
	for a := range r.providers {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].compare(out[j]) < 0 })
	return out
}

// Provider returns the provider of auth, creating it on first use.
// Concurrent first uses share one creation.
func (r *Registry) Provider(ctx context.Context, auth Authority) (Provider, error) {
	auth = auth.Normalize()

	r.mu.RLock()
	prov, ok := r.providers[auth]
	closed := r.closed
	factory, custom := r.factories[auth.Scheme]
	r.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if ok {
		return prov, nil
	}
	if !custom {
		factory, custom = lookupFactory(auth.Scheme)
	}
	if !custom {
		return nil, errors.Errorf("%w: %s", ErrUnknownScheme, auth.Scheme)
	}

	key := auth.String() + auth.query()
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		r.mu.RLock()
		prov, ok := r.providers[auth]
		r.mu.RUnlock()
		if ok {
			return prov, nil
		}

		zerolog.Ctx(ctx).Debug().Str("authority", auth.String()).Msg("creating provider")
		prov, err := factory(ctx, auth, Deps{Config: r.cfg, Credentials: r.creds})
		if err != nil {
			return nil, errors.Errorf("create provider for %s: %w", auth, err)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			_ = prov.Close()
			return nil, ErrClosed
		}
		r.providers[auth] = prov
		return prov, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Provider), nil
}

// Resolve returns the provider that owns p.
func (r *Registry) Resolve(ctx context.Context, p VirtualPath) (Provider, error) {
	return r.Provider(ctx, p.Authority())
}

// Close closes every provider. The registry cannot be used afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	providers := r.providers
	r.providers = make(map[Authority]Provider)
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for auth, prov := range providers {
		if err := prov.Close(); err != nil {
			errs = append(errs, errors.Errorf("close %s: %w", auth, err))
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("errors closing providers: %v", errs)
	}
	return nil
}
