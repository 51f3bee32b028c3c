package vfskit

import (
	"context"
	"sync"

	"gitlab.com/tozd/go/errors"
)

// ErrNoCredentials is wrapped in a UserActionRequiredError when no
// credentials are known for an authority.
var ErrNoCredentials = errors.Base("no credentials")

// ActionAuthenticate is the user action that supplies credentials.
const ActionAuthenticate = "authentication"

// Credentials authenticate a remote session.
type Credentials struct {
	Password   string
	PrivateKey []byte // PEM encoded
	Passphrase []byte // for an encrypted PrivateKey
}

// Empty reports whether no secret is set.
func (c Credentials) Empty() bool {
	return c.Password == "" && len(c.PrivateKey) == 0
}

// CredentialStore looks up credentials for an authority. When it has none it
// returns a *UserActionRequiredError so that callers can ask the user.
type CredentialStore interface {
	Lookup(ctx context.Context, auth Authority) (Credentials, error)
}

// MemoryCredentials is a CredentialStore backed by a map.
type MemoryCredentials struct {
	mu    sync.RWMutex
	creds map[Authority]Credentials
}

// NewMemoryCredentials creates an empty store.
func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{creds: make(map[Authority]Credentials)}
}

// Set stores credentials for auth.
func (m *MemoryCredentials) Set(auth Authority, c Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[auth.Normalize()] = c
}

// Forget removes the credentials for auth, after an authentication failure
// for instance.
func (m *MemoryCredentials) Forget(auth Authority) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, auth.Normalize())
}

func (m *MemoryCredentials) Lookup(_ context.Context, auth Authority) (Credentials, error) {
	auth = auth.Normalize()

	m.mu.RLock()
	c, ok := m.creds[auth]
	m.mu.RUnlock()

	if !ok || c.Empty() {
		return Credentials{}, &UserActionRequiredError{Authority: auth, Action: ActionAuthenticate, Err: ErrNoCredentials}
	}
	return c, nil
}

var _ CredentialStore = (*MemoryCredentials)(nil)
