package vfskit

import (
	"context"
	"testing"
)

func TestBuilderPrefix(t *testing.T) {
	t.Setenv("MYAPP_VFSKIT_POOL_MAX_PER_HOST", "3")
	t.Setenv("MYAPP_VFSKIT_MODE_X_POLICY", "posix")

	creds := NewMemoryCredentials()
	reg, err := WithPrefix("MYAPP_").WithCredentials(creds).New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer reg.Close()

	if reg.Config().PoolMaxPerHost != 3 {
		t.Errorf("PoolMaxPerHost = %d, want 3", reg.Config().PoolMaxPerHost)
	}
	if reg.Config().ModeXPolicy != ModeXPOSIX {
		t.Errorf("ModeXPolicy = %q, want %q", reg.Config().ModeXPolicy, ModeXPOSIX)
	}
	if reg.Credentials() != CredentialStore(creds) {
		t.Error("expected the builder's credential store")
	}
}

func TestBuilderRejectsInvalidConfig(t *testing.T) {
	t.Setenv("MYAPP_VFSKIT_CHUNK_SIZE", "0")

	if _, err := WithPrefix("MYAPP_").New(); err == nil {
		t.Fatal("expected error for zero chunk size")
	}
}

func TestDefault(t *testing.T) {
	t.Cleanup(func() { _ = Reset() })

	cfg := DefaultConfig()
	cfg.PoolMaxPerHost = 7
	if err := Init(cfg); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	other := DefaultConfig()
	other.PoolMaxPerHost = 1
	if err := Init(other); err != nil {
		t.Fatalf("second Init() error = %v", err)
	}

	reg, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if reg.Config().PoolMaxPerHost != 7 {
		t.Errorf("PoolMaxPerHost = %d, want 7 from the first Init", reg.Config().PoolMaxPerHost)
	}

	if err := Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if _, err := reg.Provider(context.Background(), MemoryAuthority("x")); err == nil {
		t.Error("expected the reset registry to be closed")
	}
}

func TestInitRejectsInvalidConfig(t *testing.T) {
	t.Cleanup(func() { _ = Reset() })

	cfg := DefaultConfig()
	cfg.ChunkSize = -1
	if err := Init(cfg); err == nil {
		t.Fatal("expected error for negative chunk size")
	}
	if _, err := Default(); err == nil {
		t.Fatal("expected Default to report the failed Init")
	}
}
