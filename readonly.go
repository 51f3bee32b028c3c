package vfskit

import (
	"context"
	"io"
	"os"
	"time"
)

// ============================================================================
// ReadOnlyProvider Decorator
// ============================================================================

// ReadOnlyProvider wraps a Provider to prevent all write operations. Every
// mutation, attribute setters included, fails with a PathError wrapping
// ErrReadOnly, and the store reports itself read-only so that error prompts
// can say so.
//
//	prov := vfskit.NewReadOnlyProvider(local.New())
//	_, err := prov.OpenWrite(ctx, p)
//	// errors.Is(err, vfskit.ErrReadOnly)
type ReadOnlyProvider struct {
	prov Provider
	// OnWriteAttempt is called with the operation and path of every
	// rejected mutation. For logging and metrics.
	OnWriteAttempt func(op string, p VirtualPath)
}

// NewReadOnlyProvider creates a read-only wrapper around prov.
func NewReadOnlyProvider(prov Provider) *ReadOnlyProvider {
	return &ReadOnlyProvider{prov: prov}
}

// Unwrap returns the underlying Provider.
func (r *ReadOnlyProvider) Unwrap() Provider {
	return r.prov
}

func (r *ReadOnlyProvider) deny(op string, p VirtualPath) error {
	if r.OnWriteAttempt != nil {
		r.OnWriteAttempt(op, p)
	}
	return &PathError{Op: op, Path: p.String(), Err: ErrReadOnly}
}

func (r *ReadOnlyProvider) Stat(ctx context.Context, p VirtualPath, followLinks bool) (*FileInfo, error) {
	return r.prov.Stat(ctx, p, followLinks)
}

func (r *ReadOnlyProvider) List(ctx context.Context, dir VirtualPath) (DirStream, error) {
	return r.prov.List(ctx, dir)
}

func (r *ReadOnlyProvider) OpenRead(ctx context.Context, p VirtualPath) (io.ReadCloser, error) {
	return r.prov.OpenRead(ctx, p)
}

func (r *ReadOnlyProvider) OpenWrite(_ context.Context, p VirtualPath, _ ...WriteOption) (io.WriteCloser, error) {
	return nil, r.deny("write", p)
}

func (r *ReadOnlyProvider) CreateDir(_ context.Context, p VirtualPath) error {
	return r.deny("mkdir", p)
}

func (r *ReadOnlyProvider) Delete(_ context.Context, p VirtualPath) error {
	return r.deny("delete", p)
}

func (r *ReadOnlyProvider) Rename(_ context.Context, src, _ VirtualPath) error {
	return r.deny("rename", src)
}

func (r *ReadOnlyProvider) Close() error {
	return r.prov.Close()
}

func (r *ReadOnlyProvider) SetOwner(_ context.Context, p VirtualPath, _ Principal) error {
	return r.deny("chown", p)
}

func (r *ReadOnlyProvider) SetGroup(_ context.Context, p VirtualPath, _ Principal) error {
	return r.deny("chgrp", p)
}

func (r *ReadOnlyProvider) SetMode(_ context.Context, p VirtualPath, _ os.FileMode) error {
	return r.deny("chmod", p)
}

func (r *ReadOnlyProvider) SetSecurityLabel(_ context.Context, p VirtualPath, _ string) error {
	return r.deny("chcon", p)
}

func (r *ReadOnlyProvider) SetModTime(_ context.Context, p VirtualPath, _ time.Time) error {
	return r.deny("touch", p)
}

// ReadLink passes through when the wrapped provider supports links.
func (r *ReadOnlyProvider) ReadLink(ctx context.Context, p VirtualPath) (string, error) {
	return ReadLink(ctx, r.prov, p)
}

func (r *ReadOnlyProvider) Symlink(_ context.Context, _ string, link VirtualPath) error {
	return r.deny("symlink", link)
}

// IsReadOnly always reports true.
func (r *ReadOnlyProvider) IsReadOnly(context.Context, VirtualPath) (bool, error) {
	return true, nil
}

var (
	_ Provider            = (*ReadOnlyProvider)(nil)
	_ CanSetOwner         = (*ReadOnlyProvider)(nil)
	_ CanSetGroup         = (*ReadOnlyProvider)(nil)
	_ CanSetMode          = (*ReadOnlyProvider)(nil)
	_ CanSetSecurityLabel = (*ReadOnlyProvider)(nil)
	_ CanSetModTime       = (*ReadOnlyProvider)(nil)
	_ CanSymlink          = (*ReadOnlyProvider)(nil)
	_ FileStoreInfo       = (*ReadOnlyProvider)(nil)
)
