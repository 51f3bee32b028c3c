package vfskit

import (
	"context"
	"os"
	"time"

	"gitlab.com/tozd/go/errors"
)

// SetOwner changes the owner of p if prov supports it.
func SetOwner(ctx context.Context, prov Provider, p VirtualPath, owner Principal) error {
	s, ok := prov.(CanSetOwner)
	if !ok {
		return NewPathError("chown", p, ErrNotSupported)
	}
	return s.SetOwner(ctx, p, owner)
}

// SetGroup changes the group of p if prov supports it.
func SetGroup(ctx context.Context, prov Provider, p VirtualPath, group Principal) error {
	s, ok := prov.(CanSetGroup)
	if !ok {
		return NewPathError("chgrp", p, ErrNotSupported)
	}
	return s.SetGroup(ctx, p, group)
}

// SetMode changes the permission bits of p if prov supports it.
func SetMode(ctx context.Context, prov Provider, p VirtualPath, mode os.FileMode) error {
	s, ok := prov.(CanSetMode)
	if !ok {
		return NewPathError("chmod", p, ErrNotSupported)
	}
	return s.SetMode(ctx, p, mode)
}

// SetSecurityLabel changes the security label of p if prov supports it.
func SetSecurityLabel(ctx context.Context, prov Provider, p VirtualPath, label string) error {
	s, ok := prov.(CanSetSecurityLabel)
	if !ok {
		return NewPathError("chcon", p, ErrNotSupported)
	}
	return s.SetSecurityLabel(ctx, p, label)
}

// SetModTime changes the modification time of p if prov supports it.
func SetModTime(ctx context.Context, prov Provider, p VirtualPath, t time.Time) error {
	s, ok := prov.(CanSetModTime)
	if !ok {
		return NewPathError("touch", p, ErrNotSupported)
	}
	return s.SetModTime(ctx, p, t)
}

// ReadLink returns the target of the symlink p if prov supports links.
func ReadLink(ctx context.Context, prov Provider, p VirtualPath) (string, error) {
	s, ok := prov.(CanSymlink)
	if !ok {
		return "", NewPathError("readlink", p, ErrNotSupported)
	}
	return s.ReadLink(ctx, p)
}

// Symlink creates link pointing at target if prov supports links.
func Symlink(ctx context.Context, prov Provider, target string, link VirtualPath) error {
	s, ok := prov.(CanSymlink)
	if !ok {
		return NewPathError("symlink", link, ErrNotSupported)
	}
	return s.Symlink(ctx, target, link)
}

// SupportsSymlinks reports whether prov can create links.
func SupportsSymlinks(prov Provider) bool {
	_, ok := prov.(CanSymlink)
	return ok
}

// IsReadOnly reports whether the store holding p is read-only. Providers
// without FileStoreInfo are reported writable.
func IsReadOnly(ctx context.Context, prov Provider, p VirtualPath) bool {
	s, ok := prov.(FileStoreInfo)
	if !ok {
		return false
	}
	ro, err := s.IsReadOnly(ctx, p)
	return err == nil && ro
}

// ReadOnlyTarget reports whether a failure on p should be presented as a
// read-only target: the store says it is read-only and the error is one a
// read-only store would produce.
func ReadOnlyTarget(ctx context.Context, prov Provider, p VirtualPath, err error) bool {
	if errors.Is(err, ErrReadOnly) {
		return true
	}
	if !IsPermission(err) {
		return false
	}
	return IsReadOnly(ctx, prov, p)
}

// Exists reports whether p exists. Errors other than ErrNotExist are
// returned.
func Exists(ctx context.Context, prov Provider, p VirtualPath) (bool, error) {
	_, err := prov.Stat(ctx, p, false)
	switch {
	case err == nil:
		return true, nil
	case IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

// StatFallback stats p following links and, when that fails (a dangling
// link for instance), stats the link itself.
func StatFallback(ctx context.Context, prov Provider, p VirtualPath) (*FileInfo, error) {
	fi, err := prov.Stat(ctx, p, true)
	if err == nil {
		return fi, nil
	}
	fi, lerr := prov.Stat(ctx, p, false)
	if lerr != nil {
		return nil, err
	}
	return fi, nil
}

// MkdirAll creates p and any missing parents.
func MkdirAll(ctx context.Context, prov Provider, p VirtualPath) error {
	fi, err := prov.Stat(ctx, p, true)
	if err == nil {
		if fi.IsDir() {
			return nil
		}
		return NewPathError("mkdir", p, ErrNotDir)
	}
	if !IsNotExist(err) {
		return err
	}
	if !p.IsRoot() && p.Depth() > 0 {
		if err := MkdirAll(ctx, prov, p.Parent()); err != nil {
			return err
		}
	}
	if err := prov.CreateDir(ctx, p); err != nil && !IsExist(err) {
		return err
	}
	return nil
}

// RemoveAll deletes p and, for directories, everything below it.
func RemoveAll(ctx context.Context, prov Provider, p VirtualPath) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	fi, err := prov.Stat(ctx, p, false)
	if err != nil {
		if IsNotExist(err) {
			return nil
		}
		return err
	}
	if fi.IsDir() {
		entries, err := ReadDir(ctx, prov, p)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := RemoveAll(ctx, prov, e.Path); err != nil {
				return err
			}
		}
	}
	if err := prov.Delete(ctx, p); err != nil && !IsNotExist(err) {
		return err
	}
	return nil
}
