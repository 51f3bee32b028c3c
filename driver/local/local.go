package local

import (
	"context"
	"io"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gitlab.com/tozd/go/errors"

	"github.com/gobeaver/vfskit"
)

// listBatch is the number of entries read from the OS per listing round.
const listBatch = 256

// Adapter provides a local filesystem implementation of vfskit.Provider.
// Virtual paths are resolved below root.
type Adapter struct {
	root string
}

// New creates a new local filesystem adapter. An empty root addresses the
// whole filesystem.
func New(root string) (*Adapter, error) {
	if root == "" {
		return &Adapter{root: string(filepath.Separator)}, nil
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	// Ensure the root directory exists
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, err
	}

	return &Adapter{
		root: absRoot,
	}, nil
}

// Root returns the directory virtual paths are resolved against.
func (a *Adapter) Root() string { return a.root }

func (a *Adapter) fullPath(p vfskit.VirtualPath) string {
	return filepath.Join(a.root, filepath.FromSlash(p.String()))
}

func isPathUnderRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// mapError translates an OS error into the package sentinels, keeping the
// virtual path in the PathError.
func mapError(op string, p vfskit.VirtualPath, err error) error {
	if err == nil {
		return nil
	}
	// Errno first: ENOTEMPTY also matches fs.ErrExist.
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ENOTDIR:
			err = vfskit.ErrNotDir
		case syscall.EISDIR:
			err = vfskit.ErrIsDir
		case syscall.ENOTEMPTY:
			err = vfskit.ErrNotEmpty
		case syscall.EROFS:
			err = vfskit.ErrReadOnly
		case syscall.EXDEV, syscall.EOPNOTSUPP:
			err = vfskit.ErrNotSupported
		case syscall.ENAMETOOLONG, syscall.EINVAL:
			err = vfskit.ErrInvalidName
		}
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		err = vfskit.ErrNotExist
	case errors.Is(err, fs.ErrExist):
		err = vfskit.ErrExist
	case errors.Is(err, fs.ErrPermission):
		err = vfskit.ErrPermission
	}
	return &vfskit.PathError{Op: op, Path: p.String(), Err: err}
}

func fileType(mode fs.FileMode) vfskit.FileType {
	switch {
	case mode.IsDir():
		return vfskit.TypeDir
	case mode&fs.ModeSymlink != 0:
		return vfskit.TypeSymlink
	case mode.IsRegular():
		return vfskit.TypeRegular
	default:
		return vfskit.TypeOther
	}
}

// newFileInfo builds a vfskit.FileInfo from an os.FileInfo for the entry at
// p whose OS path is full.
func newFileInfo(p vfskit.VirtualPath, full string, info os.FileInfo) *vfskit.FileInfo {
	owner, group := extractPlatformInfo(info)
	fi := &vfskit.FileInfo{
		Name:    p.Name(),
		Path:    p,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Type:    fileType(info.Mode()),
		Mode:    info.Mode().Perm(),
		Owner:   owner,
		Group:   group,
	}
	if fi.Type == vfskit.TypeDir {
		fi.Size = 0
	}
	if fi.Type == vfskit.TypeSymlink {
		fi.LinkTarget, _ = os.Readlink(full)
	}
	if label, err := getLabel(full); err == nil {
		fi.SecurityLabel = label
	}
	return fi
}

// Stat implements vfskit.Provider
func (a *Adapter) Stat(ctx context.Context, p vfskit.VirtualPath, followLinks bool) (*vfskit.FileInfo, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		// Continue
	}

	full := a.fullPath(p)
	stat := os.Lstat
	if followLinks {
		stat = os.Stat
	}
	info, err := stat(full)
	if err != nil {
		return nil, mapError("stat", p, err)
	}
	return newFileInfo(p, full, info), nil
}

// dirStream reads a directory in batches so that huge directories are
// never held in memory at once.
type dirStream struct {
	f     *os.File
	dir   vfskit.VirtualPath
	full  string
	batch []fs.DirEntry
	cur   vfskit.FileInfo
	err   error
	done  bool
}

func (s *dirStream) Next() bool {
	for !s.done {
		if len(s.batch) == 0 {
			batch, err := s.f.ReadDir(listBatch)
			if err != nil && !errors.Is(err, io.EOF) {
				s.err = mapError("list", s.dir, err)
				s.done = true
				return false
			}
			if len(batch) == 0 {
				s.done = true
				return false
			}
			s.batch = batch
		}

		entry := s.batch[0]
		s.batch = s.batch[1:]

		info, err := entry.Info()
		if err != nil {
			// Removed since the directory was read.
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			s.err = mapError("list", s.dir.Join(entry.Name()), err)
			s.done = true
			return false
		}
		s.cur = *newFileInfo(s.dir.Join(entry.Name()), filepath.Join(s.full, entry.Name()), info)
		return true
	}
	return false
}

func (s *dirStream) Entry() vfskit.FileInfo { return s.cur }
func (s *dirStream) Err() error             { return s.err }

func (s *dirStream) Close() error {
	s.done = true
	return s.f.Close()
}

// List implements vfskit.Provider
func (a *Adapter) List(ctx context.Context, dir vfskit.VirtualPath) (vfskit.DirStream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		// Continue
	}

	full := a.fullPath(dir)
	info, err := os.Stat(full)
	if err != nil {
		return nil, mapError("list", dir, err)
	}
	if !info.IsDir() {
		return nil, &vfskit.PathError{Op: "list", Path: dir.String(), Err: vfskit.ErrNotDir}
	}

	f, err := os.Open(full)
	if err != nil {
		return nil, mapError("list", dir, err)
	}
	return &dirStream{f: f, dir: dir, full: full}, nil
}

// OpenRead implements vfskit.Provider
func (a *Adapter) OpenRead(ctx context.Context, p vfskit.VirtualPath) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		// Continue
	}

	f, err := os.Open(a.fullPath(p))
	if err != nil {
		return nil, mapError("read", p, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mapError("read", p, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, &vfskit.PathError{Op: "read", Path: p.String(), Err: vfskit.ErrIsDir}
	}
	return f, nil
}

// OpenWrite implements vfskit.Provider
func (a *Adapter) OpenWrite(ctx context.Context, p vfskit.VirtualPath, opts ...vfskit.WriteOption) (io.WriteCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		// Continue
	}

	o := vfskit.ApplyWriteOptions(opts...)
	full := a.fullPath(p)

	if o.CreateParents {
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, mapError("write", p.Parent(), err)
		}
	}

	f, err := os.OpenFile(full, o.OpenFlags(), o.Mode)
	if err != nil {
		return nil, mapError("write", p, err)
	}
	return f, nil
}

// CreateDir implements vfskit.Provider
func (a *Adapter) CreateDir(ctx context.Context, p vfskit.VirtualPath) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		// Continue
	}

	return mapError("mkdir", p, os.Mkdir(a.fullPath(p), 0o755))
}

// Delete implements vfskit.Provider
func (a *Adapter) Delete(ctx context.Context, p vfskit.VirtualPath) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		// Continue
	}

	full := a.fullPath(p)
	if full == a.root {
		return &vfskit.PathError{Op: "delete", Path: p.String(), Err: vfskit.ErrPermission}
	}
	return mapError("delete", p, os.Remove(full))
}

// Rename implements vfskit.Provider. It never replaces an existing dst and
// reports ErrNotSupported across devices so callers fall back to copying.
func (a *Adapter) Rename(ctx context.Context, src, dst vfskit.VirtualPath) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		// Continue
	}

	if !src.SameAuthority(dst) {
		return &vfskit.PathError{Op: "rename", Path: src.String(), Err: vfskit.ErrCrossAuthority}
	}
	if dst.HasPrefix(src) {
		return &vfskit.PathError{Op: "rename", Path: dst.String(), Err: vfskit.ErrInvalidName}
	}

	srcPath, dstPath := a.fullPath(src), a.fullPath(dst)
	if _, err := os.Lstat(dstPath); err == nil {
		return &vfskit.PathError{Op: "rename", Path: dst.String(), Err: vfskit.ErrExist}
	}
	if err := os.Rename(srcPath, dstPath); err != nil {
		return mapError("rename", src, err)
	}
	return nil
}

// Close implements vfskit.Provider
func (a *Adapter) Close() error { return nil }

// ============================================================================
// Optional Capability Interfaces
// ============================================================================

// lookupUser resolves a principal without a numeric ID by name.
func lookupUser(owner vfskit.Principal) (int, error) {
	if owner.ID >= 0 {
		return owner.ID, nil
	}
	u, err := user.Lookup(owner.Name)
	if err != nil {
		return 0, errors.Errorf("%w: unknown user %q", vfskit.ErrInvalidName, owner.Name)
	}
	return strconv.Atoi(u.Uid)
}

func lookupGroup(group vfskit.Principal) (int, error) {
	if group.ID >= 0 {
		return group.ID, nil
	}
	g, err := user.LookupGroup(group.Name)
	if err != nil {
		return 0, errors.Errorf("%w: unknown group %q", vfskit.ErrInvalidName, group.Name)
	}
	return strconv.Atoi(g.Gid)
}

// SetOwner implements vfskit.CanSetOwner
func (a *Adapter) SetOwner(ctx context.Context, p vfskit.VirtualPath, owner vfskit.Principal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	uid, err := lookupUser(owner)
	if err != nil {
		return &vfskit.PathError{Op: "chown", Path: p.String(), Err: err}
	}
	return mapError("chown", p, os.Lchown(a.fullPath(p), uid, -1))
}

// SetGroup implements vfskit.CanSetGroup
func (a *Adapter) SetGroup(ctx context.Context, p vfskit.VirtualPath, group vfskit.Principal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	gid, err := lookupGroup(group)
	if err != nil {
		return &vfskit.PathError{Op: "chgrp", Path: p.String(), Err: err}
	}
	return mapError("chgrp", p, os.Lchown(a.fullPath(p), -1, gid))
}

// SetMode implements vfskit.CanSetMode. Symlinks have no mode of their
// own and are refused rather than followed.
func (a *Adapter) SetMode(ctx context.Context, p vfskit.VirtualPath, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full := a.fullPath(p)
	info, err := os.Lstat(full)
	if err != nil {
		return mapError("chmod", p, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return &vfskit.PathError{Op: "chmod", Path: p.String(), Err: vfskit.ErrNotSupported}
	}
	return mapError("chmod", p, os.Chmod(full, mode.Perm()))
}

// SetSecurityLabel implements vfskit.CanSetSecurityLabel
func (a *Adapter) SetSecurityLabel(ctx context.Context, p vfskit.VirtualPath, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := setLabel(a.fullPath(p), label); err != nil {
		if errors.Is(err, vfskit.ErrNotSupported) {
			return &vfskit.PathError{Op: "chcon", Path: p.String(), Err: err}
		}
		return mapError("chcon", p, err)
	}
	return nil
}

// SetModTime implements vfskit.CanSetModTime
func (a *Adapter) SetModTime(ctx context.Context, p vfskit.VirtualPath, t time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapError("touch", p, os.Chtimes(a.fullPath(p), t, t))
}

// ReadLink implements vfskit.CanSymlink
func (a *Adapter) ReadLink(ctx context.Context, p vfskit.VirtualPath) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target, err := os.Readlink(a.fullPath(p))
	if err != nil {
		return "", mapError("readlink", p, err)
	}
	return filepath.ToSlash(target), nil
}

// Symlink implements vfskit.CanSymlink. Absolute targets are taken as
// virtual paths below root.
func (a *Adapter) Symlink(ctx context.Context, target string, link vfskit.VirtualPath) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	osTarget := filepath.FromSlash(target)
	if filepath.IsAbs(osTarget) && a.root != string(filepath.Separator) {
		osTarget = filepath.Join(a.root, osTarget)
		if !isPathUnderRoot(a.root, osTarget) {
			return &vfskit.PathError{Op: "symlink", Path: link.String(), Err: vfskit.ErrPermission}
		}
	}
	return mapError("symlink", link, os.Symlink(osTarget, a.fullPath(link)))
}

// IsReadOnly implements vfskit.FileStoreInfo. It checks the mount of the
// nearest existing ancestor of p.
func (a *Adapter) IsReadOnly(ctx context.Context, p vfskit.VirtualPath) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	full := a.fullPath(p)
	for {
		if _, err := os.Lstat(full); err == nil {
			break
		}
		parent := filepath.Dir(full)
		if parent == full {
			break
		}
		full = parent
	}
	ro, err := readOnly(full)
	if err != nil {
		return false, mapError("statfs", p, err)
	}
	return ro, nil
}

var (
	_ vfskit.Provider            = (*Adapter)(nil)
	_ vfskit.CanSetOwner         = (*Adapter)(nil)
	_ vfskit.CanSetGroup         = (*Adapter)(nil)
	_ vfskit.CanSetMode          = (*Adapter)(nil)
	_ vfskit.CanSetSecurityLabel = (*Adapter)(nil)
	_ vfskit.CanSetModTime       = (*Adapter)(nil)
	_ vfskit.CanSymlink          = (*Adapter)(nil)
	_ vfskit.FileStoreInfo       = (*Adapter)(nil)
)
