package zip

import (
	"archive/zip"
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"gitlab.com/tozd/go/errors"

	"github.com/gobeaver/vfskit"
)

const maxLinkHops = 40

// Adapter exposes a ZIP archive as a read-only vfskit.Provider. Every path
// it serves belongs to the archive authority of the file it was opened
// from.
type Adapter struct {
	mu     sync.RWMutex
	path   string
	auth   vfskit.Authority
	reader *zip.ReadCloser
	files  map[string]*zipEntry // In-memory index keyed by clean path
	closed bool
}

// zipEntry represents a file or directory in the ZIP
type zipEntry struct {
	file   *zip.File // nil for implied directories
	typ    vfskit.FileType
	target string
}

// Open opens an existing ZIP file and indexes its entries.
func Open(zipPath string) (*Adapter, error) {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, errors.Errorf("failed to open zip: %w", err)
	}

	a := &Adapter{
		path:   zipPath,
		auth:   vfskit.ArchiveAuthority(zipPath),
		reader: reader,
		files:  map[string]*zipEntry{"/": {typ: vfskit.TypeDir}},
	}

	// Build file index
	for _, f := range reader.File {
		name := normalizePath(f.Name)
		if name == "/" {
			continue
		}
		entry := &zipEntry{file: f, typ: entryType(f.Mode())}
		if entry.typ == vfskit.TypeSymlink {
			target, err := readAll(f)
			if err != nil {
				reader.Close()
				return nil, errors.Errorf("failed to read link %s: %w", f.Name, err)
			}
			entry.target = string(target)
		}
		a.files[name] = entry

		// Also add parent directories
		a.ensureParentDirs(name)
	}

	return a, nil
}

// Authority returns the archive authority of the adapter.
func (a *Adapter) Authority() vfskit.Authority { return a.auth }

// Close closes the underlying archive
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	return a.reader.Close()
}

func readAll(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func entryType(mode fs.FileMode) vfskit.FileType {
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

// ensureParentDirs adds implied directories for name
func (a *Adapter) ensureParentDirs(name string) {
	dir := path.Dir(name)
	for dir != "/" && dir != "." {
		if _, exists := a.files[dir]; !exists {
			a.files[dir] = &zipEntry{typ: vfskit.TypeDir}
		}
		dir = path.Dir(dir)
	}
}

// normalizePath turns an archive member name or virtual path into an index
// key
func normalizePath(p string) string {
	return path.Clean("/" + strings.TrimSuffix(p, "/"))
}

// lookup finds the entry for key, following links when asked. Must be
// called with a.mu held.
func (a *Adapter) lookup(key string, follow bool) (*zipEntry, error) {
	if a.closed {
		return nil, vfskit.ErrClosed
	}
	for hops := 0; ; hops++ {
		entry, exists := a.files[key]
		if !exists {
			return nil, vfskit.ErrNotExist
		}
		if !follow || entry.typ != vfskit.TypeSymlink {
			return entry, nil
		}
		if hops >= maxLinkHops {
			return nil, vfskit.ErrInvalidName
		}
		if strings.HasPrefix(entry.target, "/") {
			key = normalizePath(entry.target)
		} else {
			key = normalizePath(path.Join(path.Dir(key), entry.target))
		}
	}
}

func (a *Adapter) info(p vfskit.VirtualPath, entry *zipEntry) *vfskit.FileInfo {
	fi := &vfskit.FileInfo{
		Name:       p.Name(),
		Path:       p,
		Type:       entry.typ,
		Mode:       0o755,
		Owner:      vfskit.Principal{ID: -1},
		Group:      vfskit.Principal{ID: -1},
		LinkTarget: entry.target,
	}
	if entry.file != nil {
		fi.ModTime = entry.file.Modified
		fi.Mode = entry.file.Mode().Perm()
		if entry.typ == vfskit.TypeRegular {
			fi.Size = int64(entry.file.UncompressedSize64)
		}
	}
	return fi
}

// Stat implements vfskit.Provider
func (a *Adapter) Stat(ctx context.Context, p vfskit.VirtualPath, followLinks bool) (*vfskit.FileInfo, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	entry, err := a.lookup(normalizePath(p.String()), followLinks)
	if err != nil {
		return nil, vfskit.NewPathError("stat", p, err)
	}
	return a.info(p, entry), nil
}

// List implements vfskit.Provider
func (a *Adapter) List(ctx context.Context, dir vfskit.VirtualPath) (vfskit.DirStream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	key := normalizePath(dir.String())
	entry, err := a.lookup(key, true)
	if err != nil {
		return nil, vfskit.NewPathError("list", dir, err)
	}
	if entry.typ != vfskit.TypeDir {
		return nil, vfskit.NewPathError("list", dir, vfskit.ErrNotDir)
	}

	prefix := strings.TrimSuffix(key, "/") + "/"
	var names []string
	for name := range a.files {
		if name == key || !strings.HasPrefix(name, prefix) {
			continue
		}
		if rest := name[len(prefix):]; !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	sort.Strings(names)

	entries := make([]vfskit.FileInfo, 0, len(names))
	for _, name := range names {
		entries = append(entries, *a.info(dir.Join(name), a.files[prefix+name]))
	}
	return vfskit.NewSliceDirStream(entries), nil
}

// OpenRead implements vfskit.Provider
func (a *Adapter) OpenRead(ctx context.Context, p vfskit.VirtualPath) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	entry, err := a.lookup(normalizePath(p.String()), true)
	if err != nil {
		return nil, vfskit.NewPathError("read", p, err)
	}
	if entry.typ == vfskit.TypeDir {
		return nil, vfskit.NewPathError("read", p, vfskit.ErrIsDir)
	}
	rc, err := entry.file.Open()
	if err != nil {
		return nil, vfskit.NewPathError("read", p, err)
	}
	return rc, nil
}

func readOnly(op string, p vfskit.VirtualPath) error {
	return vfskit.NewPathError(op, p, vfskit.ErrReadOnly)
}

// OpenWrite implements vfskit.Provider. Archives are read-only.
func (a *Adapter) OpenWrite(_ context.Context, p vfskit.VirtualPath, _ ...vfskit.WriteOption) (io.WriteCloser, error) {
	return nil, readOnly("write", p)
}

func (a *Adapter) CreateDir(_ context.Context, p vfskit.VirtualPath) error {
	return readOnly("mkdir", p)
}

func (a *Adapter) Delete(_ context.Context, p vfskit.VirtualPath) error {
	return readOnly("delete", p)
}

func (a *Adapter) Rename(_ context.Context, src, _ vfskit.VirtualPath) error {
	return readOnly("rename", src)
}

// ReadLink implements vfskit.CanSymlink
func (a *Adapter) ReadLink(ctx context.Context, p vfskit.VirtualPath) (string, error) {
	fi, err := a.Stat(ctx, p, false)
	if err != nil {
		return "", err
	}
	if !fi.IsSymlink() {
		return "", vfskit.NewPathError("readlink", p, vfskit.ErrInvalidName)
	}
	return fi.LinkTarget, nil
}

func (a *Adapter) Symlink(_ context.Context, _ string, link vfskit.VirtualPath) error {
	return readOnly("symlink", link)
}

// IsReadOnly implements vfskit.FileStoreInfo
func (a *Adapter) IsReadOnly(context.Context, vfskit.VirtualPath) (bool, error) {
	return true, nil
}

// Extract copies the archive member p to a local file. Convenience for
// callers outside a job.
func (a *Adapter) Extract(ctx context.Context, p vfskit.VirtualPath, dst string) error {
	r, err := a.OpenRead(ctx, p)
	if err != nil {
		return err
	}
	defer r.Close()

	f, err := os.Create(dst)
	if err != nil {
		return errors.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := vfskit.CopyStream(ctx, f, r, vfskit.DefaultChunkSize, nil); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

var (
	_ vfskit.Provider      = (*Adapter)(nil)
	_ vfskit.CanSymlink    = (*Adapter)(nil)
	_ vfskit.FileStoreInfo = (*Adapter)(nil)
)
