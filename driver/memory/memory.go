package memory

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobeaver/vfskit"
)

const maxLinkHops = 40

// node is a file, directory or symlink held in memory
type node struct {
	typ        vfskit.FileType
	content    []byte
	mode       os.FileMode
	modTime    time.Time
	owner      vfskit.Principal
	group      vfskit.Principal
	label      string
	linkTarget string
}

// injected is a scripted failure for tests
type injected struct {
	err   error
	times int // remaining; negative means forever
}

// Adapter provides an in-memory implementation of vfskit.Provider.
// Useful for testing and dry runs: it supports every optional capability.
type Adapter struct {
	mu     sync.RWMutex
	auth   vfskit.Authority
	nodes  map[string]*node
	owner  vfskit.Principal
	group  vfskit.Principal
	now    func() time.Time
	faults map[string]*injected
}

// Config holds configuration for the memory adapter
type Config struct {
	// Owner and Group are assigned to new entries
	Owner vfskit.Principal
	Group vfskit.Principal
}

// New creates an empty volume with the given name.
func New(name string, cfg ...Config) *Adapter {
	c := Config{
		Owner: vfskit.Principal{ID: 1000, Name: "user"},
		Group: vfskit.Principal{ID: 1000, Name: "user"},
	}
	if len(cfg) > 0 {
		c = cfg[0]
	}

	a := &Adapter{
		auth:   vfskit.MemoryAuthority(name),
		nodes:  make(map[string]*node),
		owner:  c.Owner,
		group:  c.Group,
		now:    time.Now,
		faults: make(map[string]*injected),
	}
	a.nodes["/"] = a.newNode(vfskit.TypeDir, 0o755)
	return a
}

// Authority returns the authority of the volume.
func (a *Adapter) Authority() vfskit.Authority { return a.auth }

// Path returns the path p on this volume.
func (a *Adapter) Path(p string) vfskit.VirtualPath {
	return vfskit.NewPath(a.auth, true, p)
}

func (a *Adapter) newNode(typ vfskit.FileType, mode os.FileMode) *node {
	return &node{typ: typ, mode: mode, modTime: a.now(), owner: a.owner, group: a.group}
}

// InjectError makes the next times calls of op on p fail with err. A
// negative times fails forever. op is one of stat, list, read, write,
// mkdir, delete, rename, chown, chgrp, chmod, chcon, touch, symlink.
func (a *Adapter) InjectError(op string, p vfskit.VirtualPath, err error, times int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.faults[op+" "+p.String()] = &injected{err: err, times: times}
}

// fault must be called with a.mu held.
func (a *Adapter) fault(op, key string) error {
	f, ok := a.faults[op+" "+key]
	if !ok || f.times == 0 {
		return nil
	}
	if f.times > 0 {
		f.times--
	}
	return &vfskit.PathError{Op: op, Path: key, Err: f.err}
}

func pathErr(op, p string, err error) error {
	return &vfskit.PathError{Op: op, Path: p, Err: err}
}

// resolve follows symlinks in the final component of key. Must be called
// with a.mu held.
func (a *Adapter) resolve(key string, follow bool) (string, *node, error) {
	for hops := 0; ; hops++ {
		n, ok := a.nodes[key]
		if !ok {
			return key, nil, vfskit.ErrNotExist
		}
		if !follow || n.typ != vfskit.TypeSymlink {
			return key, n, nil
		}
		if hops >= maxLinkHops {
			return key, nil, vfskit.ErrInvalidName
		}
		target := n.linkTarget
		if !strings.HasPrefix(target, "/") {
			target = path.Join(path.Dir(key), target)
		}
		key = path.Clean(target)
	}
}

func (a *Adapter) info(key string, n *node) *vfskit.FileInfo {
	fi := &vfskit.FileInfo{
		Name:          path.Base(key),
		Path:          a.Path(key),
		ModTime:       n.modTime,
		Type:          n.typ,
		Mode:          n.mode,
		Owner:         n.owner,
		Group:         n.group,
		SecurityLabel: n.label,
		LinkTarget:    n.linkTarget,
	}
	if key == "/" {
		fi.Name = ""
	}
	if n.typ == vfskit.TypeRegular {
		fi.Size = int64(len(n.content))
	}
	return fi
}

// parentDir checks that the parent of key is an existing directory. Must
// be called with a.mu held.
func (a *Adapter) parentDir(key string) error {
	if key == "/" {
		return nil
	}
	_, parent, err := a.resolve(path.Dir(key), true)
	if err != nil {
		return err
	}
	if parent.typ != vfskit.TypeDir {
		return vfskit.ErrNotDir
	}
	return nil
}

func (a *Adapter) Stat(ctx context.Context, p vfskit.VirtualPath, followLinks bool) (*vfskit.FileInfo, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	key := p.String()
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.fault("stat", key); err != nil {
		return nil, err
	}
	_, n, err := a.resolve(key, followLinks)
	if err != nil {
		return nil, pathErr("stat", key, err)
	}
	fi := a.info(key, n)
	fi.Path = p
	return fi, nil
}

func (a *Adapter) List(ctx context.Context, dir vfskit.VirtualPath) (vfskit.DirStream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	key := dir.String()
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.fault("list", key); err != nil {
		return nil, err
	}
	resolved, n, err := a.resolve(key, true)
	if err != nil {
		return nil, pathErr("list", key, err)
	}
	if n.typ != vfskit.TypeDir {
		return nil, pathErr("list", key, vfskit.ErrNotDir)
	}

	prefix := strings.TrimSuffix(resolved, "/") + "/"
	var names []string
	for k := range a.nodes {
		if k == resolved || !strings.HasPrefix(k, prefix) {
			continue
		}
		if rest := k[len(prefix):]; !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	sort.Strings(names)

	entries := make([]vfskit.FileInfo, 0, len(names))
	for _, name := range names {
		fi := a.info(prefix+name, a.nodes[prefix+name])
		fi.Path = dir.Join(name)
		entries = append(entries, *fi)
	}
	return vfskit.NewSliceDirStream(entries), nil
}

func (a *Adapter) OpenRead(ctx context.Context, p vfskit.VirtualPath) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	key := p.String()
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.fault("read", key); err != nil {
		return nil, err
	}
	_, n, err := a.resolve(key, true)
	if err != nil {
		return nil, pathErr("read", key, err)
	}
	if n.typ == vfskit.TypeDir {
		return nil, pathErr("read", key, vfskit.ErrIsDir)
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(n.content))), nil
}

// fileWriter appends to a node under the adapter lock
type fileWriter struct {
	a      *Adapter
	n      *node
	closed bool
}

func (w *fileWriter) Write(b []byte) (int, error) {
	w.a.mu.Lock()
	defer w.a.mu.Unlock()
	if w.closed {
		return 0, vfskit.ErrClosed
	}
	w.n.content = append(w.n.content, b...)
	w.n.modTime = w.a.now()
	return len(b), nil
}

func (w *fileWriter) Close() error {
	w.a.mu.Lock()
	defer w.a.mu.Unlock()
	if w.closed {
		return vfskit.ErrClosed
	}
	w.closed = true
	return nil
}

func (a *Adapter) OpenWrite(ctx context.Context, p vfskit.VirtualPath, opts ...vfskit.WriteOption) (io.WriteCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	o := vfskit.ApplyWriteOptions(opts...)
	if o.CreateParents {
		if err := vfskit.MkdirAll(ctx, a, p.Parent()); err != nil {
			return nil, err
		}
	}

	key := p.String()
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.fault("write", key); err != nil {
		return nil, err
	}
	resolved, n, err := a.resolve(key, true)
	switch {
	case err == nil:
		if n.typ == vfskit.TypeDir {
			return nil, pathErr("write", key, vfskit.ErrIsDir)
		}
		if !o.Overwrite {
			return nil, pathErr("write", key, vfskit.ErrExist)
		}
		if !o.Append {
			n.content = nil
		}
	case vfskit.IsNotExist(err):
		if err := a.parentDir(resolved); err != nil {
			return nil, pathErr("write", key, err)
		}
		n = a.newNode(vfskit.TypeRegular, o.Mode)
		a.nodes[resolved] = n
	default:
		return nil, pathErr("write", key, err)
	}
	n.modTime = a.now()
	return &fileWriter{a: a, n: n}, nil
}

func (a *Adapter) CreateDir(ctx context.Context, p vfskit.VirtualPath) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	key := p.String()
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.fault("mkdir", key); err != nil {
		return err
	}
	if _, exists := a.nodes[key]; exists {
		return pathErr("mkdir", key, vfskit.ErrExist)
	}
	if err := a.parentDir(key); err != nil {
		return pathErr("mkdir", key, err)
	}
	a.nodes[key] = a.newNode(vfskit.TypeDir, 0o755)
	return nil
}

func (a *Adapter) Delete(ctx context.Context, p vfskit.VirtualPath) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	key := p.String()
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.fault("delete", key); err != nil {
		return err
	}
	n, exists := a.nodes[key]
	if !exists {
		return pathErr("delete", key, vfskit.ErrNotExist)
	}
	if key == "/" {
		return pathErr("delete", key, vfskit.ErrPermission)
	}
	if n.typ == vfskit.TypeDir && a.hasChildren(key) {
		return pathErr("delete", key, vfskit.ErrNotEmpty)
	}
	delete(a.nodes, key)
	return nil
}

func (a *Adapter) hasChildren(key string) bool {
	prefix := strings.TrimSuffix(key, "/") + "/"
	for k := range a.nodes {
		if k != key && strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

func (a *Adapter) Rename(ctx context.Context, src, dst vfskit.VirtualPath) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if !src.SameAuthority(dst) {
		return pathErr("rename", src.String(), vfskit.ErrCrossAuthority)
	}

	from, to := src.String(), dst.String()
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.fault("rename", from); err != nil {
		return err
	}
	if _, exists := a.nodes[from]; !exists {
		return pathErr("rename", from, vfskit.ErrNotExist)
	}
	if _, exists := a.nodes[to]; exists {
		return pathErr("rename", to, vfskit.ErrExist)
	}
	if dst.HasPrefix(src) {
		return pathErr("rename", to, vfskit.ErrInvalidName)
	}
	if err := a.parentDir(to); err != nil {
		return pathErr("rename", to, err)
	}

	prefix := strings.TrimSuffix(from, "/") + "/"
	moved := make(map[string]*node)
	for k, n := range a.nodes {
		if k == from {
			moved[to] = n
		} else if strings.HasPrefix(k, prefix) {
			moved[to+"/"+k[len(prefix):]] = n
		}
	}
	for k := range a.nodes {
		if k == from || strings.HasPrefix(k, prefix) {
			delete(a.nodes, k)
		}
	}
	for k, n := range moved {
		a.nodes[k] = n
	}
	return nil
}

func (a *Adapter) Close() error { return nil }

// setAttr applies fn to the node at p without following links.
func (a *Adapter) setAttr(ctx context.Context, op string, p vfskit.VirtualPath, fn func(*node)) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	key := p.String()
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.fault(op, key); err != nil {
		return err
	}
	n, exists := a.nodes[key]
	if !exists {
		return pathErr(op, key, vfskit.ErrNotExist)
	}
	fn(n)
	return nil
}

func (a *Adapter) SetOwner(ctx context.Context, p vfskit.VirtualPath, owner vfskit.Principal) error {
	return a.setAttr(ctx, "chown", p, func(n *node) { n.owner = owner })
}

func (a *Adapter) SetGroup(ctx context.Context, p vfskit.VirtualPath, group vfskit.Principal) error {
	return a.setAttr(ctx, "chgrp", p, func(n *node) { n.group = group })
}

func (a *Adapter) SetMode(ctx context.Context, p vfskit.VirtualPath, mode os.FileMode) error {
	return a.setAttr(ctx, "chmod", p, func(n *node) { n.mode = mode & os.ModePerm })
}

func (a *Adapter) SetSecurityLabel(ctx context.Context, p vfskit.VirtualPath, label string) error {
	return a.setAttr(ctx, "chcon", p, func(n *node) { n.label = label })
}

func (a *Adapter) SetModTime(ctx context.Context, p vfskit.VirtualPath, t time.Time) error {
	return a.setAttr(ctx, "touch", p, func(n *node) { n.modTime = t })
}

func (a *Adapter) ReadLink(ctx context.Context, p vfskit.VirtualPath) (string, error) {
	fi, err := a.Stat(ctx, p, false)
	if err != nil {
		return "", err
	}
	if !fi.IsSymlink() {
		return "", pathErr("readlink", p.String(), vfskit.ErrInvalidName)
	}
	return fi.LinkTarget, nil
}

func (a *Adapter) Symlink(ctx context.Context, target string, link vfskit.VirtualPath) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	key := link.String()
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.fault("symlink", key); err != nil {
		return err
	}
	if _, exists := a.nodes[key]; exists {
		return pathErr("symlink", key, vfskit.ErrExist)
	}
	if err := a.parentDir(key); err != nil {
		return pathErr("symlink", key, err)
	}
	n := a.newNode(vfskit.TypeSymlink, 0o777)
	n.linkTarget = target
	a.nodes[key] = n
	return nil
}

// ============================================================================
// Test helpers
// ============================================================================

// WriteFile creates or replaces a file with content, creating parents.
func (a *Adapter) WriteFile(p string, content []byte) error {
	w, err := a.OpenWrite(context.Background(), a.Path(p), vfskit.WithOverwrite(true), vfskit.WithCreateParents())
	if err != nil {
		return err
	}
	if _, err := w.Write(content); err != nil {
		return err
	}
	return w.Close()
}

// ReadFile returns the content of a file.
func (a *Adapter) ReadFile(p string) ([]byte, error) {
	r, err := a.OpenRead(context.Background(), a.Path(p))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// MkdirAll creates a directory and its parents.
func (a *Adapter) MkdirAll(p string) error {
	return vfskit.MkdirAll(context.Background(), a, a.Path(p))
}

// Paths returns every path on the volume, sorted.
func (a *Adapter) Paths() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]string, 0, len(a.nodes))
	for k := range a.nodes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var (
	_ vfskit.Provider            = (*Adapter)(nil)
	_ vfskit.CanSetOwner         = (*Adapter)(nil)
	_ vfskit.CanSetGroup         = (*Adapter)(nil)
	_ vfskit.CanSetMode          = (*Adapter)(nil)
	_ vfskit.CanSetSecurityLabel = (*Adapter)(nil)
	_ vfskit.CanSetModTime       = (*Adapter)(nil)
	_ vfskit.CanSymlink          = (*Adapter)(nil)
)
