// Package ftp implements vfskit.Provider for FTP and explicit FTPS servers.
package ftp

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/textproto"
	"path"
	"sort"
	"sync"
	"time"

	goftp "github.com/jlaffaye/ftp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/gobeaver/vfskit"
	"github.com/gobeaver/vfskit/pool"
)

const (
	anonymousUser = "anonymous"
	maxLinkHops   = 8
)

// Adapter provides an FTP implementation of vfskit.Provider.
type Adapter struct {
	auth   vfskit.Authority
	cfg    *vfskit.Config
	creds  vfskit.CredentialStore
	codec  nameCodec
	pool   *pool.Pool[vfskit.Authority, *Session]
	cache  *vfskit.AttributeCache
	dialer Dialer
	logger *zerolog.Logger
}

// Session is one logged in control connection.
type Session struct {
	conn *goftp.ServerConn
}

// NewSession wraps an established connection.
func NewSession(c *goftp.ServerConn) *Session {
	return &Session{conn: c}
}

// Close sends QUIT and closes the connection.
func (s *Session) Close() error {
	return s.conn.Quit()
}

// Dialer opens a logged in control connection to auth.
type Dialer func(ctx context.Context, auth vfskit.Authority) (*Session, error)

// AdapterOption is a function that configures FTP Adapter
type AdapterOption func(*Adapter)

// WithDialer replaces the FTP dialer.
func WithDialer(d Dialer) AdapterOption {
	return func(a *Adapter) {
		a.dialer = d
	}
}

// WithLogger sets the logger of the adapter and its pool.
func WithLogger(logger *zerolog.Logger) AdapterOption {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// New creates an FTP adapter for auth. The encoding of the authority, or
// the configured default when the authority names UTF-8, converts file
// names. No connection is made until the first operation.
func New(auth vfskit.Authority, deps vfskit.Deps, options ...AdapterOption) (*Adapter, error) {
	cfg := deps.Config
	if cfg == nil {
		cfg = vfskit.DefaultConfig()
	}
	creds := deps.Credentials
	if creds == nil {
		creds = vfskit.NewMemoryCredentials()
	}
	auth = auth.Normalize()

	label := auth.Encoding
	if label == vfskit.DefaultFTPEncoding && cfg.FTPEncoding != "" {
		label = cfg.FTPEncoding
	}
	codec, err := newNameCodec(label)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		auth:   auth,
		cfg:    cfg,
		creds:  creds,
		codec:  codec,
		cache:  vfskit.NewAttributeCache(cfg.AttrCacheTTL()),
		logger: zerolog.Ctx(context.Background()),
	}
	a.dialer = a.dialFTP

	// Apply options
	for _, option := range options {
		option(a)
	}

	a.pool = pool.New(pool.Config{
		Name:          "ftp",
		MaxPerKey:     cfg.PoolMaxPerHost,
		IdleTimeout:   cfg.PoolIdleTimeout(),
		SweepInterval: cfg.PoolSweepInterval(),
		KeepAlive:     cfg.KeepAlive(),
	}, func(ctx context.Context, auth vfskit.Authority) (*Session, error) {
		return a.dialer(ctx, auth)
	}, pool.WithLogger(a.logger))
	a.pool.SetValidator(func(_ context.Context, s *Session) error {
		return s.conn.NoOp()
	})
	a.pool.SetPoisonClassifier(isPoisoned)

	return a, nil
}

// Pool returns the connection pool.
func (a *Adapter) Pool() *pool.Pool[vfskit.Authority, *Session] { return a.pool }

// dialOptions translates the authority into client options.
func dialOptions(ctx context.Context, auth vfskit.Authority, timeout time.Duration) ([]goftp.DialOption, error) {
	opts := []goftp.DialOption{
		goftp.DialWithContext(ctx),
		goftp.DialWithTimeout(timeout),
	}

	switch auth.Mode {
	case vfskit.FTPModePassive, "":
		opts = append(opts, goftp.DialWithDisabledEPSV(true))
	case vfskit.FTPModeExtendedPassive:
		opts = append(opts, goftp.DialWithDisabledEPSV(false))
	case vfskit.FTPModeActive:
		return nil, errors.Errorf("%w: active FTP mode", vfskit.ErrNotSupported)
	default:
		return nil, errors.Errorf("%w: FTP mode %q", vfskit.ErrInvalidName, auth.Mode)
	}

	if auth.Scheme == vfskit.SchemeFTPS {
		opts = append(opts, goftp.DialWithExplicitTLS(&tls.Config{ServerName: auth.Host, MinVersion: tls.VersionTLS12}))
	}
	return opts, nil
}

// dialFTP connects and logs in
func (a *Adapter) dialFTP(ctx context.Context, auth vfskit.Authority) (*Session, error) {
	user, password := auth.Username, anonymousUser
	if user == "" || user == anonymousUser {
		user = anonymousUser
	} else {
		creds, err := a.creds.Lookup(ctx, auth)
		if err != nil {
			return nil, err
		}
		password = creds.Password
	}

	opts, err := dialOptions(ctx, auth, a.cfg.DialTimeout())
	if err != nil {
		return nil, err
	}

	c, err := goftp.Dial(auth.Address(), opts...)
	if err != nil {
		return nil, errors.Errorf("failed to connect to FTP server %s: %w", auth.Address(), err)
	}

	if err := c.Login(user, password); err != nil {
		_ = c.Quit()
		var proto *textproto.Error
		if errors.As(err, &proto) && proto.Code == goftp.StatusNotLoggedIn {
			return nil, &vfskit.UserActionRequiredError{Authority: auth, Action: vfskit.ActionAuthenticate, Err: err}
		}
		return nil, errors.Errorf("failed to login to FTP server: %w", err)
	}

	a.logger.Debug().Str("authority", auth.String()).Msg("ftp session established")
	return NewSession(c), nil
}

// isPoisoned reports whether err leaves the control connection unusable.
// Only transport failures and garbled replies do; server replies and
// errors raised before anything was sent, such as a name the server
// encoding cannot hold, leave it intact.
func isPoisoned(err error) bool {
	if err == nil {
		return false
	}
	var proto *textproto.Error
	if errors.As(err, &proto) {
		return false
	}
	var garbled textproto.ProtocolError
	if errors.As(err, &garbled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

// mapFTPError maps FTP errors to vfskit errors
func mapFTPError(op string, p vfskit.VirtualPath, err error) error {
	if err == nil {
		return nil
	}
	var pathErr *vfskit.PathError
	if errors.As(err, &pathErr) {
		return err
	}
	var proto *textproto.Error
	if errors.As(err, &proto) {
		switch proto.Code {
		case goftp.StatusNotImplemented, goftp.StatusCommandNotImplemented, goftp.StatusNotImplementedParameter:
			err = errors.Errorf("%w: %s", vfskit.ErrNotSupported, proto.Msg)
		case goftp.StatusNotLoggedIn:
			err = errors.Errorf("%w: %s", vfskit.ErrPermission, proto.Msg)
		}
	}
	return vfskit.NewPathError(op, p, err)
}

// conn is one leased control connection.
type conn struct {
	c     *goftp.ServerConn
	codec nameCodec
}

func (c conn) wire(p vfskit.VirtualPath) (string, error) {
	s, err := c.codec.encode(p.String())
	if err != nil {
		return "", errors.Errorf("%w: %s", vfskit.ErrInvalidName, err.Error())
	}
	return s, nil
}

// with runs fn on a pooled connection.
func (a *Adapter) with(ctx context.Context, op string, p vfskit.VirtualPath, fn func(c conn) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	lease, err := a.pool.Acquire(ctx, a.auth)
	if err != nil {
		return vfskit.NewPathError(op, p, err)
	}
	err = fn(conn{c: lease.Conn().conn, codec: a.codec})
	lease.Finish(err)
	return mapFTPError(op, p, err)
}

func (a *Adapter) toFileInfo(p vfskit.VirtualPath, e *goftp.Entry) vfskit.FileInfo {
	// LIST permissions are not parsed; Mode only fills the field.
	fi := vfskit.FileInfo{
		Name:        p.Name(),
		Path:        p,
		ModTime:     e.Time,
		Mode:        0o644,
		ModeUnknown: true,
		Owner:       vfskit.Principal{ID: -1},
		Group:       vfskit.Principal{ID: -1},
	}
	switch e.Type {
	case goftp.EntryTypeFolder:
		fi.Type = vfskit.TypeDir
		fi.Mode = 0o755
	case goftp.EntryTypeLink:
		fi.Type = vfskit.TypeSymlink
		fi.LinkTarget = a.codec.decode(e.Target)
	default:
		fi.Type = vfskit.TypeRegular
		fi.Size = int64(e.Size)
	}
	return fi
}

// list returns the entries of dir without "." and "..".
func (a *Adapter) list(c conn, dir vfskit.VirtualPath) ([]vfskit.FileInfo, error) {
	wire, err := c.wire(dir)
	if err != nil {
		return nil, err
	}
	entries, err := c.c.List(wire)
	if err != nil {
		return nil, err
	}
	out := make([]vfskit.FileInfo, 0, len(entries))
	for _, e := range entries {
		name := path.Base(a.codec.decode(e.Name))
		if name == "." || name == ".." {
			continue
		}
		out = append(out, a.toFileInfo(dir.Join(name), e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// stat finds p in the listing of its parent.
func (a *Adapter) stat(c conn, p vfskit.VirtualPath, followLinks bool) (*vfskit.FileInfo, error) {
	for hops := 0; ; hops++ {
		if p.IsRoot() {
			return &vfskit.FileInfo{Path: p, Type: vfskit.TypeDir, Mode: 0o755,
				Owner: vfskit.Principal{ID: -1}, Group: vfskit.Principal{ID: -1}}, nil
		}
		entries, err := a.list(c, p.Parent())
		if err != nil {
			return nil, err
		}
		var found *vfskit.FileInfo
		for i := range entries {
			if entries[i].Name == p.Name() {
				found = &entries[i]
				break
			}
		}
		if found == nil {
			return nil, vfskit.NewPathError("stat", p, vfskit.ErrNotExist)
		}
		if !followLinks || !found.IsSymlink() {
			return found, nil
		}
		if hops >= maxLinkHops {
			return nil, vfskit.NewPathError("stat", p, vfskit.ErrInvalidName)
		}
		if path.IsAbs(found.LinkTarget) {
			p = vfskit.NewPath(p.Authority(), true, found.LinkTarget)
		} else {
			p = p.Parent().Join(found.LinkTarget)
		}
	}
}

// Stat implements vfskit.Provider
func (a *Adapter) Stat(ctx context.Context, p vfskit.VirtualPath, followLinks bool) (*vfskit.FileInfo, error) {
	if cached, ok := a.cache.Take(p); ok && (!followLinks || !cached.IsSymlink()) {
		return &cached, nil
	}

	var fi *vfskit.FileInfo
	err := a.with(ctx, "stat", p, func(c conn) error {
		var err error
		fi, err = a.stat(c, p, followLinks)
		if fi != nil {
			// Keep the requested path and name for followed links.
			fi.Path, fi.Name = p, p.Name()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return fi, nil
}

// List implements vfskit.Provider
func (a *Adapter) List(ctx context.Context, dir vfskit.VirtualPath) (vfskit.DirStream, error) {
	var entries []vfskit.FileInfo
	err := a.with(ctx, "list", dir, func(c conn) error {
		fi, err := a.stat(c, dir, true)
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			return vfskit.NewPathError("list", dir, vfskit.ErrNotDir)
		}
		entries, err = a.list(c, dir)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		a.cache.Put(e)
	}
	return vfskit.NewSliceDirStream(entries), nil
}

// reader holds its connection until the transfer response is read.
type reader struct {
	resp  *goftp.Response
	lease *pool.Lease[vfskit.Authority, *Session]
	path  vfskit.VirtualPath
	err   error
	once  sync.Once
}

func (r *reader) Read(b []byte) (int, error) {
	n, err := r.resp.Read(b)
	if err != nil && err != io.EOF {
		r.err = err
	}
	return n, err
}

func (r *reader) Close() error {
	var err error
	r.once.Do(func() {
		err = r.resp.Close()
		if r.err == nil {
			r.err = err
		}
		r.lease.Finish(r.err)
	})
	return mapFTPError("read", r.path, err)
}

// OpenRead implements vfskit.Provider
func (a *Adapter) OpenRead(ctx context.Context, p vfskit.VirtualPath) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	lease, err := a.pool.Acquire(ctx, a.auth)
	if err != nil {
		return nil, vfskit.NewPathError("read", p, err)
	}
	c := conn{c: lease.Conn().conn, codec: a.codec}

	resp, err := func() (*goftp.Response, error) {
		fi, err := a.stat(c, p, true)
		if err != nil {
			return nil, err
		}
		if fi.IsDir() {
			return nil, vfskit.NewPathError("read", p, vfskit.ErrIsDir)
		}
		wire, err := c.wire(p)
		if err != nil {
			return nil, err
		}
		return c.c.Retr(wire)
	}()
	if err != nil {
		lease.Finish(err)
		return nil, mapFTPError("read", p, err)
	}
	return &reader{resp: resp, lease: lease, path: p}, nil
}

// writer streams into STOR or APPE through a pipe
type writer struct {
	pw   *io.PipeWriter
	done chan error
	path vfskit.VirtualPath
	once sync.Once
	// finish hands the connection back to the pool.
	finish func(error)
	// remove deletes the stored file; nil for appends, whose earlier
	// content must survive.
	remove func() error
}

func (w *writer) Write(b []byte) (int, error) {
	return w.pw.Write(b)
}

func (w *writer) Close() error {
	var err error
	w.once.Do(func() {
		_ = w.pw.Close()
		err = <-w.done
		w.finish(err)
	})
	return mapFTPError("write", w.path, err)
}

// Abort implements vfskit.Aborter. The server cannot tell a failed upload
// from a short one and keeps whatever arrived, so the file is removed once
// the transfer has ended.
func (w *writer) Abort(cause error) error {
	var err error
	w.once.Do(func() {
		_ = w.pw.CloseWithError(cause)
		<-w.done
		if w.remove == nil {
			w.finish(nil)
			err = vfskit.NewPathError("write", w.path, errors.Errorf("partial append kept: %w", cause))
			return
		}
		err = w.remove()
		var proto *textproto.Error
		if errors.As(err, &proto) && proto.Code == goftp.StatusFileUnavailable {
			// Nothing was stored.
			err = nil
		}
		w.finish(err)
	})
	return mapFTPError("write", w.path, err)
}

// OpenWrite implements vfskit.Provider
func (a *Adapter) OpenWrite(ctx context.Context, p vfskit.VirtualPath, opts ...vfskit.WriteOption) (io.WriteCloser, error) {
	o := vfskit.ApplyWriteOptions(opts...)
	a.cache.Invalidate(p)

	if o.CreateParents {
		if err := vfskit.MkdirAll(ctx, a, p.Parent()); err != nil {
			return nil, err
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	lease, err := a.pool.Acquire(ctx, a.auth)
	if err != nil {
		return nil, vfskit.NewPathError("write", p, err)
	}
	c := conn{c: lease.Conn().conn, codec: a.codec}

	wire, err := func() (string, error) {
		fi, err := a.stat(c, p, true)
		switch {
		case err == nil && fi.IsDir():
			return "", vfskit.NewPathError("write", p, vfskit.ErrIsDir)
		case err == nil && !o.Overwrite:
			return "", vfskit.NewPathError("write", p, vfskit.ErrExist)
		case err != nil && !vfskit.IsNotExist(err):
			return "", err
		}
		return c.wire(p)
	}()
	if err != nil {
		lease.Finish(err)
		return nil, mapFTPError("write", p, err)
	}

	pr, pw := io.Pipe()
	w := &writer{pw: pw, done: make(chan error, 1), path: p, finish: lease.Finish}
	if !o.Append {
		w.remove = func() error { return c.c.Delete(wire) }
	}
	go func() {
		var err error
		if o.Append {
			err = c.c.Append(wire, pr)
		} else {
			err = c.c.Stor(wire, pr)
		}
		if err != nil {
			pr.CloseWithError(err)
		} else {
			pr.Close()
		}
		w.done <- err
	}()
	return w, nil
}

// CreateDir implements vfskit.Provider
func (a *Adapter) CreateDir(ctx context.Context, p vfskit.VirtualPath) error {
	return a.with(ctx, "mkdir", p, func(c conn) error {
		wire, err := c.wire(p)
		if err != nil {
			return err
		}
		if err := c.c.MakeDir(wire); err != nil {
			if _, serr := a.stat(c, p, false); serr == nil {
				return vfskit.NewPathError("mkdir", p, vfskit.ErrExist)
			}
			return err
		}
		return nil
	})
}

// Delete implements vfskit.Provider
func (a *Adapter) Delete(ctx context.Context, p vfskit.VirtualPath) error {
	a.cache.Invalidate(p)
	return a.with(ctx, "delete", p, func(c conn) error {
		fi, err := a.stat(c, p, false)
		if err != nil {
			return err
		}
		wire, err := c.wire(p)
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			return c.c.Delete(wire)
		}
		entries, err := a.list(c, p)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			return vfskit.NewPathError("delete", p, vfskit.ErrNotEmpty)
		}
		return c.c.RemoveDir(wire)
	})
}

// Rename implements vfskit.Provider
func (a *Adapter) Rename(ctx context.Context, src, dst vfskit.VirtualPath) error {
	if !src.SameAuthority(dst) {
		return vfskit.NewPathError("rename", src, vfskit.ErrCrossAuthority)
	}
	if dst.HasPrefix(src) {
		return vfskit.NewPathError("rename", dst, vfskit.ErrInvalidName)
	}
	a.cache.InvalidatePrefix(src)
	a.cache.InvalidatePrefix(dst)

	return a.with(ctx, "rename", src, func(c conn) error {
		if _, err := a.stat(c, dst, false); err == nil {
			return vfskit.NewPathError("rename", dst, vfskit.ErrExist)
		}
		from, err := c.wire(src)
		if err != nil {
			return err
		}
		to, err := c.wire(dst)
		if err != nil {
			return err
		}
		return c.c.Rename(from, to)
	})
}

// SetModTime implements vfskit.CanSetModTime with MFMT
func (a *Adapter) SetModTime(ctx context.Context, p vfskit.VirtualPath, t time.Time) error {
	a.cache.Invalidate(p)
	return a.with(ctx, "touch", p, func(c conn) error {
		if !c.c.IsSetTimeSupported() {
			return vfskit.NewPathError("touch", p, vfskit.ErrNotSupported)
		}
		wire, err := c.wire(p)
		if err != nil {
			return err
		}
		return c.c.SetTime(wire, t)
	})
}

// Close quits every pooled connection.
func (a *Adapter) Close() error {
	a.cache.Clear()
	return a.pool.Close()
}

var (
	_ vfskit.Provider      = (*Adapter)(nil)
	_ vfskit.CanSetModTime = (*Adapter)(nil)
)
