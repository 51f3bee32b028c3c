package sftp

import (
	"context"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gobeaver/vfskit"
	"github.com/gobeaver/vfskit/pool"
)

// ActionTrustHostKey is the user action that accepts an unknown or changed
// host key.
const ActionTrustHostKey = "host key verification"

// Session is one authenticated SSH connection with its SFTP subsystem.
type Session struct {
	ssh    *ssh.Client // nil for sessions over a plain pipe
	client *sftp.Client
}

// NewSession wraps an SFTP client. sshConn may be nil.
func NewSession(sshConn *ssh.Client, client *sftp.Client) *Session {
	return &Session{ssh: sshConn, client: client}
}

// Close closes the SFTP and SSH connections
func (s *Session) Close() error {
	var errs []error

	if s.client != nil {
		if err := s.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if s.ssh != nil {
		if err := s.ssh.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Errorf("errors closing SFTP session: %v", errs)
	}
	return nil
}

// Dialer opens a session to auth.
type Dialer func(ctx context.Context, auth vfskit.Authority) (*Session, error)

// Adapter provides an SFTP implementation of vfskit.Provider. Sessions come
// from a pool capped per authority; operations hold a session only for the
// duration of one call, streams until they are closed.
type Adapter struct {
	auth   vfskit.Authority
	cfg    *vfskit.Config
	creds  vfskit.CredentialStore
	pool   *pool.Pool[vfskit.Authority, *Session]
	cache  *vfskit.AttributeCache
	dialer Dialer
	logger *zerolog.Logger
}

// AdapterOption is a function that configures SFTP Adapter
type AdapterOption func(*Adapter)

// WithDialer replaces the SSH dialer.
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

// New creates an SFTP adapter for auth. No connection is made until the
// first operation.
func New(auth vfskit.Authority, deps vfskit.Deps, options ...AdapterOption) *Adapter {
	cfg := deps.Config
	if cfg == nil {
		cfg = vfskit.DefaultConfig()
	}
	creds := deps.Credentials
	if creds == nil {
		creds = vfskit.NewMemoryCredentials()
	}

	a := &Adapter{
		auth:   auth.Normalize(),
		cfg:    cfg,
		creds:  creds,
		cache:  vfskit.NewAttributeCache(cfg.AttrCacheTTL()),
		logger: zerolog.Ctx(context.Background()),
	}
	a.dialer = a.dialSSH

	// Apply options
	for _, option := range options {
		option(a)
	}

	a.pool = pool.New(pool.Config{
		Name:          "sftp",
		MaxPerKey:     cfg.PoolMaxPerHost,
		IdleTimeout:   cfg.PoolIdleTimeout(),
		SweepInterval: cfg.PoolSweepInterval(),
		KeepAlive:     cfg.KeepAlive(),
	}, func(ctx context.Context, auth vfskit.Authority) (*Session, error) {
		return a.dialer(ctx, auth)
	}, pool.WithLogger(a.logger))
	a.pool.SetValidator(func(_ context.Context, s *Session) error {
		_, err := s.client.Getwd()
		return err
	})
	a.pool.SetPoisonClassifier(isPoisoned)

	return a
}

// Pool returns the session pool.
func (a *Adapter) Pool() *pool.Pool[vfskit.Authority, *Session] { return a.pool }

// Cache returns the attribute cache filled by listings.
func (a *Adapter) Cache() *vfskit.AttributeCache { return a.cache }

func (a *Adapter) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if a.cfg.SFTPKnownHosts == "" {
		a.logger.Warn().Str("authority", a.auth.String()).Msg("no known_hosts file configured, host keys are not verified")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(a.cfg.SFTPKnownHosts)
	if err != nil {
		return nil, errors.Errorf("failed to load known hosts: %w", err)
	}
	return cb, nil
}

// dialSSH establishes SSH and SFTP connections
func (a *Adapter) dialSSH(ctx context.Context, auth vfskit.Authority) (*Session, error) {
	creds, err := a.creds.Lookup(ctx, auth)
	if err != nil {
		return nil, err
	}

	hostKeys, err := a.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	// Build SSH config
	sshConfig := &ssh.ClientConfig{
		User:            auth.Username,
		HostKeyCallback: hostKeys,
		Timeout:         a.cfg.DialTimeout(),
	}

	// Add authentication method
	if len(creds.PrivateKey) > 0 {
		var signer ssh.Signer
		if len(creds.Passphrase) > 0 {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(creds.PrivateKey, creds.Passphrase)
		} else {
			signer, err = ssh.ParsePrivateKey(creds.PrivateKey)
		}
		if err != nil {
			return nil, &vfskit.UserActionRequiredError{
				Authority: auth,
				Action:    vfskit.ActionAuthenticate,
				Err:       errors.Errorf("failed to parse private key: %w", err),
			}
		}
		sshConfig.Auth = append(sshConfig.Auth, ssh.PublicKeys(signer))
	}

	if creds.Password != "" {
		sshConfig.Auth = append(sshConfig.Auth, ssh.Password(creds.Password))
	}

	addr := auth.Address()
	d := net.Dialer{Timeout: a.cfg.DialTimeout()}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Errorf("failed to connect to %s: %w", addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		return nil, classifyHandshakeError(auth, err)
	}
	sshConn := ssh.NewClient(c, chans, reqs)

	// Create SFTP client
	client, err := sftp.NewClient(sshConn)
	if err != nil {
		sshConn.Close()
		return nil, errors.Errorf("failed to create SFTP client: %w", err)
	}

	a.logger.Debug().Str("authority", auth.String()).Msg("sftp session established")
	return NewSession(sshConn, client), nil
}

// classifyHandshakeError turns authentication and host key failures into
// user actions.
func classifyHandshakeError(auth vfskit.Authority, err error) error {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return &vfskit.UserActionRequiredError{Authority: auth, Action: ActionTrustHostKey, Err: err}
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return &vfskit.UserActionRequiredError{Authority: auth, Action: vfskit.ActionAuthenticate, Err: err}
	}
	return errors.Errorf("ssh handshake with %s failed: %w", auth.Address(), err)
}

// isPoisoned reports whether err leaves the session unusable. SFTP status
// replies do not; transport failures do.
func isPoisoned(err error) bool {
	var status *sftp.StatusError
	if errors.As(err, &status) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, sftp.ErrSSHFxConnectionLost) || errors.Is(err, sftp.ErrSSHFxNoConnection) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// mapSFTPError maps SFTP errors to vfskit errors
func mapSFTPError(op string, p vfskit.VirtualPath, err error) error {
	if err == nil {
		return nil
	}

	var pathErr *vfskit.PathError
	if errors.As(err, &pathErr) {
		return err
	}

	switch {
	case errors.Is(err, os.ErrNotExist):
		err = vfskit.ErrNotExist
	case errors.Is(err, os.ErrPermission):
		err = vfskit.ErrPermission
	case errors.Is(err, os.ErrExist):
		err = vfskit.ErrExist
	case errors.Is(err, sftp.ErrSSHFxOpUnsupported):
		err = vfskit.ErrNotSupported
	}
	return vfskit.NewPathError(op, p, err)
}

// with runs fn on a pooled session.
func (a *Adapter) with(ctx context.Context, op string, p vfskit.VirtualPath, fn func(c *sftp.Client) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	lease, err := a.pool.Acquire(ctx, a.auth)
	if err != nil {
		return vfskit.NewPathError(op, p, err)
	}
	err = fn(lease.Conn().client)
	lease.Finish(err)
	return mapSFTPError(op, p, err)
}

func toFileInfo(p vfskit.VirtualPath, info os.FileInfo) *vfskit.FileInfo {
	fi := &vfskit.FileInfo{
		Name:    p.Name(),
		Path:    p,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Mode:    info.Mode().Perm(),
		Owner:   vfskit.Principal{ID: -1},
		Group:   vfskit.Principal{ID: -1},
	}
	switch mode := info.Mode(); {
	case mode.IsDir():
		fi.Type = vfskit.TypeDir
		fi.Size = 0
	case mode&os.ModeSymlink != 0:
		fi.Type = vfskit.TypeSymlink
	case mode.IsRegular():
		fi.Type = vfskit.TypeRegular
	default:
		fi.Type = vfskit.TypeOther
	}
	if stat, ok := info.Sys().(*sftp.FileStat); ok {
		fi.Owner.ID = int(stat.UID)
		fi.Group.ID = int(stat.GID)
	}
	return fi
}

// Stat implements vfskit.Provider. Entries seen by a recent List are served
// from the attribute cache once.
func (a *Adapter) Stat(ctx context.Context, p vfskit.VirtualPath, followLinks bool) (*vfskit.FileInfo, error) {
	if cached, ok := a.cache.Take(p); ok && (!followLinks || !cached.IsSymlink()) {
		return &cached, nil
	}

	var fi *vfskit.FileInfo
	err := a.with(ctx, "stat", p, func(c *sftp.Client) error {
		stat := c.Lstat
		if followLinks {
			stat = c.Stat
		}
		info, err := stat(p.String())
		if err != nil {
			return err
		}
		fi = toFileInfo(p, info)
		if fi.IsSymlink() {
			fi.LinkTarget, _ = c.ReadLink(p.String())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fi, nil
}

// List implements vfskit.Provider
func (a *Adapter) List(ctx context.Context, dir vfskit.VirtualPath) (vfskit.DirStream, error) {
	var entries []vfskit.FileInfo
	err := a.with(ctx, "list", dir, func(c *sftp.Client) error {
		infos, err := c.ReadDir(dir.String())
		if err != nil {
			return err
		}
		entries = make([]vfskit.FileInfo, 0, len(infos))
		for _, info := range infos {
			fi := toFileInfo(dir.Join(info.Name()), info)
			a.cache.Put(*fi)
			entries = append(entries, *fi)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vfskit.NewSliceDirStream(entries), nil
}

// leasedFile keeps its session leased until closed
type leasedFile struct {
	file  *sftp.File
	lease *pool.Lease[vfskit.Authority, *Session]
	op    string
	path  vfskit.VirtualPath
	err   error
	once  sync.Once
}

func (f *leasedFile) Read(b []byte) (int, error) {
	n, err := f.file.Read(b)
	if err != nil && err != io.EOF {
		f.err = err
	}
	return n, err
}

func (f *leasedFile) Write(b []byte) (int, error) {
	n, err := f.file.Write(b)
	if err != nil {
		f.err = err
	}
	return n, err
}

func (f *leasedFile) Close() error {
	var err error
	f.once.Do(func() {
		err = f.file.Close()
		if f.err == nil {
			f.err = err
		}
		f.lease.Finish(f.err)
	})
	return mapSFTPError(f.op, f.path, err)
}

func (a *Adapter) open(ctx context.Context, op string, p vfskit.VirtualPath, fn func(c *sftp.Client) (*sftp.File, error)) (*leasedFile, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	lease, err := a.pool.Acquire(ctx, a.auth)
	if err != nil {
		return nil, vfskit.NewPathError(op, p, err)
	}
	f, err := fn(lease.Conn().client)
	if err != nil {
		lease.Finish(err)
		return nil, mapSFTPError(op, p, err)
	}
	return &leasedFile{file: f, lease: lease, op: op, path: p}, nil
}

// OpenRead implements vfskit.Provider
func (a *Adapter) OpenRead(ctx context.Context, p vfskit.VirtualPath) (io.ReadCloser, error) {
	f, err := a.open(ctx, "read", p, func(c *sftp.Client) (*sftp.File, error) {
		f, err := c.Open(p.String())
		if err != nil {
			return nil, err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		if info.IsDir() {
			f.Close()
			return nil, vfskit.NewPathError("read", p, vfskit.ErrIsDir)
		}
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// OpenWrite implements vfskit.Provider
func (a *Adapter) OpenWrite(ctx context.Context, p vfskit.VirtualPath, opts ...vfskit.WriteOption) (io.WriteCloser, error) {
	o := vfskit.ApplyWriteOptions(opts...)
	a.cache.Invalidate(p)

	f, err := a.open(ctx, "write", p, func(c *sftp.Client) (*sftp.File, error) {
		if o.CreateParents {
			if err := c.MkdirAll(p.Parent().String()); err != nil {
				return nil, err
			}
		}

		// Servers speaking protocol 3 do not report an existing file on
		// an exclusive open.
		info, err := c.Stat(p.String())
		switch {
		case err == nil && info.IsDir():
			return nil, vfskit.NewPathError("write", p, vfskit.ErrIsDir)
		case err == nil && !o.Overwrite:
			return nil, vfskit.NewPathError("write", p, vfskit.ErrExist)
		case err != nil && !errors.Is(err, os.ErrNotExist):
			return nil, err
		}

		f, err := c.OpenFile(p.String(), o.OpenFlags())
		if err != nil {
			return nil, err
		}
		if o.Append {
			if _, err := f.Seek(0, io.SeekEnd); err != nil {
				f.Close()
				return nil, err
			}
		}
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// CreateDir implements vfskit.Provider
func (a *Adapter) CreateDir(ctx context.Context, p vfskit.VirtualPath) error {
	return a.with(ctx, "mkdir", p, func(c *sftp.Client) error {
		err := c.Mkdir(p.String())
		if err != nil {
			// Protocol 3 reports a generic failure for existing entries.
			if _, serr := c.Lstat(p.String()); serr == nil {
				return vfskit.NewPathError("mkdir", p, vfskit.ErrExist)
			}
		}
		return err
	})
}

// Delete implements vfskit.Provider
func (a *Adapter) Delete(ctx context.Context, p vfskit.VirtualPath) error {
	a.cache.Invalidate(p)
	return a.with(ctx, "delete", p, func(c *sftp.Client) error {
		info, err := c.Lstat(p.String())
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return c.Remove(p.String())
		}
		// Not every server refuses to remove a populated directory.
		entries, err := c.ReadDir(p.String())
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			return vfskit.NewPathError("delete", p, vfskit.ErrNotEmpty)
		}
		return c.RemoveDirectory(p.String())
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

	return a.with(ctx, "rename", src, func(c *sftp.Client) error {
		if _, err := c.Lstat(dst.String()); err == nil {
			return vfskit.NewPathError("rename", dst, vfskit.ErrExist)
		}
		return c.Rename(src.String(), dst.String())
	})
}

// Close closes every pooled session.
func (a *Adapter) Close() error {
	a.cache.Clear()
	return a.pool.Close()
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================

// chown sets uid and gid, keeping the current value of whichever is -1.
func (a *Adapter) chown(ctx context.Context, op string, p vfskit.VirtualPath, uid, gid int) error {
	a.cache.Invalidate(p)
	return a.with(ctx, op, p, func(c *sftp.Client) error {
		info, err := c.Lstat(p.String())
		if err != nil {
			return err
		}
		stat, ok := info.Sys().(*sftp.FileStat)
		if !ok {
			return vfskit.NewPathError(op, p, vfskit.ErrNotSupported)
		}
		if uid < 0 {
			uid = int(stat.UID)
		}
		if gid < 0 {
			gid = int(stat.GID)
		}
		return c.Chown(p.String(), uid, gid)
	})
}

// SetOwner implements vfskit.CanSetOwner. SFTP only carries numeric IDs.
func (a *Adapter) SetOwner(ctx context.Context, p vfskit.VirtualPath, owner vfskit.Principal) error {
	if owner.ID < 0 {
		return vfskit.NewPathError("chown", p, errors.Errorf("%w: user %q has no numeric ID", vfskit.ErrNotSupported, owner.Name))
	}
	return a.chown(ctx, "chown", p, owner.ID, -1)
}

// SetGroup implements vfskit.CanSetGroup
func (a *Adapter) SetGroup(ctx context.Context, p vfskit.VirtualPath, group vfskit.Principal) error {
	if group.ID < 0 {
		return vfskit.NewPathError("chgrp", p, errors.Errorf("%w: group %q has no numeric ID", vfskit.ErrNotSupported, group.Name))
	}
	return a.chown(ctx, "chgrp", p, -1, group.ID)
}

// SetMode implements vfskit.CanSetMode
func (a *Adapter) SetMode(ctx context.Context, p vfskit.VirtualPath, mode os.FileMode) error {
	a.cache.Invalidate(p)
	return a.with(ctx, "chmod", p, func(c *sftp.Client) error {
		info, err := c.Lstat(p.String())
		if err != nil {
			return err
		}
		// SETSTAT follows links on the server.
		if info.Mode()&os.ModeSymlink != 0 {
			return vfskit.NewPathError("chmod", p, vfskit.ErrNotSupported)
		}
		return c.Chmod(p.String(), mode.Perm())
	})
}

// SetModTime implements vfskit.CanSetModTime
func (a *Adapter) SetModTime(ctx context.Context, p vfskit.VirtualPath, t time.Time) error {
	a.cache.Invalidate(p)
	return a.with(ctx, "touch", p, func(c *sftp.Client) error {
		return c.Chtimes(p.String(), t, t)
	})
}

// ReadLink implements vfskit.CanSymlink
func (a *Adapter) ReadLink(ctx context.Context, p vfskit.VirtualPath) (string, error) {
	var target string
	err := a.with(ctx, "readlink", p, func(c *sftp.Client) error {
		var err error
		target, err = c.ReadLink(p.String())
		return err
	})
	return target, err
}

// Symlink implements vfskit.CanSymlink
func (a *Adapter) Symlink(ctx context.Context, target string, link vfskit.VirtualPath) error {
	a.cache.Invalidate(link)
	return a.with(ctx, "symlink", link, func(c *sftp.Client) error {
		return c.Symlink(target, link.String())
	})
}

var (
	_ vfskit.Provider      = (*Adapter)(nil)
	_ vfskit.CanSetOwner   = (*Adapter)(nil)
	_ vfskit.CanSetGroup   = (*Adapter)(nil)
	_ vfskit.CanSetMode    = (*Adapter)(nil)
	_ vfskit.CanSetModTime = (*Adapter)(nil)
	_ vfskit.CanSymlink    = (*Adapter)(nil)
)
