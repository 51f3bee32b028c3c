// Package vfskit provides one filesystem contract over local directories,
// zip archives, FTP and SFTP servers, so that tree walking and transfer code
// runs unchanged across them.
//
// A [VirtualPath] is a location on some [Authority] (a scheme, a host, a
// user). A [Provider] serves every path of one authority; the [Registry]
// creates providers on first use and shares them.
//
// # Backends
//
//   - Local filesystem (github.com/gobeaver/vfskit/driver/local)
//   - ZIP archives, read-only (github.com/gobeaver/vfskit/driver/zip)
//   - FTP and FTPS (github.com/gobeaver/vfskit/driver/ftp)
//   - SFTP (github.com/gobeaver/vfskit/driver/sftp)
//   - In-memory (github.com/gobeaver/vfskit/driver/memory)
//
// Drivers register their schemes when imported:
//
//	import _ "github.com/gobeaver/vfskit/driver/sftp"
//
//	reg := vfskit.NewRegistry(nil, creds)
//	defer reg.Close()
//
//	p := vfskit.MustParse("sftp://me@nas:22/srv/backup")
//	prov, err := reg.Resolve(ctx, p)
//	entries, err := vfskit.ReadDir(ctx, prov, p)
//
// Remote drivers keep their sessions in a [github.com/gobeaver/vfskit/pool]
// with a cap per authority and an idle sweep.
//
// # Optional Capabilities
//
// Attribute setters and links are optional. Use the free functions, which
// return [ErrNotSupported] when the provider lacks the capability:
//
//	err := vfskit.SetMode(ctx, prov, p, 0o644)
//	if vfskit.IsNotSupported(err) {
//	    // FTP servers rarely allow this
//	}
//
// # Credentials
//
// Providers ask their [CredentialStore] when they connect. A store without an
// answer returns a [UserActionRequiredError], which callers turn into a
// password prompt before retrying.
//
// # Jobs
//
// Copy, move, delete and attribute changes over whole trees live in
// [github.com/gobeaver/vfskit/job], with progress reporting and a
// retry/skip/cancel protocol for per-file failures.
//
// # Configuration
//
// [GetConfig] reads BEAVER_VFSKIT_* environment variables; [WithPrefix]
// replaces the BEAVER_ prefix.
package vfskit
