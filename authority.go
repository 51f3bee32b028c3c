package vfskit

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Scheme identifies a provider kind.
type Scheme string

const (
	SchemeFile    Scheme = "file"
	SchemeArchive Scheme = "archive"
	SchemeFTP     Scheme = "ftp"
	SchemeFTPS    Scheme = "ftps"
	SchemeSFTP    Scheme = "sftp"
	SchemeMemory  Scheme = "mem"
)

// FTPMode selects how FTP data connections are opened.
type FTPMode string

const (
	FTPModePassive         FTPMode = "passive"
	FTPModeExtendedPassive FTPMode = "extended-passive"
	FTPModeActive          FTPMode = "active"
)

// DefaultFTPEncoding is used when an FTP authority names no encoding.
const DefaultFTPEncoding = "utf-8"

// Authority identifies the endpoint that owns a path: the provider kind,
// the remote host and the identity used to log in, plus the protocol
// options that change how the session behaves. It is a plain comparable
// value and is used as the connection pool key.
type Authority struct {
	Scheme   Scheme
	Host     string
	Port     int
	Username string

	// FTP only.
	Mode     FTPMode
	Encoding string

	// Archive only: the local path of the archive file.
	Archive string
}

// LocalAuthority is the authority of the local filesystem.
var LocalAuthority = Authority{Scheme: SchemeFile}

// MemoryAuthority returns the authority of the named in-memory volume.
func MemoryAuthority(name string) Authority {
	return Authority{Scheme: SchemeMemory, Host: name}
}

// ArchiveAuthority returns the authority for the archive at archivePath.
func ArchiveAuthority(archivePath string) Authority {
	return Authority{Scheme: SchemeArchive, Archive: archivePath}
}

// DefaultPort returns the well-known port of scheme, or 0.
func DefaultPort(scheme Scheme) int {
	switch scheme {
	case SchemeFTP, SchemeFTPS:
		return 21
	case SchemeSFTP:
		return 22
	default:
		return 0
	}
}

// IsRemote reports whether the authority needs a network session.
func (a Authority) IsRemote() bool {
	switch a.Scheme {
	case SchemeFTP, SchemeFTPS, SchemeSFTP:
		return true
	default:
		return false
	}
}

// Normalize fills in defaults so that two authorities naming the same
// endpoint compare equal.
func (a Authority) Normalize() Authority {
	a.Host = strings.ToLower(a.Host)
	if a.IsRemote() && a.Port == 0 {
		a.Port = DefaultPort(a.Scheme)
	}
	switch a.Scheme {
	case SchemeFTP, SchemeFTPS:
		if a.Mode == "" {
			a.Mode = FTPModePassive
		}
		if a.Encoding == "" {
			a.Encoding = DefaultFTPEncoding
		}
		a.Encoding = strings.ToLower(a.Encoding)
	default:
		a.Mode = ""
		a.Encoding = ""
	}
	return a
}

// Address returns host:port for remote authorities.
func (a Authority) Address() string {
	port := a.Port
	if port == 0 {
		port = DefaultPort(a.Scheme)
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(port))
}

// String renders the authority as a URI prefix without a path.
func (a Authority) String() string {
	switch a.Scheme {
	case SchemeFile:
		return "file://"
	case SchemeArchive:
		return "archive://" + a.Archive + "!"
	case SchemeMemory:
		return "mem://" + a.Host
	}

	var b strings.Builder
	b.WriteString(string(a.Scheme))
	b.WriteString("://")
	if a.Username != "" {
		b.WriteString(url.PathEscape(a.Username))
		b.WriteByte('@')
	}
	b.WriteString(a.Host)
	if a.Port != 0 && a.Port != DefaultPort(a.Scheme) {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(a.Port))
	}
	return b.String()
}

// query returns the protocol options as URI query parameters.
func (a Authority) query() string {
	if a.Scheme != SchemeFTP && a.Scheme != SchemeFTPS {
		return ""
	}
	v := url.Values{}
	if a.Mode != "" && a.Mode != FTPModePassive {
		v.Set("mode", string(a.Mode))
	}
	if a.Encoding != "" && a.Encoding != DefaultFTPEncoding {
		v.Set("encoding", a.Encoding)
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

// compare orders authorities by their rendered form.
func (a Authority) compare(b Authority) int {
	return strings.Compare(a.String()+a.query(), b.String()+b.query())
}
