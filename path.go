package vfskit

import (
	"net/url"
	"path"
	"slices"
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"
)

// VirtualPath is an immutable location on some provider: an ordered list of
// segments, an absolute flag and the authority that owns it. Two paths are
// equal when their authorities and segments are equal.
type VirtualPath struct {
	auth     Authority
	abs      bool
	segments []string
}

// NewPath builds a path from segments. Each segment may itself contain
// slashes; "." and ".." are resolved.
func NewPath(auth Authority, abs bool, segments ...string) VirtualPath {
	return VirtualPath{auth: auth.Normalize(), abs: abs, segments: cleanSegments(abs, segments)}
}

// LocalPath returns the absolute local path for p.
func LocalPath(p string) VirtualPath {
	return NewPath(LocalAuthority, true, p)
}

func cleanSegments(abs bool, in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, "/") {
			switch part {
			case "", ".":
			case "..":
				if len(out) > 0 && out[len(out)-1] != ".." {
					out = out[:len(out)-1]
				} else if !abs {
					out = append(out, "..")
				}
			default:
				out = append(out, part)
			}
		}
	}
	return out
}

// Parse parses a path URI. Plain absolute paths are local paths. Supported
// schemes are file, archive, ftp, ftps, sftp and mem:
//
//	/home/user/a.txt
//	file:///home/user/a.txt
//	sftp://user@host:2222/srv/data
//	ftp://user@host/pub?mode=extended-passive&encoding=windows-1252
//	archive:///tmp/bundle.zip!/docs/readme.md
//	mem://scratch/dir
func Parse(uri string) (VirtualPath, error) {
	if strings.HasPrefix(uri, "/") {
		return LocalPath(uri), nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return VirtualPath{}, errors.Errorf("parse %q: %w", uri, err)
	}

	auth := Authority{Scheme: Scheme(strings.ToLower(u.Scheme))}
	p := u.Path

	switch auth.Scheme {
	case SchemeFile:
	case SchemeMemory:
		auth.Host = u.Host
	case SchemeArchive:
		archive, inner, found := strings.Cut(u.Path, "!")
		if !found || archive == "" {
			return VirtualPath{}, errors.Errorf("parse %q: archive path needs \"!\" separator: %w", uri, ErrInvalidName)
		}
		auth.Archive = path.Clean(archive)
		p = inner
	case SchemeFTP, SchemeFTPS, SchemeSFTP:
		auth.Host = u.Hostname()
		if port := u.Port(); port != "" {
			n, err := strconv.Atoi(port)
			if err != nil {
				return VirtualPath{}, errors.Errorf("parse %q: bad port: %w", uri, err)
			}
			auth.Port = n
		}
		if u.User != nil {
			auth.Username = u.User.Username()
		}
		if auth.Scheme != SchemeSFTP {
			q := u.Query()
			auth.Mode = FTPMode(q.Get("mode"))
			auth.Encoding = q.Get("encoding")
			switch auth.Mode {
			case "", FTPModePassive, FTPModeExtendedPassive, FTPModeActive:
			default:
				return VirtualPath{}, errors.Errorf("parse %q: unknown ftp mode %q: %w", uri, auth.Mode, ErrInvalidName)
			}
		}
	default:
		return VirtualPath{}, errors.Errorf("parse %q: %w: %s", uri, ErrUnknownScheme, u.Scheme)
	}

	return NewPath(auth, true, p), nil
}

// MustParse is like Parse but panics on error. For tests and constants.
func MustParse(uri string) VirtualPath {
	p, err := Parse(uri)
	if err != nil {
		panic(err)
	}
	return p
}

// Authority returns the authority that owns the path.
func (p VirtualPath) Authority() Authority { return p.auth }

// IsAbs reports whether the path is absolute.
func (p VirtualPath) IsAbs() bool { return p.abs }

// IsRoot reports whether p is the absolute root of its authority.
func (p VirtualPath) IsRoot() bool { return p.abs && len(p.segments) == 0 }

// Segments returns a copy of the path segments.
func (p VirtualPath) Segments() []string { return slices.Clone(p.segments) }

// Depth returns the number of segments.
func (p VirtualPath) Depth() int { return len(p.segments) }

// Name returns the last segment, or "" for a root.
func (p VirtualPath) Name() string {
	if len(p.segments) == 0 {
		return ""
	}
	return p.segments[len(p.segments)-1]
}

// Parent returns the parent path. The parent of a root is the root.
func (p VirtualPath) Parent() VirtualPath {
	if len(p.segments) == 0 {
		return p
	}
	return VirtualPath{auth: p.auth, abs: p.abs, segments: slices.Clone(p.segments[:len(p.segments)-1])}
}

// Join appends names to p.
func (p VirtualPath) Join(names ...string) VirtualPath {
	joined := append(slices.Clone(p.segments), names...)
	return VirtualPath{auth: p.auth, abs: p.abs, segments: cleanSegments(p.abs, joined)}
}

// HasPrefix reports whether prefix is p or one of its ancestors on the same
// authority.
func (p VirtualPath) HasPrefix(prefix VirtualPath) bool {
	if p.auth != prefix.auth || p.abs != prefix.abs || len(prefix.segments) > len(p.segments) {
		return false
	}
	return slices.Equal(p.segments[:len(prefix.segments)], prefix.segments)
}

// Rel returns the segments of p below base. ok is false when base is not a
// prefix of p.
func (p VirtualPath) Rel(base VirtualPath) (rel []string, ok bool) {
	if !p.HasPrefix(base) {
		return nil, false
	}
	return slices.Clone(p.segments[len(base.segments):]), true
}

// Relocate moves p from below fromRoot to the same relative place below
// toRoot. It is how the target of every node in a transfer is computed.
func (p VirtualPath) Relocate(fromRoot, toRoot VirtualPath) (VirtualPath, error) {
	rel, ok := p.Rel(fromRoot)
	if !ok {
		return VirtualPath{}, errors.Errorf("relocate %s: not below %s: %w", p, fromRoot, ErrInvalidName)
	}
	return toRoot.Join(rel...), nil
}

// SameAuthority reports whether p and o live on the same provider.
func (p VirtualPath) SameAuthority(o VirtualPath) bool {
	return p.auth == o.auth
}

// Equal reports structural equality.
func (p VirtualPath) Equal(o VirtualPath) bool {
	return p.auth == o.auth && p.abs == o.abs && slices.Equal(p.segments, o.segments)
}

// Compare orders paths by authority, then absoluteness, then segments.
func (p VirtualPath) Compare(o VirtualPath) int {
	if c := p.auth.compare(o.auth); c != 0 {
		return c
	}
	if p.abs != o.abs {
		if p.abs {
			return 1
		}
		return -1
	}
	return slices.Compare(p.segments, o.segments)
}

// String returns the slash separated path without the authority.
func (p VirtualPath) String() string {
	s := strings.Join(p.segments, "/")
	if p.abs {
		return "/" + s
	}
	if s == "" {
		return "."
	}
	return s
}

// URI returns the path with its authority, in the form Parse accepts.
func (p VirtualPath) URI() string {
	if p.auth.Scheme == SchemeArchive {
		return p.auth.String() + p.String()
	}
	return p.auth.String() + p.String() + p.auth.query()
}
