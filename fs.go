package vfskit

import (
	"context"
	"io"
	"os"
	"strconv"
	"time"
)

// FileType classifies a directory entry.
type FileType int

const (
	TypeRegular FileType = iota
	TypeDir
	TypeSymlink
	// TypeOther covers devices, sockets and pipes.
	TypeOther
)

func (t FileType) String() string {
	switch t {
	case TypeRegular:
		return "file"
	case TypeDir:
		return "directory"
	case TypeSymlink:
		return "symlink"
	default:
		return "special"
	}
}

// Principal is a user or group as a provider reports it. ID is -1 when the
// provider only knows the name.
type Principal struct {
	ID   int
	Name string
}

func (p Principal) String() string {
	if p.Name != "" {
		return p.Name
	}
	if p.ID < 0 {
		return "?"
	}
	return strconv.Itoa(p.ID)
}

// FileInfo represents file/directory metadata
type FileInfo struct {
	Name          string
	Path          VirtualPath
	Size          int64
	ModTime       time.Time
	Type          FileType
	Mode          os.FileMode // permission bits only
	// ModeUnknown is set when the store does not report permissions and
	// Mode is a placeholder.
	ModeUnknown   bool
	Owner         Principal
	Group         Principal
	SecurityLabel string
	LinkTarget    string
}

func (fi *FileInfo) IsDir() bool     { return fi.Type == TypeDir }
func (fi *FileInfo) IsSymlink() bool { return fi.Type == TypeSymlink }
func (fi *FileInfo) IsRegular() bool { return fi.Type == TypeRegular }

// ============================================================================
// Provider
// ============================================================================

// Provider is the capability surface every backend implements. Paths passed
// to a provider belong to its authority; providers do not check that.
type Provider interface {
	// Stat returns metadata for p. With followLinks false a symlink is
	// described itself rather than its target.
	Stat(ctx context.Context, p VirtualPath, followLinks bool) (*FileInfo, error)

	// List opens a lazy listing of dir. A stream is consumed once; list
	// again to traverse again.
	List(ctx context.Context, dir VirtualPath) (DirStream, error)

	// OpenRead returns a stream of the file content.
	OpenRead(ctx context.Context, p VirtualPath) (io.ReadCloser, error)

	// OpenWrite returns a stream that replaces or extends the file content.
	// The write is complete when Close returns nil.
	OpenWrite(ctx context.Context, p VirtualPath, opts ...WriteOption) (io.WriteCloser, error)

	// CreateDir creates a single directory.
	CreateDir(ctx context.Context, p VirtualPath) error

	// Delete removes a file, a symlink or an empty directory.
	Delete(ctx context.Context, p VirtualPath) error

	// Rename moves src to dst on the same authority.
	Rename(ctx context.Context, src, dst VirtualPath) error

	// Close releases any sessions held by the provider.
	Close() error
}

// DirStream iterates over directory entries.
//
//	s, err := prov.List(ctx, dir)
//	...
//	defer s.Close()
//	for s.Next() {
//	    fi := s.Entry()
//	}
//	if err := s.Err(); err != nil { ... }
type DirStream interface {
	Next() bool
	Entry() FileInfo
	Err() error
	Close() error
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================
// Providers expose attribute setters and links through optional interfaces.
// Use the package level helpers (SetOwner, SetMode, ...) which report
// ErrNotSupported when a provider lacks the capability.

// CanSetOwner changes the owning user without following symlinks.
type CanSetOwner interface {
	SetOwner(ctx context.Context, p VirtualPath, owner Principal) error
}

// CanSetGroup changes the owning group without following symlinks.
type CanSetGroup interface {
	SetGroup(ctx context.Context, p VirtualPath, group Principal) error
}

// CanSetMode changes permission bits.
type CanSetMode interface {
	SetMode(ctx context.Context, p VirtualPath, mode os.FileMode) error
}

// CanSetSecurityLabel changes the security context (SELinux label).
type CanSetSecurityLabel interface {
	SetSecurityLabel(ctx context.Context, p VirtualPath, label string) error
}

// CanSetModTime changes the modification time.
type CanSetModTime interface {
	SetModTime(ctx context.Context, p VirtualPath, t time.Time) error
}

// CanSymlink reads and creates symbolic links.
type CanSymlink interface {
	ReadLink(ctx context.Context, p VirtualPath) (string, error)
	Symlink(ctx context.Context, target string, link VirtualPath) error
}

// FileStoreInfo reports properties of the store that holds a path.
type FileStoreInfo interface {
	IsReadOnly(ctx context.Context, p VirtualPath) (bool, error)
}

// ============================================================================
// Slice backed listings
// ============================================================================

type sliceStream struct {
	entries []FileInfo
	pos     int
	closed  bool
}

// NewSliceDirStream returns a DirStream over already fetched entries, for
// protocols that return a whole listing in one round trip.
func NewSliceDirStream(entries []FileInfo) DirStream {
	return &sliceStream{entries: entries, pos: -1}
}

func (s *sliceStream) Next() bool {
	if s.closed || s.pos+1 >= len(s.entries) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceStream) Entry() FileInfo { return s.entries[s.pos] }
func (s *sliceStream) Err() error      { return nil }

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

// ReadDir drains a listing of dir.
func ReadDir(ctx context.Context, prov Provider, dir VirtualPath) ([]FileInfo, error) {
	s, err := prov.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	var out []FileInfo
	for s.Next() {
		out = append(out, s.Entry())
	}
	return out, s.Err()
}
