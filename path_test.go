package vfskit

import (
	"testing"

	"gitlab.com/tozd/go/errors"
)

func TestParse(t *testing.T) {
	tests := []struct {
		uri      string
		wantAuth Authority
		wantPath string
		wantURI  string
	}{
		{
			uri:      "/home/user/a.txt",
			wantAuth: LocalAuthority,
			wantPath: "/home/user/a.txt",
			wantURI:  "file:///home/user/a.txt",
		},
		{
			uri:      "file:///tmp/../etc/./hosts",
			wantAuth: LocalAuthority,
			wantPath: "/etc/hosts",
			wantURI:  "file:///etc/hosts",
		},
		{
			uri:      "sftp://me@NAS/srv/data",
			wantAuth: Authority{Scheme: SchemeSFTP, Host: "nas", Port: 22, Username: "me"},
			wantPath: "/srv/data",
			wantURI:  "sftp://me@nas/srv/data",
		},
		{
			uri:      "sftp://me@nas:2222/",
			wantAuth: Authority{Scheme: SchemeSFTP, Host: "nas", Port: 2222, Username: "me"},
			wantPath: "/",
			wantURI:  "sftp://me@nas:2222/",
		},
		{
			uri: "ftp://anon@ftp.example.org/pub?mode=extended-passive&encoding=Windows-1252",
			wantAuth: Authority{
				Scheme: SchemeFTP, Host: "ftp.example.org", Port: 21, Username: "anon",
				Mode: FTPModeExtendedPassive, Encoding: "windows-1252",
			},
			wantPath: "/pub",
			wantURI:  "ftp://anon@ftp.example.org/pub?encoding=windows-1252&mode=extended-passive",
		},
		{
			uri:      "ftp://ftp.example.org/pub",
			wantAuth: Authority{Scheme: SchemeFTP, Host: "ftp.example.org", Port: 21, Mode: FTPModePassive, Encoding: DefaultFTPEncoding},
			wantPath: "/pub",
			wantURI:  "ftp://ftp.example.org/pub",
		},
		{
			uri:      "archive:///tmp/bundle.zip!/docs/readme.md",
			wantAuth: Authority{Scheme: SchemeArchive, Archive: "/tmp/bundle.zip"},
			wantPath: "/docs/readme.md",
			wantURI:  "archive:///tmp/bundle.zip!/docs/readme.md",
		},
		{
			uri:      "mem://Scratch/dir",
			wantAuth: Authority{Scheme: SchemeMemory, Host: "scratch"},
			wantPath: "/dir",
			wantURI:  "mem://scratch/dir",
		},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			p, err := Parse(tt.uri)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if p.Authority() != tt.wantAuth {
				t.Errorf("Authority() = %+v, want %+v", p.Authority(), tt.wantAuth)
			}
			if got := p.String(); got != tt.wantPath {
				t.Errorf("String() = %q, want %q", got, tt.wantPath)
			}
			if got := p.URI(); got != tt.wantURI {
				t.Errorf("URI() = %q, want %q", got, tt.wantURI)
			}

			again, err := Parse(p.URI())
			if err != nil {
				t.Fatalf("Parse(URI()) error = %v", err)
			}
			if !again.Equal(p) {
				t.Errorf("Parse(URI()) = %s, want %s", again.URI(), p.URI())
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		uri  string
		want error
	}{
		{"gopher://host/x", ErrUnknownScheme},
		{"archive:///tmp/bundle.zip", ErrInvalidName},
		{"ftp://host/x?mode=sideways", ErrInvalidName},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			_, err := Parse(tt.uri)
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := Parse("sftp://host:port/x"); err == nil {
		t.Error("Parse() with a bad port should fail")
	}
}

func TestPathNavigation(t *testing.T) {
	p := MustParse("mem://vol/a/b/c.txt")

	if got := p.Name(); got != "c.txt" {
		t.Errorf("Name() = %q", got)
	}
	if got := p.Depth(); got != 3 {
		t.Errorf("Depth() = %d", got)
	}
	if got := p.Parent().String(); got != "/a/b" {
		t.Errorf("Parent() = %q", got)
	}

	root := MustParse("mem://vol/")
	if !root.IsRoot() || root.Name() != "" {
		t.Errorf("root = %q, IsRoot %v", root.String(), root.IsRoot())
	}
	if !root.Parent().Equal(root) {
		t.Error("the parent of a root is the root")
	}

	if got := p.Parent().Join("..", "d", "./e").String(); got != "/a/d/e" {
		t.Errorf("Join() = %q", got)
	}
	if got := root.Join("..", "x").String(); got != "/x" {
		t.Errorf("Join() above root = %q", got)
	}

	segs := p.Segments()
	segs[0] = "changed"
	if p.String() != "/a/b/c.txt" {
		t.Error("Segments() must return a copy")
	}
}

func TestRelativePath(t *testing.T) {
	p := NewPath(LocalAuthority, false, "../a", "b")
	if p.IsAbs() {
		t.Fatal("IsAbs() = true")
	}
	if got := p.String(); got != "../a/b" {
		t.Errorf("String() = %q", got)
	}
	if got := NewPath(LocalAuthority, false).String(); got != "." {
		t.Errorf("empty relative path = %q", got)
	}
}

func TestHasPrefixAndRelocate(t *testing.T) {
	src := MustParse("mem://vol/src")
	file := MustParse("mem://vol/src/sub/a.txt")
	dst := MustParse("sftp://me@nas/backup/src")

	if !file.HasPrefix(src) || !src.HasPrefix(src) {
		t.Error("HasPrefix() should hold for descendants and the path itself")
	}
	if MustParse("mem://vol/srcx").HasPrefix(src) {
		t.Error("HasPrefix() must compare whole segments")
	}
	if file.HasPrefix(MustParse("mem://other/src")) {
		t.Error("HasPrefix() must compare authorities")
	}

	rel, ok := file.Rel(src)
	if !ok || len(rel) != 2 || rel[0] != "sub" || rel[1] != "a.txt" {
		t.Errorf("Rel() = %v, %v", rel, ok)
	}

	got, err := file.Relocate(src, dst)
	if err != nil {
		t.Fatal(err)
	}
	if want := "sftp://me@nas/backup/src/sub/a.txt"; got.URI() != want {
		t.Errorf("Relocate() = %q, want %q", got.URI(), want)
	}

	if _, err := dst.Relocate(src, dst); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Relocate() outside the root error = %v", err)
	}
}

func TestCompare(t *testing.T) {
	a := MustParse("mem://vol/a")
	b := MustParse("mem://vol/a/b")
	c := MustParse("mem://vol/b")
	other := MustParse("mem://wol/a")

	if a.Compare(b) >= 0 || b.Compare(c) >= 0 || c.Compare(other) >= 0 {
		t.Error("paths are not ordered by authority then segments")
	}
	if a.Compare(MustParse("mem://VOL/a")) != 0 {
		t.Error("equal paths should compare equal")
	}
	if !a.SameAuthority(b) || a.SameAuthority(other) {
		t.Error("SameAuthority() mismatch")
	}
}
