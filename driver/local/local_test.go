package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"gitlab.com/tozd/go/errors"

	"github.com/gobeaver/vfskit"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return a
}

func vp(p string) vfskit.VirtualPath { return vfskit.LocalPath(p) }

func writeFile(t *testing.T, a *Adapter, p, content string) {
	t.Helper()
	w, err := a.OpenWrite(context.Background(), vp(p), vfskit.WithOverwrite(true), vfskit.WithCreateParents())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := io.WriteString(w, content); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "root")
	a, err := New(root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		t.Fatalf("expected root directory to exist: %v", err)
	}
	if a.Root() != root {
		t.Errorf("expected root %q, got %q", root, a.Root())
	}
}

func TestWriteAndRead(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)

	writeFile(t, a, "/dir/test.txt", "hello world")

	r, err := a.OpenRead(ctx, vp("/dir/test.txt"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if string(got) != "hello world" {
		t.Errorf("expected 'hello world', got %q", got)
	}

	fi, err := a.Stat(ctx, vp("/dir/test.txt"), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fi.Size != 11 || !fi.IsRegular() || fi.Name != "test.txt" {
		t.Errorf("unexpected info %+v", fi)
	}
	if fi.Path.String() != "/dir/test.txt" {
		t.Errorf("expected virtual path, got %s", fi.Path)
	}
}

func TestOpenWriteExclusive(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)
	writeFile(t, a, "/a", "x")

	_, err := a.OpenWrite(ctx, vp("/a"))
	if !vfskit.IsExist(err) {
		t.Errorf("expected exist error, got %v", err)
	}

	_, err = a.OpenWrite(ctx, vp("/missing/a"))
	if !vfskit.IsNotExist(err) {
		t.Errorf("expected not exist error, got %v", err)
	}
}

func TestOpenReadDirectory(t *testing.T) {
	a := newTestAdapter(t)
	if err := a.CreateDir(context.Background(), vp("/d")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := a.OpenRead(context.Background(), vp("/d"))
	if !errors.Is(err, vfskit.ErrIsDir) {
		t.Errorf("expected is-dir error, got %v", err)
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)
	writeFile(t, a, "/dir/a.txt", "a")
	writeFile(t, a, "/dir/b.txt", "bb")
	if err := a.CreateDir(ctx, vp("/dir/sub")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries, err := vfskit.ReadDir(ctx, a, vp("/dir"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	byName := map[string]vfskit.FileInfo{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	if byName["b.txt"].Size != 2 {
		t.Errorf("expected size 2, got %d", byName["b.txt"].Size)
	}
	sub := byName["sub"]
	if !sub.IsDir() {
		t.Error("expected sub to be a directory")
	}
	if byName["a.txt"].Path.String() != "/dir/a.txt" {
		t.Errorf("unexpected path %s", byName["a.txt"].Path)
	}

	_, err = a.List(ctx, vp("/dir/a.txt"))
	if !errors.Is(err, vfskit.ErrNotDir) {
		t.Errorf("expected not-dir, got %v", err)
	}
}

func TestListLargeDirectory(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)
	const n = listBatch*2 + 7
	for i := 0; i < n; i++ {
		if err := os.WriteFile(filepath.Join(a.Root(), "f"+strconv.Itoa(i)), nil, 0o644); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	s, err := a.List(ctx, vp("/"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()
	count := 0
	for s.Next() {
		count++
	}
	if err := s.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != n {
		t.Errorf("expected %d entries, got %d", n, count)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)
	writeFile(t, a, "/d/f", "x")

	if err := a.Delete(ctx, vp("/d")); !errors.Is(err, vfskit.ErrNotEmpty) {
		t.Errorf("expected not-empty, got %v", err)
	}
	if err := a.Delete(ctx, vp("/d/f")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Delete(ctx, vp("/d")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Delete(ctx, vp("/d")); !vfskit.IsNotExist(err) {
		t.Errorf("expected not exist, got %v", err)
	}
}

func TestRename(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)
	writeFile(t, a, "/src/a", "1")
	writeFile(t, a, "/other", "2")

	if err := a.Rename(ctx, vp("/src"), vp("/other")); !vfskit.IsExist(err) {
		t.Errorf("expected exist, got %v", err)
	}
	if err := a.Rename(ctx, vp("/src"), vp("/src/inner")); !errors.Is(err, vfskit.ErrInvalidName) {
		t.Errorf("expected invalid name, got %v", err)
	}
	if err := a.Rename(ctx, vp("/src"), vp("/dst")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(a.Root(), "dst", "a")); err != nil {
		t.Errorf("expected renamed file: %v", err)
	}

	mem := vfskit.NewPath(vfskit.MemoryAuthority("x"), true, "dst")
	if err := a.Rename(ctx, vp("/dst"), mem); !errors.Is(err, vfskit.ErrCrossAuthority) {
		t.Errorf("expected cross authority, got %v", err)
	}
}

func TestAttributes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not meaningful on windows")
	}
	ctx := context.Background()
	a := newTestAdapter(t)
	writeFile(t, a, "/f", "x")
	when := time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)

	if err := vfskit.SetMode(ctx, a, vp("/f"), 0o640); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := vfskit.SetModTime(ctx, a, vp("/f"), when); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fi, err := a.Stat(ctx, vp("/f"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fi.Mode != 0o640 {
		t.Errorf("expected mode 0640, got %o", fi.Mode)
	}
	if !fi.ModTime.Equal(when) {
		t.Errorf("expected mod time %v, got %v", when, fi.ModTime)
	}
	if fi.Owner.ID != os.Getuid() {
		t.Errorf("expected owner %d, got %d", os.Getuid(), fi.Owner.ID)
	}

	// Setting ownership to the current owner is always allowed.
	if err := vfskit.SetOwner(ctx, a, vp("/f"), fi.Owner); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := vfskit.SetGroup(ctx, a, vp("/f"), fi.Group); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	ctx := context.Background()
	a := newTestAdapter(t)
	writeFile(t, a, "/target", "data")

	if err := a.Symlink(ctx, "target", vp("/link")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fi, err := a.Stat(ctx, vp("/link"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fi.IsSymlink() || fi.LinkTarget != "target" {
		t.Errorf("expected symlink to target, got %+v", fi)
	}

	fi, err = a.Stat(ctx, vp("/link"), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fi.IsRegular() || fi.Size != 4 {
		t.Errorf("expected followed file, got %+v", fi)
	}

	target, err := a.ReadLink(ctx, vp("/link"))
	if err != nil || target != "target" {
		t.Errorf("unexpected readlink %q %v", target, err)
	}

	// Absolute targets are resolved below the root.
	if err := a.Symlink(ctx, "/target", vp("/abs")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fi, err = a.Stat(ctx, vp("/abs"), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fi.Size != 4 {
		t.Errorf("expected absolute link to reach the target, got %+v", fi)
	}
}

func TestSetModeRefusesSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	ctx := context.Background()
	outside := filepath.Join(t.TempDir(), "outside")
	if err := os.WriteFile(outside, []byte("keep"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := os.Chmod(outside, 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a := newTestAdapter(t)
	if err := os.Symlink(outside, filepath.Join(a.root, "escape")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := a.SetMode(ctx, vp("/escape"), 0o600)
	if !vfskit.IsNotSupported(err) {
		t.Errorf("expected ErrNotSupported, got %v", err)
	}
	info, err := os.Stat(outside)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("link target mode changed to %o", info.Mode().Perm())
	}

	writeFile(t, a, "/plain", "data")
	if err := a.SetMode(ctx, vp("/plain"), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fi, err := a.Stat(ctx, vp("/plain"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fi.Mode.Perm() != 0o600 {
		t.Errorf("expected 600, got %o", fi.Mode.Perm())
	}
}

func TestIsReadOnly(t *testing.T) {
	a := newTestAdapter(t)
	ro, err := a.IsReadOnly(context.Background(), vp("/does/not/exist/yet"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ro {
		t.Error("expected temp dir to be writable")
	}
}

func TestContextCancellation(t *testing.T) {
	a := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := a.Stat(ctx, vp("/"), true); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context canceled, got %v", err)
	}
	if _, err := a.OpenWrite(ctx, vp("/f")); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context canceled, got %v", err)
	}
}

func TestRegisteredScheme(t *testing.T) {
	reg := vfskit.NewRegistry(nil, nil)
	defer reg.Close()

	prov, err := reg.Resolve(context.Background(), vfskit.MustParse("file:///tmp"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := prov.(*Adapter); !ok {
		t.Fatalf("expected local adapter, got %T", prov)
	}
}
