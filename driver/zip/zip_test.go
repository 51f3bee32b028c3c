package zip

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"gitlab.com/tozd/go/errors"

	"github.com/gobeaver/vfskit"
)

func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()
	zipPath := filepath.Join(tmpDir, "test.zip")

	// Create a valid ZIP file first
	createTestZip(t, zipPath, map[string]string{
		"file1.txt":     "content1",
		"dir/file2.txt": "content2",
	}, nil)

	t.Run("opens existing zip file", func(t *testing.T) {
		a, err := Open(zipPath)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer a.Close()

		if a.Authority().Archive != zipPath {
			t.Errorf("expected archive %q, got %q", zipPath, a.Authority().Archive)
		}
		ok, err := vfskit.Exists(context.Background(), a, vpath(a, "/file1.txt"))
		if err != nil || !ok {
			t.Errorf("expected file1.txt to exist: %v", err)
		}
	})

	t.Run("fails for non-existent file", func(t *testing.T) {
		_, err := Open(filepath.Join(tmpDir, "nonexistent.zip"))
		if err == nil {
			t.Error("expected error for non-existent file")
		}
	})
}

func vpath(a *Adapter, p string) vfskit.VirtualPath {
	return vfskit.NewPath(a.Authority(), true, p)
}

func openTestZip(t *testing.T) *Adapter {
	t.Helper()
	zipPath := filepath.Join(t.TempDir(), "test.zip")
	createTestZip(t, zipPath, map[string]string{
		"a.txt":           "alpha",
		"docs/b.txt":      "bravo!",
		"docs/deep/c.txt": "c",
	}, map[string]string{
		"docs/link": "b.txt",
	})
	a, err := Open(zipPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestStat(t *testing.T) {
	ctx := context.Background()
	a := openTestZip(t)

	fi, err := a.Stat(ctx, vpath(a, "/docs/b.txt"), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fi.Size != 6 || !fi.IsRegular() || fi.Name != "b.txt" {
		t.Errorf("unexpected info %+v", fi)
	}

	fi, err = a.Stat(ctx, vpath(a, "/docs/deep"), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fi.IsDir() {
		t.Error("expected implied directory")
	}

	_, err = a.Stat(ctx, vpath(a, "/missing"), true)
	if !vfskit.IsNotExist(err) {
		t.Errorf("expected not exist, got %v", err)
	}
}

func TestSymlinkEntries(t *testing.T) {
	ctx := context.Background()
	a := openTestZip(t)

	fi, err := a.Stat(ctx, vpath(a, "/docs/link"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fi.IsSymlink() || fi.LinkTarget != "b.txt" {
		t.Errorf("expected symlink to b.txt, got %+v", fi)
	}

	fi, err = a.Stat(ctx, vpath(a, "/docs/link"), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fi.Size != 6 {
		t.Errorf("expected followed size 6, got %d", fi.Size)
	}

	target, err := vfskit.ReadLink(ctx, a, vpath(a, "/docs/link"))
	if err != nil || target != "b.txt" {
		t.Errorf("unexpected readlink %q %v", target, err)
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	a := openTestZip(t)

	entries, err := vfskit.ReadDir(ctx, a, vpath(a, "/docs"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	want := []string{"b.txt", "deep", "link"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("expected %v, got %v", want, names)
		}
	}

	root, err := vfskit.ReadDir(ctx, a, vpath(a, "/"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(root) != 2 {
		t.Errorf("expected 2 root entries, got %d", len(root))
	}

	_, err = a.List(ctx, vpath(a, "/a.txt"))
	if !errors.Is(err, vfskit.ErrNotDir) {
		t.Errorf("expected not-dir, got %v", err)
	}
}

func TestOpenRead(t *testing.T) {
	ctx := context.Background()
	a := openTestZip(t)

	r, err := a.OpenRead(ctx, vpath(a, "/docs/deep/c.txt"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := io.ReadAll(r)
	r.Close()
	if string(got) != "c" {
		t.Errorf("expected 'c', got %q", got)
	}

	_, err = a.OpenRead(ctx, vpath(a, "/docs"))
	if !errors.Is(err, vfskit.ErrIsDir) {
		t.Errorf("expected is-dir, got %v", err)
	}
}

func TestReadOnly(t *testing.T) {
	ctx := context.Background()
	a := openTestZip(t)
	p := vpath(a, "/a.txt")

	if _, err := a.OpenWrite(ctx, p); !errors.Is(err, vfskit.ErrReadOnly) {
		t.Errorf("expected read-only, got %v", err)
	}
	if err := a.Delete(ctx, p); !errors.Is(err, vfskit.ErrReadOnly) {
		t.Errorf("expected read-only, got %v", err)
	}
	if err := a.CreateDir(ctx, vpath(a, "/new")); !errors.Is(err, vfskit.ErrReadOnly) {
		t.Errorf("expected read-only, got %v", err)
	}
	if !vfskit.IsReadOnly(ctx, a, p) {
		t.Error("expected archive to report read-only")
	}
	if !vfskit.ReadOnlyTarget(ctx, a, p, vfskit.ErrPermission) {
		t.Error("expected permission failure to be reported as read-only target")
	}
}

func TestExtract(t *testing.T) {
	a := openTestZip(t)
	dst := filepath.Join(t.TempDir(), "out.txt")

	if err := a.Extract(context.Background(), vpath(a, "/docs/b.txt"), dst); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil || string(got) != "bravo!" {
		t.Errorf("unexpected extracted content %q %v", got, err)
	}
}

func TestClosed(t *testing.T) {
	a := openTestZip(t)
	if err := a.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := a.Stat(context.Background(), vpath(a, "/a.txt"), true)
	if !errors.Is(err, vfskit.ErrClosed) {
		t.Errorf("expected closed, got %v", err)
	}
}

func TestRegisteredScheme(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "reg.zip")
	createTestZip(t, zipPath, map[string]string{"x.txt": "x"}, nil)

	reg := vfskit.NewRegistry(nil, nil)
	defer reg.Close()

	p, err := vfskit.Parse("archive://" + zipPath + "!/x.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	prov, err := reg.Resolve(context.Background(), p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fi, err := prov.Stat(context.Background(), p, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fi.Size != 1 {
		t.Errorf("expected size 1, got %d", fi.Size)
	}
}

// Helper functions

func createTestZip(t *testing.T, zipPath string, files, links map[string]string) {
	t.Helper()

	f, err := os.Create(zipPath)
	if err != nil {
		t.Fatalf("failed to create test zip: %v", err)
	}
	defer f.Close()

	w := zip.NewWriter(f)

	for name, content := range files {
		header := &zip.FileHeader{Name: name, Method: zip.Deflate}
		header.SetMode(0o644)
		fw, err := w.CreateHeader(header)
		if err != nil {
			t.Fatalf("failed to create file in test zip: %v", err)
		}
		if _, err := io.WriteString(fw, content); err != nil {
			t.Fatalf("failed to write file in test zip: %v", err)
		}
	}

	for name, target := range links {
		header := &zip.FileHeader{Name: name, Method: zip.Store}
		header.SetMode(os.ModeSymlink | 0o777)
		fw, err := w.CreateHeader(header)
		if err != nil {
			t.Fatalf("failed to create link in test zip: %v", err)
		}
		if _, err := io.WriteString(fw, target); err != nil {
			t.Fatalf("failed to write link in test zip: %v", err)
		}
	}

	if err := w.Close(); err != nil {
		t.Fatalf("failed to close test zip: %v", err)
	}
}
