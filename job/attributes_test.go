package job

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeaver/vfskit"
	"github.com/gobeaver/vfskit/driver/local"
)

func TestSetModeLeavesLinkTargetsAlone(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	outside := filepath.Join(t.TempDir(), "outside")
	require.NoError(t, os.WriteFile(outside, []byte("keep"), 0o644))
	require.NoError(t, os.Chmod(outside, 0o644))

	root := t.TempDir()
	tree := filepath.Join(root, "tree")
	require.NoError(t, os.Mkdir(tree, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tree, "inside"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(tree, "escape")))

	loc, err := local.New(root)
	require.NoError(t, err)
	reg := vfskit.NewRegistry(nil, nil)
	require.NoError(t, reg.Mount(vfskit.LocalAuthority, loc))
	t.Cleanup(func() { _ = reg.Close() })
	f := &fixture{reg: reg}

	pres := &recorder{}
	h, err := f.run(t, pres, Request{
		Kind:      KindSetMode,
		Sources:   []vfskit.VirtualPath{vfskit.LocalPath("/tree")},
		Recursive: true,
		Mode:      0o700,
	})
	require.NoError(t, err)
	assert.Empty(t, pres.prompts())

	info, err := os.Stat(outside)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm(), "file behind the link")

	info, err = os.Stat(filepath.Join(tree, "inside"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	res := h.Result()
	assert.Equal(t, 3, res.Scan.FileCount)
	assert.Equal(t, 2, res.Transfer.FileCount, "the link leaves the totals")
	assert.Equal(t, 2, res.Transfer.TransferredFileCount)
}

func TestLinkedRootIsOneNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mem.Symlink(ctx, "/src", f.path("/link")))

	h, err := f.run(t, &recorder{}, Request{
		Kind:      KindSetGroup,
		Sources:   []vfskit.VirtualPath{f.path("/link")},
		Recursive: true,
		Group:     vfskit.Principal{ID: 7, Name: "staff"},
	})
	require.NoError(t, err)

	res := h.Result()
	assert.Equal(t, 1, res.Scan.FileCount)
	assert.Equal(t, 1, res.Transfer.TransferredFileCount)
	assert.LessOrEqual(t, res.Transfer.TransferredFileCount, res.Scan.FileCount)

	for _, p := range []string{"/src", "/src/a", "/src/b", "/src/c"} {
		fi, err := f.mem.Stat(ctx, f.path(p), false)
		require.NoError(t, err)
		assert.NotEqual(t, 7, fi.Group.ID, "%s is behind the link", p)
	}
	link, err := f.mem.Stat(ctx, f.path("/link"), false)
	require.NoError(t, err)
	assert.Equal(t, 7, link.Group.ID)
}
