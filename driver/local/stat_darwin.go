//go:build darwin

package local

import (
	"golang.org/x/sys/unix"

	"github.com/gobeaver/vfskit"
)

// readOnly reports whether the volume holding path is mounted read-only.
func readOnly(path string) (bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false, err
	}
	return st.Flags&unix.MNT_RDONLY != 0, nil
}

func getLabel(string) (string, error) { return "", vfskit.ErrNotSupported }

func setLabel(string, string) error { return vfskit.ErrNotSupported }
