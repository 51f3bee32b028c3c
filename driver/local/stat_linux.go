//go:build linux

package local

import (
	"strings"

	"golang.org/x/sys/unix"
)

const selinuxXattr = "security.selinux"

// readOnly reports whether the filesystem holding path is mounted
// read-only.
func readOnly(path string) (bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false, err
	}
	return st.Flags&unix.ST_RDONLY != 0, nil
}

// getLabel reads the SELinux context of path without following links.
func getLabel(path string) (string, error) {
	buf := make([]byte, 256)
	for {
		n, err := unix.Lgetxattr(path, selinuxXattr, buf)
		if err == unix.ERANGE {
			buf = make([]byte, len(buf)*2)
			continue
		}
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(buf[:n]), "\x00"), nil
	}
}

// setLabel sets the SELinux context of path without following links.
func setLabel(path, label string) error {
	return unix.Lsetxattr(path, selinuxXattr, []byte(label), 0)
}
