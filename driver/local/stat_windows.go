//go:build windows

package local

import (
	"os"

	"github.com/gobeaver/vfskit"
)

// extractPlatformInfo reports unknown principals on Windows. Owner
// information requires GetSecurityInfo, which is not wired.
func extractPlatformInfo(info os.FileInfo) (owner, group vfskit.Principal) {
	return vfskit.Principal{ID: -1}, vfskit.Principal{ID: -1}
}

func readOnly(string) (bool, error) { return false, nil }

func getLabel(string) (string, error) { return "", vfskit.ErrNotSupported }

func setLabel(string, string) error { return vfskit.ErrNotSupported }
