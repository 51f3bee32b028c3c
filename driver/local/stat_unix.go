//go:build unix

package local

import (
	"os"
	"os/user"
	"strconv"
	"sync"
	"syscall"

	"github.com/gobeaver/vfskit"
)

var (
	userNames  sync.Map // uint32 -> string
	groupNames sync.Map
)

func userName(uid uint32) string {
	if v, ok := userNames.Load(uid); ok {
		return v.(string)
	}
	name := ""
	if u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10)); err == nil {
		name = u.Username
	}
	userNames.Store(uid, name)
	return name
}

func groupName(gid uint32) string {
	if v, ok := groupNames.Load(gid); ok {
		return v.(string)
	}
	name := ""
	if g, err := user.LookupGroupId(strconv.FormatUint(uint64(gid), 10)); err == nil {
		name = g.Name
	}
	groupNames.Store(gid, name)
	return name
}

// extractPlatformInfo extracts the owning user and group on Unix systems.
func extractPlatformInfo(info os.FileInfo) (owner, group vfskit.Principal) {
	owner = vfskit.Principal{ID: -1}
	group = vfskit.Principal{ID: -1}

	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return owner, group
	}

	owner = vfskit.Principal{ID: int(stat.Uid), Name: userName(stat.Uid)}
	group = vfskit.Principal{ID: int(stat.Gid), Name: groupName(stat.Gid)}
	return owner, group
}
