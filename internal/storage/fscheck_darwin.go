//go:build darwin

package storage

import (
	"strings"
	"syscall"
)

// MNT_LOCAL from <sys/mount.h>.
const mntLocal = 0x00001000

func statFilesystem(path string) (Filesystem, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return Filesystem{}, err
	}
	var name strings.Builder
	for _, c := range st.Fstypename {
		if c == 0 {
			break
		}
		name.WriteByte(byte(c))
	}
	return Filesystem{Type: name.String(), Network: st.Flags&mntLocal == 0}, nil
}
