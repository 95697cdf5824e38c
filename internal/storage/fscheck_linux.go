//go:build linux

package storage

import (
	"fmt"
	"syscall"
)

// Known statfs(2) f_type values.
var mounts = map[uint32]Filesystem{
	0xEF53:     {Type: "ext4"},
	0x58465342: {Type: "xfs"},
	0x9123683E: {Type: "btrfs"},
	0x01021994: {Type: "tmpfs"},
	0x794C7630: {Type: "overlay"},
	0x6969:     {Type: "nfs", Network: true},
	0x517B:     {Type: "smbfs", Network: true},
	0xFF534D42: {Type: "cifs", Network: true},
	0xFE534D42: {Type: "smb2", Network: true},
}

func statFilesystem(path string) (Filesystem, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return Filesystem{}, err
	}
	magic := uint32(st.Type)
	if m, ok := mounts[magic]; ok {
		return m, nil
	}
	return Filesystem{Type: fmt.Sprintf("0x%x", magic)}, nil
}
