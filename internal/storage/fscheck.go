package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem marks a database path that lives on a network mount.
var ErrNetworkFilesystem = errors.New("database path is on a network filesystem")

// Filesystem describes the mount a path lives on.
type Filesystem struct {
	Type    string
	Network bool
}

// Type names treated as network mounts when the platform cannot say.
var networkTypes = []string{"afpfs", "cifs", "nfs", "nfs4", "smb2", "smbfs", "webdav"}

// CheckLocalFilesystem reports an error wrapping ErrNetworkFilesystem when the
// database would be created on a network mount. The path need not exist yet;
// its closest existing ancestor is inspected.
func CheckLocalFilesystem(path string) error {
	return checkLocal(path, statFilesystem)
}

func checkLocal(path string, stat func(string) (Filesystem, error)) error {
	if path == "" {
		return errors.New("database path is empty")
	}
	dir, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}
	mount, err := stat(dir)
	if err != nil {
		return fmt.Errorf("inspect filesystem of %q: %w", dir, err)
	}
	if mount.Network || isNetworkType(mount.Type) {
		return fmt.Errorf("%w: %q is on %q; SQLite locking is unreliable there, set provision.database_path to a local disk",
			ErrNetworkFilesystem, path, mount.Type)
	}
	return nil
}

func existingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for dir := abs; ; dir = filepath.Dir(dir) {
		_, err := os.Stat(dir)
		switch {
		case err == nil:
			return dir, nil
		case !errors.Is(err, fs.ErrNotExist):
			return "", err
		case filepath.Dir(dir) == dir:
			return "", fmt.Errorf("no existing ancestor of %q", abs)
		}
	}
}

func isNetworkType(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, t := range networkTypes {
		if name == t {
			return true
		}
	}
	return false
}
