//go:build !darwin && !linux

package storage

import "errors"

func statFilesystem(string) (Filesystem, error) {
	return Filesystem{}, errors.New("filesystem detection is unsupported on this platform")
}
