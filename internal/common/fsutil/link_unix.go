//go:build !windows

package fsutil

import "os"

func linkDir(src, dst string) error {
	return os.Symlink(src, dst)
}
