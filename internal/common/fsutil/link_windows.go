//go:build windows

package fsutil

import (
	"os"
	"os/exec"
)

// linkDir creates a directory junction. Junctions do not require elevated
// privileges, unlike directory symlinks.
func linkDir(src, dst string) error {
	cmd := exec.Command("cmd.exe", "/c", "mklink", "/J", dst, src)
	if err := cmd.Run(); err != nil {
		// Fall back to a symlink in case mklink is unavailable.
		return os.Symlink(src, dst)
	}
	return nil
}
