//go:build unix

package storage

import (
	"fmt"
	"os"
	"syscall"
)

// hardLinkCount extracts the link count from a FileInfo on platforms with a
// POSIX stat structure. The storage engine's copy-on-write policy depends
// directly on the filesystem's own link accounting rather than a
// hand-maintained refcount table, so this is the one place that reaches
// below os.FileInfo.
func hardLinkCount(info os.FileInfo) (int, error) {
	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("hardLinkCount: unsupported stat_t on this platform")
	}
	return int(sys.Nlink), nil
}
