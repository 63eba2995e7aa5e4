//go:build windows

package volume

import (
	"os"
	"syscall"
	"time"
)

func fillPlatformMetadata(meta *RawMetadata, info os.FileInfo) {
	stat, ok := info.Sys().(*syscall.Win32FileAttributeData)
	if !ok {
		return
	}
	// Windows has no inode the indexer can rely on for move pairing, so
	// Inode stays zero and change detection degrades to delete+new.
	meta.CreatedAt = time.Unix(0, stat.CreationTime.Nanoseconds())
	meta.AccessedAt = time.Unix(0, stat.LastAccessTime.Nanoseconds())
	meta.Hidden = meta.Hidden || stat.FileAttributes&syscall.FILE_ATTRIBUTE_HIDDEN != 0
}
