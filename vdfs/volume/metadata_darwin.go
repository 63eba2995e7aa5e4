//go:build darwin

package volume

import (
	"os"
	"syscall"
	"time"
)

func fillPlatformMetadata(meta *RawMetadata, info os.FileInfo) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	meta.Inode = stat.Ino
	meta.CreatedAt = time.Unix(stat.Birthtimespec.Sec, stat.Birthtimespec.Nsec)
	meta.AccessedAt = time.Unix(stat.Atimespec.Sec, stat.Atimespec.Nsec)
}
