//go:build linux

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
	meta.CreatedAt = time.Unix(stat.Ctim.Sec, stat.Ctim.Nsec)
	meta.AccessedAt = time.Unix(stat.Atim.Sec, stat.Atim.Nsec)
}
