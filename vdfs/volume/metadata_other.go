//go:build !linux && !darwin && !windows

package volume

import "os"

func fillPlatformMetadata(_ *RawMetadata, _ os.FileInfo) {}
