// Package volume abstracts storage transports behind the Backend interface so
// the indexing and change-handling logic works identically over local disks
// and remote object stores. It also tracks Volume records (mounted devices)
// with stable fingerprints and online state.
package volume

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// BackendType identifies the storage transport of a backend.
type BackendType string

const (
	BackendLocal BackendType = "local"
	BackendS3    BackendType = "s3"
)

// EntryKind classifies a directory entry returned by ReadDir.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindDirectory
	KindSymlink
)

// RawMetadata is transport-level metadata for a single path, before any
// rule filtering or entry construction happens.
type RawMetadata struct {
	Name       string
	Kind       EntryKind
	Size       int64
	CreatedAt  time.Time
	ModifiedAt time.Time
	AccessedAt time.Time
	// Inode is zero when the transport has no stable file identifier
	// (object stores, some network filesystems).
	Inode uint64
	// Hidden reports transport-level hidden status (dotfiles on POSIX,
	// hidden attribute on Windows when available).
	Hidden bool
}

// ByteRange selects a half-open byte interval [Start, Start+Length).
type ByteRange struct {
	Start  int64
	Length int64
}

// Backend is the seam through which any storage transport plugs into the
// same indexing logic. Implementations must be safe for concurrent use.
type Backend interface {
	Read(ctx context.Context, path string) ([]byte, error)
	// ReadRange reads a byte range without fetching the whole object.
	// Local backends may implement it as seek+read; remote backends use
	// ranged requests.
	ReadRange(ctx context.Context, path string, rng ByteRange) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	ReadDir(ctx context.Context, path string) ([]RawMetadata, error)
	Metadata(ctx context.Context, path string) (RawMetadata, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
	CreateDirectory(ctx context.Context, path string) error
	// IsLocal lets callers skip ranged reads and open files directly.
	IsLocal() bool
	BackendType() BackendType
}

// LocalBackend implements Backend over the host filesystem.
type LocalBackend struct{}

func NewLocalBackend() *LocalBackend { return &LocalBackend{} }

func (b *LocalBackend) Read(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func (b *LocalBackend) ReadRange(_ context.Context, path string, rng ByteRange) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, rng.Length)
	n, err := f.ReadAt(buf, rng.Start)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read range of %s: %w", path, err)
	}
	return buf[:n], nil
}

func (b *LocalBackend) Write(_ context.Context, path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func (b *LocalBackend) ReadDir(_ context.Context, path string) ([]RawMetadata, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", path, err)
	}

	metas := make([]RawMetadata, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			// Entry vanished between listing and stat; skip it.
			continue
		}
		metas = append(metas, metadataFromFileInfo(entry.Name(), info))
	}
	return metas, nil
}

func (b *LocalBackend) Metadata(_ context.Context, path string) (RawMetadata, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return RawMetadata{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return metadataFromFileInfo(filepath.Base(path), info), nil
}

func (b *LocalBackend) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check existence of %s: %w", path, err)
}

func (b *LocalBackend) Delete(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

func (b *LocalBackend) CreateDirectory(_ context.Context, path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

func (b *LocalBackend) IsLocal() bool { return true }

func (b *LocalBackend) BackendType() BackendType { return BackendLocal }

func metadataFromFileInfo(name string, info os.FileInfo) RawMetadata {
	kind := KindFile
	switch {
	case info.IsDir():
		kind = KindDirectory
	case info.Mode()&os.ModeSymlink != 0:
		kind = KindSymlink
	}
	meta := RawMetadata{
		Name:       name,
		Kind:       kind,
		Size:       info.Size(),
		ModifiedAt: info.ModTime(),
		Hidden:     len(name) > 0 && name[0] == '.',
	}
	if kind == KindDirectory {
		meta.Size = 0
	}
	fillPlatformMetadata(&meta, info)
	return meta
}
