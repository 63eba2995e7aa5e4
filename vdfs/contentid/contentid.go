// Package contentid derives content-addressable identifiers (CAS IDs) for
// files. A CAS ID is deterministic for identical content and carries a
// versioned strategy prefix so future hash or sampling changes never collide
// with identifiers already stored.
//
// Files up to the sampling threshold are hashed wholesale (v1_full). Larger
// files hash a header, evenly spaced interior samples and a footer (v1_sampled)
// so identification stays cheap on multi-gigabyte media files. In-memory
// content uses v1_content.
package contentid

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	// SamplingThreshold is the size above which files are sampled instead
	// of hashed wholesale.
	SamplingThreshold = 100 * 1024 * 1024
	// SampleSize is the size of each sampled region.
	SampleSize = 10 * 1024
	// interiorSamples is the number of evenly spaced samples taken between
	// the header and the footer.
	interiorSamples = 3

	prefixFull    = "v1_full:"
	prefixSampled = "v1_sampled:"
	prefixContent = "v1_content:"
)

// ErrMismatch is returned by Verify when the file no longer hashes to the
// recorded CAS ID.
var ErrMismatch = errors.New("cas id mismatch")

// GenerateCasID hashes the file at path and returns its CAS ID. The result
// depends only on file content and size, never on path or timestamps.
func GenerateCasID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("cannot generate cas id for directory %s", path)
	}

	if info.Size() <= SamplingThreshold {
		return fullHash(f)
	}
	return sampledHash(f, info.Size())
}

// GenerateFromContent hashes in-memory content, for callers that already
// hold the bytes (e.g. sidecar payloads).
func GenerateFromContent(content []byte) string {
	return fmt.Sprintf("%s%016x", prefixContent, xxhash.Sum64(content))
}

// Verify re-hashes the file and compares against a stored CAS ID. It returns
// ErrMismatch when content drifted, or another error when the file is
// unreadable.
func Verify(path, casID string) error {
	current, err := GenerateCasID(path)
	if err != nil {
		return err
	}
	if current != casID {
		return fmt.Errorf("%w: stored %s, current %s", ErrMismatch, casID, current)
	}
	return nil
}

// IsValid reports whether s carries a known CAS ID version prefix.
func IsValid(s string) bool {
	return strings.HasPrefix(s, prefixFull) ||
		strings.HasPrefix(s, prefixSampled) ||
		strings.HasPrefix(s, prefixContent)
}

func fullHash(r io.Reader) (string, error) {
	h := xxhash.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return fmt.Sprintf("%s%016x", prefixFull, h.Sum64()), nil
}

func sampledHash(f *os.File, size int64) (string, error) {
	h := xxhash.New()
	buf := make([]byte, SampleSize)

	// Size participates in the hash so two large files with identical
	// sampled regions but different lengths stay distinguishable.
	if _, err := fmt.Fprintf(h, "%d:", size); err != nil {
		return "", err
	}

	offsets := sampleOffsets(size)
	for _, off := range offsets {
		n, err := f.ReadAt(buf, off)
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("failed to read sample at offset %d: %w", off, err)
		}
		if _, err := h.Write(buf[:n]); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%s%016x", prefixSampled, h.Sum64()), nil
}

// sampleOffsets returns the header, evenly spaced interior, and footer
// sample offsets for a file of the given size.
func sampleOffsets(size int64) []int64 {
	offsets := make([]int64, 0, interiorSamples+2)
	offsets = append(offsets, 0)

	span := size - 2*SampleSize
	step := span / int64(interiorSamples+1)
	for i := 1; i <= interiorSamples; i++ {
		offsets = append(offsets, SampleSize+step*int64(i))
	}

	offsets = append(offsets, size-SampleSize)
	return offsets
}
