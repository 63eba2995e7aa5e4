package change

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacedriveapp/spacedrive-sub016/vdfs/volume"
)

func storedFile(path string, size int64, mtime time.Time, inode uint64) EntryRef {
	return EntryRef{
		Path:       path,
		Name:       path,
		Kind:       volume.KindFile,
		Size:       size,
		ModifiedAt: mtime,
		Inode:      inode,
	}
}

func listedFile(path string, size int64, mtime time.Time, inode uint64) Listed {
	return Listed{
		Path: path,
		Meta: volume.RawMetadata{Kind: volume.KindFile, Size: size, ModifiedAt: mtime, Inode: inode},
	}
}

func changesByType(changes []Change) map[ChangeType][]Change {
	out := make(map[ChangeType][]Change)
	for _, c := range changes {
		out[c.Type] = append(out[c.Type], c)
	}
	return out
}

func TestDetect(t *testing.T) {
	now := time.Now().Truncate(time.Second)

	t.Run("unchanged tree yields no changes", func(t *testing.T) {
		snap := NewSnapshot([]EntryRef{
			storedFile("/loc/a.txt", 10, now, 1),
			storedFile("/loc/b.txt", 20, now, 2),
		})
		changes := Detect(snap, []Listed{
			listedFile("/loc/a.txt", 10, now, 1),
			listedFile("/loc/b.txt", 20, now, 2),
		})
		assert.Empty(t, changes)
	})

	t.Run("new path", func(t *testing.T) {
		snap := NewSnapshot(nil)
		changes := Detect(snap, []Listed{listedFile("/loc/new.txt", 5, now, 9)})
		require.Len(t, changes, 1)
		assert.Equal(t, Created, changes[0].Type)
		assert.Equal(t, "/loc/new.txt", changes[0].Path)
	})

	t.Run("size change is a modification", func(t *testing.T) {
		snap := NewSnapshot([]EntryRef{storedFile("/loc/a.txt", 10, now, 1)})
		changes := Detect(snap, []Listed{listedFile("/loc/a.txt", 11, now, 1)})
		require.Len(t, changes, 1)
		assert.Equal(t, Modified, changes[0].Type)
		require.NotNil(t, changes[0].Entry)
	})

	t.Run("sub-second mtime drift is not a modification", func(t *testing.T) {
		snap := NewSnapshot([]EntryRef{storedFile("/loc/a.txt", 10, now, 1)})
		changes := Detect(snap, []Listed{
			listedFile("/loc/a.txt", 10, now.Add(500*time.Millisecond), 1),
		})
		assert.Empty(t, changes)
	})

	t.Run("missing path is a deletion", func(t *testing.T) {
		snap := NewSnapshot([]EntryRef{storedFile("/loc/gone.txt", 10, now, 1)})
		changes := Detect(snap, nil)
		require.Len(t, changes, 1)
		assert.Equal(t, Deleted, changes[0].Type)
		assert.Equal(t, "/loc/gone.txt", changes[0].Path)
	})

	t.Run("inode pairing wins over delete plus create", func(t *testing.T) {
		snap := NewSnapshot([]EntryRef{storedFile("/loc/old.txt", 10, now, 42)})
		changes := Detect(snap, []Listed{listedFile("/loc/renamed.txt", 10, now, 42)})
		require.Len(t, changes, 1)

		move := changes[0]
		assert.Equal(t, Moved, move.Type)
		assert.Equal(t, "/loc/renamed.txt", move.Path)
		assert.Equal(t, "/loc/old.txt", move.OldPath)
		require.NotNil(t, move.Entry)
		assert.EqualValues(t, 42, move.Entry.Inode)
	})

	t.Run("without inodes a rename degrades to delete plus create", func(t *testing.T) {
		snap := NewSnapshot([]EntryRef{storedFile("/loc/old.txt", 10, now, 0)})
		changes := Detect(snap, []Listed{listedFile("/loc/renamed.txt", 10, now, 0)})

		byType := changesByType(changes)
		require.Len(t, byType[Created], 1)
		require.Len(t, byType[Deleted], 1)
		assert.Empty(t, byType[Moved])
	})

	t.Run("inode still present at its old path is not a move", func(t *testing.T) {
		// Hardlink-like situation: same inode listed at two paths.
		snap := NewSnapshot([]EntryRef{storedFile("/loc/a.txt", 10, now, 7)})
		changes := Detect(snap, []Listed{
			listedFile("/loc/a.txt", 10, now, 7),
			listedFile("/loc/link.txt", 10, now, 7),
		})
		byType := changesByType(changes)
		require.Len(t, byType[Created], 1)
		assert.Empty(t, byType[Moved])
		assert.Empty(t, byType[Deleted])
	})

	t.Run("directory mtime drift alone is not a modification", func(t *testing.T) {
		dir := EntryRef{Path: "/loc/dir", Kind: volume.KindDirectory, ModifiedAt: now}
		snap := NewSnapshot([]EntryRef{dir})
		changes := Detect(snap, []Listed{{
			Path: "/loc/dir",
			Meta: volume.RawMetadata{Kind: volume.KindDirectory, ModifiedAt: now.Add(time.Hour)},
		}})
		assert.Empty(t, changes)
	})

	t.Run("mixed batch classifies every path", func(t *testing.T) {
		snap := NewSnapshot([]EntryRef{
			storedFile("/loc/stay.txt", 1, now, 1),
			storedFile("/loc/grow.txt", 2, now, 2),
			storedFile("/loc/move-src.txt", 3, now, 3),
			storedFile("/loc/die.txt", 4, now, 4),
		})
		changes := Detect(snap, []Listed{
			listedFile("/loc/stay.txt", 1, now, 1),
			listedFile("/loc/grow.txt", 20, now, 2),
			listedFile("/loc/move-dst.txt", 3, now, 3),
			listedFile("/loc/brand-new.txt", 5, now, 5),
		})

		byType := changesByType(changes)
		assert.Len(t, byType[Modified], 1)
		assert.Len(t, byType[Moved], 1)
		assert.Len(t, byType[Created], 1)
		require.Len(t, byType[Deleted], 1)
		assert.Equal(t, "/loc/die.txt", byType[Deleted][0].Path)
	})
}
