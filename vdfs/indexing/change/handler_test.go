package change

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacedriveapp/spacedrive-sub016/vdfs/db"
	"github.com/spacedriveapp/spacedrive-sub016/vdfs/indexing/ephemeral"
	"github.com/spacedriveapp/spacedrive-sub016/vdfs/volume"
)

// collectorSink records published events for assertions.
type collectorSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *collectorSink) Publish(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collectorSink) byType(t ChangeType) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newPersistentFixture(t *testing.T) (*db.Store, *PersistentHandler, *collectorSink, uuid.UUID, string) {
	t.Helper()
	store, err := db.NewStore("file:" + filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	loc := uuid.New()
	rootPath := t.TempDir()
	root := &db.Entry{LocationID: loc, Name: "root", Kind: db.EntryDirectory}
	require.NoError(t, store.CreateEntry(root))

	sink := &collectorSink{}
	handler := NewPersistentHandler(store, loc, rootPath, sink, nil)
	return store, handler, sink, loc, rootPath
}

func fileRaw(name string, size int64, inode uint64) volume.RawMetadata {
	return volume.RawMetadata{
		Name:       name,
		Kind:       volume.KindFile,
		Size:       size,
		ModifiedAt: time.Now().Truncate(time.Second),
		Inode:      inode,
	}
}

func dirRaw(name string) volume.RawMetadata {
	return volume.RawMetadata{Name: name, Kind: volume.KindDirectory}
}

func TestPersistentHandlerCreate(t *testing.T) {
	ctx := context.Background()
	_, handler, _, _, rootPath := newPersistentFixture(t)

	t.Run("create under root", func(t *testing.T) {
		ref, err := handler.Create(ctx, filepath.Join(rootPath, "a.txt"), fileRaw("a.txt", 10, 100))
		require.NoError(t, err)
		require.NotNil(t, ref)
		assert.NotEqual(t, uuid.Nil, ref.UUID)
		assert.EqualValues(t, 100, ref.Inode)
	})

	t.Run("create fails when parent is missing", func(t *testing.T) {
		_, err := handler.Create(ctx, filepath.Join(rootPath, "nodir", "b.txt"), fileRaw("b.txt", 1, 0))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parent")
	})

	t.Run("path outside the location root is rejected", func(t *testing.T) {
		_, err := handler.Create(ctx, "/somewhere/else.txt", fileRaw("else.txt", 1, 0))
		assert.Error(t, err)
	})

	t.Run("duplicate create returns the existing entry", func(t *testing.T) {
		first, err := handler.Create(ctx, filepath.Join(rootPath, "dup.txt"), fileRaw("dup.txt", 1, 0))
		require.NoError(t, err)
		second, err := handler.Create(ctx, filepath.Join(rootPath, "dup.txt"), fileRaw("dup.txt", 1, 0))
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, first.UUID, second.UUID)
	})
}

func TestPersistentHandlerRenamePreservesIdentity(t *testing.T) {
	ctx := context.Background()
	store, handler, _, _, rootPath := newPersistentFixture(t)

	ref, err := handler.Create(ctx, filepath.Join(rootPath, "a.txt"), fileRaw("a.txt", 10, 100))
	require.NoError(t, err)

	ci, err := store.GetOrCreateContentIdentity("v1_full:cafebabe", 10)
	require.NoError(t, err)
	entry, err := store.GetEntry(ref.ID)
	require.NoError(t, err)
	entry.ContentIdentityID = &ci.ID
	require.NoError(t, store.UpdateEntry(entry))

	require.NoError(t, handler.Move(ctx, ref, filepath.Join(rootPath, "b.txt")))

	after, err := store.GetEntry(ref.ID)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, "b.txt", after.Name)
	assert.Equal(t, entry.UUID, after.UUID)
	require.NotNil(t, after.ContentIdentityID)
	assert.Equal(t, ci.ID, *after.ContentIdentityID)
}

func TestPersistentHandlerFolderMove(t *testing.T) {
	ctx := context.Background()
	store, handler, _, loc, rootPath := newPersistentFixture(t)

	// TestFolder with two subfolders appears inside the location.
	folderRef, err := handler.Create(ctx, filepath.Join(rootPath, "TestFolder"), dirRaw("TestFolder"))
	require.NoError(t, err)
	sub1, err := handler.Create(ctx, filepath.Join(rootPath, "TestFolder", "SubFolder1"), dirRaw("SubFolder1"))
	require.NoError(t, err)
	sub2, err := handler.Create(ctx, filepath.Join(rootPath, "TestFolder", "SubFolder2"), dirRaw("SubFolder2"))
	require.NoError(t, err)

	for _, ref := range []*EntryRef{sub1, sub2} {
		entry, err := store.GetEntry(ref.ID)
		require.NoError(t, err)
		require.NotNil(t, entry.ParentID)
		assert.Equal(t, folderRef.ID, *entry.ParentID,
			"subfolder must hang off TestFolder, not the location root")
	}

	// No duplicates by name anywhere under the location.
	entries, err := store.ListLocationEntries(loc)
	require.NoError(t, err)
	seen := make(map[string]int)
	for _, e := range entries {
		parent := int64(-1)
		if e.ParentID != nil {
			parent = *e.ParentID
		}
		seen[fmt.Sprintf("%d/%s", parent, e.Name)]++
	}
	for key, count := range seen {
		assert.Equal(t, 1, count, "duplicate entry for %s", key)
	}
}

func TestPersistentHandlerLookupsAndEvents(t *testing.T) {
	ctx := context.Background()
	_, handler, sink, _, rootPath := newPersistentFixture(t)

	ref, err := handler.Create(ctx, filepath.Join(rootPath, "x.txt"), fileRaw("x.txt", 7, 321))
	require.NoError(t, err)

	t.Run("find by path", func(t *testing.T) {
		found, err := handler.FindByPath(ctx, filepath.Join(rootPath, "x.txt"))
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, ref.ID, found.ID)
	})

	t.Run("find by inode", func(t *testing.T) {
		found, err := handler.FindByInode(ctx, 321)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, ref.ID, found.ID)

		missing, err := handler.FindByInode(ctx, 0)
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("update keeps identity", func(t *testing.T) {
		before := ref.UUID
		require.NoError(t, handler.Update(ctx, ref, fileRaw("x.txt", 70, 321)))
		assert.Equal(t, before, ref.UUID)
		assert.EqualValues(t, 70, ref.Size)
	})

	t.Run("delete cascades and events flow", func(t *testing.T) {
		dir, err := handler.Create(ctx, filepath.Join(rootPath, "d"), dirRaw("d"))
		require.NoError(t, err)
		_, err = handler.Create(ctx, filepath.Join(rootPath, "d", "inner.txt"), fileRaw("inner.txt", 1, 0))
		require.NoError(t, err)

		require.NoError(t, handler.Delete(ctx, dir))
		handler.EmitChangeEvent(dir, Deleted)

		gone, err := handler.FindByPath(ctx, filepath.Join(rootPath, "d", "inner.txt"))
		require.NoError(t, err)
		assert.Nil(t, gone)

		assert.NotEmpty(t, sink.byType(Deleted))
	})
}

func TestPersistentHandlerNewDirectoryDispatch(t *testing.T) {
	ctx := context.Background()
	_, handler, _, _, rootPath := newPersistentFixture(t)

	var dispatched []string
	handler.DispatchIndex = func(path string) { dispatched = append(dispatched, path) }

	newDir := filepath.Join(rootPath, "incoming")
	require.NoError(t, handler.HandleNewDirectory(ctx, newDir))
	assert.Equal(t, []string{newDir}, dispatched)
}

func TestEphemeralHandler(t *testing.T) {
	ctx := context.Background()
	backend := volume.NewLocalBackend()

	t.Run("create update delete", func(t *testing.T) {
		ix := ephemeral.NewIndex()
		handler := NewEphemeralHandler(ix, backend, nil, 2)

		ref, err := handler.Create(ctx, "/session/file.txt", fileRaw("file.txt", 10, 0))
		require.NoError(t, err)
		require.NotNil(t, ref)

		found, err := handler.FindByPath(ctx, "/session/file.txt")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, ref.UUID, found.UUID)

		require.NoError(t, handler.Update(ctx, found, fileRaw("file.txt", 99, 0)))
		assert.EqualValues(t, 99, found.Size)

		require.NoError(t, handler.Delete(ctx, found))
		gone, err := handler.FindByPath(ctx, "/session/file.txt")
		require.NoError(t, err)
		assert.Nil(t, gone)
	})

	t.Run("move carries the uuid", func(t *testing.T) {
		ix := ephemeral.NewIndex()
		handler := NewEphemeralHandler(ix, backend, nil, 2)

		ref, err := handler.Create(ctx, "/session/old.txt", fileRaw("old.txt", 5, 0))
		require.NoError(t, err)
		id := ref.UUID

		require.NoError(t, handler.Move(ctx, ref, "/session/new.txt"))

		moved, err := handler.FindByPath(ctx, "/session/new.txt")
		require.NoError(t, err)
		require.NotNil(t, moved)
		assert.Equal(t, id, moved.UUID)
	})

	t.Run("inode lookups are silently unsupported", func(t *testing.T) {
		ix := ephemeral.NewIndex()
		handler := NewEphemeralHandler(ix, backend, nil, 2)
		found, err := handler.FindByInode(ctx, 12345)
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("new directory indexes inline to bounded depth", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(root, "l1", "l2", "l3"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, "top.txt"), []byte("x"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(root, "l1", "mid.txt"), []byte("x"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(root, "l1", "l2", "deep.txt"), []byte("x"), 0o644))

		ix := ephemeral.NewIndex()
		handler := NewEphemeralHandler(ix, backend, nil, 2)
		require.NoError(t, handler.HandleNewDirectory(ctx, root))

		assert.True(t, ix.HasEntry(filepath.Join(root, "top.txt")))
		assert.True(t, ix.HasEntry(filepath.Join(root, "l1", "mid.txt")))
		// Depth limit stops before the third level's contents.
		assert.False(t, ix.HasEntry(filepath.Join(root, "l1", "l2", "deep.txt")))
	})
}
