package indexing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacedriveapp/spacedrive-sub016/vdfs/config"
	"github.com/spacedriveapp/spacedrive-sub016/vdfs/db"
	"github.com/spacedriveapp/spacedrive-sub016/vdfs/indexing/change"
	"github.com/spacedriveapp/spacedrive-sub016/vdfs/jobs"
	"github.com/spacedriveapp/spacedrive-sub016/vdfs/volume"
)

// testJobCtx implements jobs.Context in-memory so jobs run synchronously
// under test control.
type testJobCtx struct {
	mu          sync.Mutex
	pauseAfter  int // CheckInterrupt calls before pausing; <0 never pauses
	checks      int
	checkpoints [][]byte
	warnings    []string
	progress    []jobs.ProgressUpdate
}

func newTestJobCtx() *testJobCtx { return &testJobCtx{pauseAfter: -1} }

func (c *testJobCtx) Progress(u jobs.ProgressUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress = append(c.progress, u)
}

func (c *testJobCtx) CheckInterrupt() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks++
	if c.pauseAfter >= 0 && c.checks > c.pauseAfter {
		return jobs.ErrPaused
	}
	return nil
}

func (c *testJobCtx) CheckpointWithState(state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoints = append(c.checkpoints, raw)
	return nil
}

func (c *testJobCtx) AddNonCriticalError(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = append(c.warnings, message)
}

func (c *testJobCtx) Log(string) {}

func (c *testJobCtx) lastCheckpoint() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.checkpoints) == 0 {
		return nil
	}
	return c.checkpoints[len(c.checkpoints)-1]
}

// countingSink tallies published change events by type.
type countingSink struct {
	mu     sync.Mutex
	counts map[change.ChangeType]int
}

func newCountingSink() *countingSink {
	return &countingSink{counts: make(map[change.ChangeType]int)}
}

func (s *countingSink) Publish(e change.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[e.Type]++
}

func (s *countingSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.counts {
		n += c
	}
	return n
}

func testIndexerConfig() config.IndexerConfig {
	return config.IndexerConfig{
		BatchSize:            10,
		ContentChunkSize:     10,
		CheckpointInterval:   1000,
		DiscoveryConcurrency: 2,
		EphemeralDepthLimit:  2,
	}
}

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.NewStore("file:" + filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newDatabaseJob(t *testing.T, store *db.Store, root string, mode IndexMode, sink change.EventSink) (*IndexerJob, uuid.UUID) {
	t.Helper()
	loc := uuid.New()
	input := IndexInput{
		LibraryID:   loc,
		Paths:       []string{root},
		Mode:        mode,
		Scope:       ScopeRecursive,
		Persistence: PersistDatabase,
	}
	job, err := NewIndexerJob(input, testIndexerConfig(), store, volume.NewLocalBackend(), sink, nil)
	require.NoError(t, err)
	return job, loc
}

func TestIndexerJobEmptyDirectory(t *testing.T) {
	store := newTestStore(t)
	root := t.TempDir()

	job, _ := newDatabaseJob(t, store, root, ModeShallow, nil)
	jc := newTestJobCtx()
	require.NoError(t, job.Run(context.Background(), jc))

	state := job.State()
	assert.Equal(t, PhaseComplete, state.Phase)
	assert.EqualValues(t, 0, state.Stats.FilesIndexed)
	assert.EqualValues(t, 1, state.Stats.DirsIndexed)
	assert.Empty(t, state.Errors)
}

func TestIndexerJobContentIdentification(t *testing.T) {
	store := newTestStore(t)
	root := t.TempDir()
	for i := 0; i < 50; i++ {
		path := filepath.Join(root, fmt.Sprintf("file-%02d.txt", i))
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("distinct content %d", i)), 0o644))
	}

	job, loc := newDatabaseJob(t, store, root, ModeContent, nil)
	jc := newTestJobCtx()
	require.NoError(t, job.Run(context.Background(), jc))

	state := job.State()
	assert.Equal(t, PhaseComplete, state.Phase)
	assert.EqualValues(t, 50, state.Stats.FilesIndexed)
	assert.EqualValues(t, 50, state.Stats.ContentIDsMade)
	assert.Empty(t, state.Errors)
	assert.Empty(t, jc.warnings)

	entries, err := store.ListLocationEntries(loc)
	require.NoError(t, err)
	identities := make(map[int64]struct{})
	for _, e := range entries {
		if e.Kind == db.EntryFile {
			require.NotNil(t, e.ContentIdentityID, "file %s missing content identity", e.Name)
			identities[*e.ContentIdentityID] = struct{}{}
		}
	}
	assert.Len(t, identities, 50, "distinct content must yield distinct identities")
}

func TestIndexerJobRuleShortCircuit(t *testing.T) {
	store := newTestStore(t)
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git", "objects"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.txt"), []byte("x"), 0o644))

	job, loc := newDatabaseJob(t, store, root, ModeShallow, nil)
	require.NoError(t, job.Run(context.Background(), newTestJobCtx()))

	state := job.State()
	assert.EqualValues(t, 1, state.Stats.FilesIndexed)
	assert.GreaterOrEqual(t, state.Stats.Skipped, int64(2))

	entries, err := store.ListLocationEntries(loc)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, ".git", e.Name)
		assert.NotEqual(t, "node_modules", e.Name)
		assert.NotEqual(t, "HEAD", e.Name)
	}
}

func TestIndexerJobScopeCurrent(t *testing.T) {
	store := newTestStore(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "top.txt"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "nested.txt"), []byte("x"), 0o644))

	loc := uuid.New()
	input := IndexInput{
		LibraryID:   loc,
		Paths:       []string{root},
		Scope:       ScopeCurrent,
		Persistence: PersistDatabase,
	}
	job, err := NewIndexerJob(input, testIndexerConfig(), store, volume.NewLocalBackend(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, job.Run(context.Background(), newTestJobCtx()))

	// The subdirectory itself is listed, its contents are not.
	sub, err := store.FindByRelPath(loc, "sub")
	require.NoError(t, err)
	require.NotNil(t, sub)
	nested, err := store.FindByRelPath(loc, filepath.Join("sub", "nested.txt"))
	require.NoError(t, err)
	assert.Nil(t, nested)
}

func TestIndexerJobIdempotentRescan(t *testing.T) {
	store := newTestStore(t)
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("aaa"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "b.txt"), []byte("bbb"), 0o644))

	sink := newCountingSink()
	job, loc := newDatabaseJob(t, store, root, ModeShallow, sink)
	require.NoError(t, job.Run(context.Background(), newTestJobCtx()))
	afterFirst := sink.total()
	require.Greater(t, afterFirst, 0)

	// Second pass over the unchanged tree: no creates, updates or deletes.
	input := IndexInput{
		LibraryID:   loc,
		Paths:       []string{root},
		Scope:       ScopeRecursive,
		Persistence: PersistDatabase,
	}
	rescan, err := NewIndexerJob(input, testIndexerConfig(), store, volume.NewLocalBackend(), sink, nil)
	require.NoError(t, err)
	require.NoError(t, rescan.Run(context.Background(), newTestJobCtx()))

	assert.Equal(t, afterFirst, sink.total(), "an unchanged tree must produce no change events")
	state := rescan.State()
	assert.EqualValues(t, 0, state.Stats.FilesIndexed)
	assert.EqualValues(t, 0, state.Stats.DirsIndexed, "the pre-existing root is not re-indexed")
	assert.EqualValues(t, 0, state.Stats.Updated)
	assert.EqualValues(t, 0, state.Stats.Deleted)
}

func TestIndexerJobRescanRenameKeepsIdentity(t *testing.T) {
	store := newTestStore(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("stable content"), 0o644))

	sink := newCountingSink()
	job, loc := newDatabaseJob(t, store, root, ModeContent, sink)
	require.NoError(t, job.Run(context.Background(), newTestJobCtx()))

	before, err := store.FindByRelPath(loc, "a.txt")
	require.NoError(t, err)
	require.NotNil(t, before)
	require.NotNil(t, before.ContentIdentityID)
	if before.Inode == nil {
		t.Skip("filesystem does not report inodes")
	}

	require.NoError(t, os.Rename(filepath.Join(root, "a.txt"), filepath.Join(root, "b.txt")))

	rescan, err := NewIndexerJob(IndexInput{
		LibraryID:   loc,
		Paths:       []string{root},
		Mode:        ModeContent,
		Scope:       ScopeRecursive,
		Persistence: PersistDatabase,
	}, testIndexerConfig(), store, volume.NewLocalBackend(), sink, nil)
	require.NoError(t, err)
	require.NoError(t, rescan.Run(context.Background(), newTestJobCtx()))

	state := rescan.State()
	assert.EqualValues(t, 1, state.Stats.Moved)
	assert.EqualValues(t, 0, state.Stats.FilesIndexed, "a rename is not a new file")
	assert.EqualValues(t, 0, state.Stats.Deleted, "a rename must not be read as delete plus create")
	assert.Equal(t, 1, sink.counts[change.Moved])

	after, err := store.FindByRelPath(loc, "b.txt")
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.UUID, after.UUID)
	require.NotNil(t, after.ContentIdentityID)
	assert.Equal(t, *before.ContentIdentityID, *after.ContentIdentityID)

	old, err := store.FindByRelPath(loc, "a.txt")
	require.NoError(t, err)
	assert.Nil(t, old)
}

func TestIndexerJobHiddenFiles(t *testing.T) {
	t.Run("dotfiles are skipped by default", func(t *testing.T) {
		store := newTestStore(t)
		root := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(root, ".secret"), []byte("x"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(root, "plain.txt"), []byte("x"), 0o644))

		job, loc := newDatabaseJob(t, store, root, ModeShallow, nil)
		require.NoError(t, job.Run(context.Background(), newTestJobCtx()))

		assert.EqualValues(t, 1, job.State().Stats.FilesIndexed)
		hidden, err := store.FindByRelPath(loc, ".secret")
		require.NoError(t, err)
		assert.Nil(t, hidden)
	})

	t.Run("include hidden indexes dotfiles", func(t *testing.T) {
		store := newTestStore(t)
		root := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(root, ".secret"), []byte("x"), 0o644))

		loc := uuid.New()
		job, err := NewIndexerJob(IndexInput{
			LibraryID:     loc,
			Paths:         []string{root},
			Scope:         ScopeRecursive,
			IncludeHidden: true,
			Persistence:   PersistDatabase,
		}, testIndexerConfig(), store, volume.NewLocalBackend(), nil, nil)
		require.NoError(t, err)
		require.NoError(t, job.Run(context.Background(), newTestJobCtx()))

		hidden, err := store.FindByRelPath(loc, ".secret")
		require.NoError(t, err)
		require.NotNil(t, hidden)
	})
}

func TestIndexerJobDeletedSweep(t *testing.T) {
	store := newTestStore(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "stays.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "goes.txt"), []byte("x"), 0o644))

	job, loc := newDatabaseJob(t, store, root, ModeShallow, nil)
	require.NoError(t, job.Run(context.Background(), newTestJobCtx()))

	require.NoError(t, os.Remove(filepath.Join(root, "goes.txt")))

	input := IndexInput{
		LibraryID:   loc,
		Paths:       []string{root},
		Scope:       ScopeRecursive,
		Persistence: PersistDatabase,
	}
	rescan, err := NewIndexerJob(input, testIndexerConfig(), store, volume.NewLocalBackend(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, rescan.Run(context.Background(), newTestJobCtx()))

	assert.EqualValues(t, 1, rescan.State().Stats.Deleted)
	gone, err := store.FindByRelPath(loc, "goes.txt")
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := store.FindByRelPath(loc, "stays.txt")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestIndexerJobPauseAndResume(t *testing.T) {
	store := newTestStore(t)
	root := t.TempDir()
	for i := 0; i < 40; i++ {
		require.NoError(t, os.WriteFile(
			filepath.Join(root, fmt.Sprintf("f-%02d.txt", i)),
			[]byte(fmt.Sprintf("payload %d", i)), 0o644))
	}

	job, loc := newDatabaseJob(t, store, root, ModeShallow, nil)
	paused := newTestJobCtx()
	paused.pauseAfter = 2

	err := job.Run(context.Background(), paused)
	require.ErrorIs(t, err, jobs.ErrPaused)
	checkpoint := paused.lastCheckpoint()
	require.NotEmpty(t, checkpoint, "a paused job must leave a checkpoint behind")

	resumed, err := ResumeIndexerJob(checkpoint, testIndexerConfig(), store, volume.NewLocalBackend(), nil, nil)
	require.NoError(t, err)
	// The resumed job starts from recorded state, not from zero.
	assert.NotEmpty(t, resumed.State().SeenPaths)
	assert.Equal(t, job.State().StartedAt.Unix(), resumed.State().StartedAt.Unix())

	require.NoError(t, resumed.Run(context.Background(), newTestJobCtx()))
	assert.Equal(t, PhaseComplete, resumed.State().Phase)

	entries, err := store.ListLocationEntries(loc)
	require.NoError(t, err)
	files := 0
	for _, e := range entries {
		if e.Kind == db.EntryFile {
			files++
		}
	}
	assert.Equal(t, 40, files)
}

func TestIndexerJobPerItemFailureIsNonCritical(t *testing.T) {
	store := newTestStore(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "good.txt"), []byte("readable"), 0o644))
	// A dangling symlink indexes fine but cannot be hashed.
	require.NoError(t, os.Symlink(filepath.Join(root, "nonexistent"), filepath.Join(root, "broken.lnk")))

	job, _ := newDatabaseJob(t, store, root, ModeContent, nil)
	jc := newTestJobCtx()
	require.NoError(t, job.Run(context.Background(), jc))

	state := job.State()
	assert.Equal(t, PhaseComplete, state.Phase)
	assert.EqualValues(t, 1, state.Stats.ContentIDsMade)
	assert.Len(t, state.Errors, 1)
	assert.Len(t, jc.warnings, 1)
}

func TestIndexerJobEphemeral(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("y"), 0o644))

	input := IndexInput{
		Paths:       []string{root},
		Mode:        ModeShallow,
		Scope:       ScopeRecursive,
		Persistence: PersistEphemeral,
	}
	job, err := NewIndexerJob(input, testIndexerConfig(), nil, volume.NewLocalBackend(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, job.Run(context.Background(), newTestJobCtx()))

	assert.Equal(t, PhaseComplete, job.State().Phase)
	ix := job.EphemeralIndex()
	require.NotNil(t, ix)
	assert.True(t, ix.HasEntry(filepath.Join(root, "a.txt")))
	assert.True(t, ix.HasEntry(filepath.Join(root, "sub", "b.txt")))
}

func TestIndexerJobPromotionKeepsEphemeralUUIDs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.txt"), []byte("id"), 0o644))

	// Browse the directory ephemerally first.
	browse, err := NewIndexerJob(IndexInput{
		Paths:       []string{root},
		Persistence: PersistEphemeral,
	}, testIndexerConfig(), nil, volume.NewLocalBackend(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, browse.Run(context.Background(), newTestJobCtx()))

	ix := browse.EphemeralIndex()
	sessionUUID := ix.GetOrAssignUUID(filepath.Join(root, "keep.txt"))

	// Promote: index the same directory into the library, seeding the
	// session identities.
	store := newTestStore(t)
	job, loc := newDatabaseJob(t, store, root, ModeShallow, nil)
	job.SeedUUIDs(ix.ExportUUIDs())
	require.NoError(t, job.Run(context.Background(), newTestJobCtx()))

	entry, err := store.FindByRelPath(loc, "keep.txt")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, sessionUUID, entry.UUID)
}

func TestIndexerJobParentBeforeChild(t *testing.T) {
	entries := []DirEntry{
		{Path: "/r/a/b/file2.txt", Depth: 3, Meta: volume.RawMetadata{Kind: volume.KindFile}},
		{Path: "/r/a", Depth: 1, Meta: volume.RawMetadata{Kind: volume.KindDirectory}},
		{Path: "/r/file1.txt", Depth: 1, Meta: volume.RawMetadata{Kind: volume.KindFile}},
		{Path: "/r/a/b", Depth: 2, Meta: volume.RawMetadata{Kind: volume.KindDirectory}},
	}
	sortPending(entries)

	assert.Equal(t, "/r/a", entries[0].Path, "directory sorts before file at equal depth")
	assert.Equal(t, "/r/file1.txt", entries[1].Path)
	assert.Equal(t, "/r/a/b", entries[2].Path)
	assert.Equal(t, "/r/a/b/file2.txt", entries[3].Path)
}

func TestIndexInputValidation(t *testing.T) {
	t.Run("defaults fill in", func(t *testing.T) {
		in := IndexInput{LibraryID: uuid.New(), Paths: []string{"/x"}}
		require.NoError(t, in.Validate())
		assert.Equal(t, ModeShallow, in.Mode)
		assert.Equal(t, ScopeRecursive, in.Scope)
		assert.Equal(t, PersistDatabase, in.Persistence)
	})

	t.Run("database persistence requires a library id", func(t *testing.T) {
		in := IndexInput{Paths: []string{"/x"}}
		assert.Error(t, in.Validate())
	})

	t.Run("ephemeral is shallow only", func(t *testing.T) {
		in := IndexInput{Paths: []string{"/x"}, Mode: ModeContent, Persistence: PersistEphemeral}
		assert.Error(t, in.Validate())
	})

	t.Run("paths are required", func(t *testing.T) {
		in := IndexInput{LibraryID: uuid.New()}
		assert.Error(t, in.Validate())
	})
}
