package repair

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockvault/blockvault/internal/ledger"
	"github.com/blockvault/blockvault/internal/rebuild"
	"github.com/blockvault/blockvault/internal/reconcile"
	"github.com/blockvault/blockvault/internal/volume"
	"github.com/blockvault/blockvault/testutil"
)

func newCoordinator(repo *testutil.Repo) *Coordinator {
	return New(Config{
		Prefix:     testutil.Prefix,
		Codec:      repo.Codec,
		Logger:     repo.Logger,
		Reconciler: reconcile.New(reconcile.Config{Prefix: testutil.Prefix, Logger: repo.Logger}),
		Rebuilder:  rebuild.New(rebuild.Config{Prefix: testutil.Prefix, Codec: repo.Codec, Logger: repo.Logger}),
		Now:        func() time.Time { return repo.Now().Add(time.Hour) },
	})
}

// twoBackups writes a.txt in the first backup and adds b.txt, which spans two blocks,
// in the second. Each backup gets its own Blocks, Index and Files volume.
func twoBackups(t *testing.T) (*testutil.Repo, time.Time, time.Time) {
	t.Helper()
	repo := testutil.NewRepo(t)
	a := testutil.File{Path: "/a.txt", Data: testutil.Block("a", 300)}
	b := testutil.File{Path: "/b.txt", Data: testutil.Block("b", 2000)}
	first := repo.Backup([]testutil.File{a}, testutil.BackupOptions{})
	second := repo.Backup([]testutil.File{a, b}, testutil.BackupOptions{})
	return repo, first, second
}

func repair(t *testing.T, repo *testutil.Repo, dryRun bool) *Result {
	t.Helper()
	tx := repo.Begin(dryRun)
	res, err := newCoordinator(repo).Repair(context.Background(), tx, repo.Manager(dryRun), Options{})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return res
}

func filesetVolumes(t *testing.T, repo *testutil.Repo) map[int64]string {
	t.Helper()
	tx := repo.Begin(false)
	defer func() { _ = tx.Rollback() }()
	filesets, err := tx.Filesets(context.Background())
	require.NoError(t, err)
	out := make(map[int64]string)
	for _, fs := range filesets {
		out[fs.Time.Unix()] = fs.VolumeName
	}
	return out
}

func paths(t *testing.T, repo *testutil.Repo, name string) []string {
	t.Helper()
	data, err := repo.Backend.Get(context.Background(), name)
	require.NoError(t, err)
	fl, err := repo.Codec.OpenFilelist(data)
	require.NoError(t, err)
	var out []string
	for _, e := range fl.Entries {
		out = append(out, e.Path)
	}
	return out
}

func TestRepair_CleanStoreChangesNothing(t *testing.T) {
	repo, _, _ := twoBackups(t)
	before := repo.Backend.Names()

	res := repair(t, repo, false)
	assert.False(t, res.Changed())
	assert.Zero(t, res.BrokenFiles)
	assert.Nil(t, res.Rebuilt)
	assert.Equal(t, before, repo.Backend.Names())
}

func TestRepair_RegeneratesMissingFilesVolume(t *testing.T) {
	ctx := context.Background()
	repo, first, _ := twoBackups(t)
	old := filesetVolumes(t, repo)[first.Unix()]
	require.NoError(t, repo.Backend.Delete(ctx, old))

	res := repair(t, repo, false)
	require.Len(t, res.FilesRewritten, 1)
	name := res.FilesRewritten[0]
	assert.NotEqual(t, old, name)

	parsed, err := volume.Parse(name)
	require.NoError(t, err)
	assert.Equal(t, volume.TypeFiles, parsed.Type)
	assert.True(t, parsed.Time.Equal(first), "new volume keeps the fileset time")

	assert.Equal(t, name, filesetVolumes(t, repo)[first.Unix()])
	assert.Equal(t, []string{"/a.txt"}, paths(t, repo, name))
	assert.Len(t, repo.Volumes(volume.TypeFiles, volume.StateDeleted), 1)

	again := repair(t, repo, false)
	assert.False(t, again.Changed())
}

func TestRepair_RegeneratesMissingIndexVolume(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := twoBackups(t)
	blocks := repo.Volumes(volume.TypeBlocks)
	indexes := repo.Volumes(volume.TypeIndex)
	require.Len(t, blocks, 2)
	require.Len(t, indexes, 2)
	require.NoError(t, repo.Backend.Delete(ctx, indexes[1].Name))

	res := repair(t, repo, false)
	require.Len(t, res.IndexesRewritten, 1)

	data, err := repo.Backend.Get(ctx, res.IndexesRewritten[0])
	require.NoError(t, err)
	iv, err := repo.Codec.OpenIndex(data)
	require.NoError(t, err)
	require.Len(t, iv.Volumes, 1)
	assert.Equal(t, blocks[1].Name, iv.Volumes[0].Name)
	assert.Equal(t, blocks[1].Hash, iv.Volumes[0].Hash)
	assert.Len(t, iv.Volumes[0].Blocks, 3, "two data blocks and one blocklist")
	assert.Len(t, iv.Blocklists, 1)

	tx := repo.Begin(false)
	described, err := tx.IndexVolumesFor(ctx, blocks[1].ID)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	var names []string
	for _, v := range described {
		if v.State != volume.StateDeleted {
			names = append(names, v.Name)
		}
	}
	assert.Contains(t, names, res.IndexesRewritten[0])
}

func TestRepair_DeletesExtraVolumes(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := twoBackups(t)
	extra := volume.NewName(testutil.Prefix, volume.TypeBlocks, repo.Now(), repo.Codec.CompressionModule(), repo.Codec.EncryptionModule())
	require.NoError(t, repo.Backend.Put(ctx, extra, []byte("stray")))
	require.NoError(t, repo.Backend.Put(ctx, "unrelated.txt", []byte("keep me")))

	res := repair(t, repo, false)
	assert.Equal(t, []string{extra}, res.ExtraDeleted)
	assert.False(t, repo.Backend.Has(extra))
	assert.True(t, repo.Backend.Has("unrelated.txt"))
}

func TestRepair_CorruptFilesVolumeIsReplaced(t *testing.T) {
	ctx := context.Background()
	repo, _, second := twoBackups(t)
	old := filesetVolumes(t, repo)[second.Unix()]
	require.NoError(t, repo.Backend.Put(ctx, old, []byte("truncated")))

	res := repair(t, repo, false)
	assert.Equal(t, []string{old}, res.Corrupt)
	require.Len(t, res.FilesRewritten, 1)
	assert.False(t, repo.Backend.Has(old))
	assert.Equal(t, []string{"/a.txt", "/b.txt"}, paths(t, repo, res.FilesRewritten[0]))
}

func TestRepair_LostBlocksVolumeBreaksFiles(t *testing.T) {
	ctx := context.Background()
	repo, _, second := twoBackups(t)
	blocks := repo.Volumes(volume.TypeBlocks)
	require.NoError(t, repo.Backend.Delete(ctx, blocks[1].Name))

	res := repair(t, repo, false)
	assert.Equal(t, []string{blocks[1].Name}, res.BlocksLost)
	assert.Equal(t, 1, res.BrokenFiles)

	c := newCoordinator(repo)
	tx := repo.Begin(false)
	groups, err := c.ListBroken(ctx, tx)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	require.Len(t, groups, 1)
	assert.True(t, groups[0].Fileset.Time.Equal(second))
	assert.Equal(t, int64(2), groups[0].Entries)
	require.Len(t, groups[0].Files, 1)
	assert.Equal(t, "/b.txt", groups[0].Files[0].Path)
	assert.False(t, groups[0].Emptied())
}

func TestPurgeBroken_RewritesAffectedFileset(t *testing.T) {
	ctx := context.Background()
	repo, first, second := twoBackups(t)
	blocks := repo.Volumes(volume.TypeBlocks)
	require.NoError(t, repo.Backend.Delete(ctx, blocks[1].Name))
	repair(t, repo, false)
	before := filesetVolumes(t, repo)

	c := newCoordinator(repo)
	tx := repo.Begin(false)
	res, err := c.PurgeBroken(ctx, tx, repo.Manager(false))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, 1, res.Removed)
	assert.Empty(t, res.Dropped)
	require.Len(t, res.Rewritten, 1)
	assert.Positive(t, res.Unreferenced)

	after := filesetVolumes(t, repo)
	assert.Equal(t, before[first.Unix()], after[first.Unix()], "untouched fileset keeps its volume")
	assert.Equal(t, res.Rewritten[0], after[second.Unix()])
	assert.False(t, repo.Backend.Has(before[second.Unix()]))
	assert.Equal(t, []string{"/a.txt"}, paths(t, repo, res.Rewritten[0]))

	tx = repo.Begin(false)
	groups, err := c.ListBroken(ctx, tx)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	assert.Empty(t, groups)
}

func TestPurgeBroken_DropsEmptiedFileset(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewRepo(t)
	a := testutil.File{Path: "/a.txt", Data: testutil.Block("a", 300)}
	b := testutil.File{Path: "/b.txt", Data: testutil.Block("b", 300)}
	repo.Backup([]testutil.File{a}, testutil.BackupOptions{})
	second := repo.Backup([]testutil.File{b}, testutil.BackupOptions{})
	blocks := repo.Volumes(volume.TypeBlocks)
	require.NoError(t, repo.Backend.Delete(ctx, blocks[1].Name))
	repair(t, repo, false)
	old := filesetVolumes(t, repo)[second.Unix()]

	tx := repo.Begin(false)
	res, err := newCoordinator(repo).PurgeBroken(ctx, tx, repo.Manager(false))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.Len(t, res.Dropped, 1)
	assert.True(t, res.Dropped[0].Equal(second))
	assert.Empty(t, res.Rewritten)
	assert.False(t, repo.Backend.Has(old))
	assert.Len(t, filesetVolumes(t, repo), 1)
}

func TestPurgeBroken_RefusesToRemoveEverything(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewRepo(t)
	repo.Backup([]testutil.File{{Path: "/a.txt", Data: testutil.Block("a", 300)}}, testutil.BackupOptions{})
	require.NoError(t, repo.Backend.Delete(ctx, repo.Volumes(volume.TypeBlocks)[0].Name))

	c := newCoordinator(repo)
	tx := repo.Begin(false)
	mgr := repo.Manager(false)
	res, err := c.Repair(ctx, tx, mgr, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.BrokenFiles)

	_, err = c.PurgeBroken(ctx, tx, mgr)
	assert.ErrorIs(t, err, ErrAllFilesetsBroken)
}

func TestRepair_DryRunLeavesStoreAlone(t *testing.T) {
	ctx := context.Background()
	repo, first, _ := twoBackups(t)
	old := filesetVolumes(t, repo)[first.Unix()]
	require.NoError(t, repo.Backend.Delete(ctx, old))
	puts, deletes, _ := repo.Backend.Counts()
	names := repo.Backend.Names()

	res := repair(t, repo, true)
	assert.Len(t, res.FilesRewritten, 1)

	p, d, _ := repo.Backend.Counts()
	assert.Equal(t, puts, p)
	assert.Equal(t, deletes, d)
	assert.Equal(t, names, repo.Backend.Names())
	assert.Equal(t, old, filesetVolumes(t, repo)[first.Unix()])
}

func TestRepair_EmptyLedgerFallsBackToRebuild(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := twoBackups(t)

	l, err := ledger.Open(ctx, filepath.Join(t.TempDir(), "fresh.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	tx, err := l.Begin(ctx, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tx.Rollback() })

	res, err := newCoordinator(repo).Repair(ctx, tx, repo.Manager(false), Options{})
	require.NoError(t, err)
	require.NotNil(t, res.Rebuilt)
	assert.Equal(t, 2, res.Rebuilt.Filesets)
	assert.Zero(t, res.BrokenFiles)
}
