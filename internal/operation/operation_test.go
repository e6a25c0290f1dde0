package operation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockvault/blockvault/internal/compact"
	"github.com/blockvault/blockvault/internal/ledger"
	"github.com/blockvault/blockvault/internal/logging/audit"
	"github.com/blockvault/blockvault/internal/metrics"
	"github.com/blockvault/blockvault/internal/rebuild"
	"github.com/blockvault/blockvault/internal/reconcile"
	"github.com/blockvault/blockvault/internal/repair"
	"github.com/blockvault/blockvault/internal/retention"
	"github.com/blockvault/blockvault/internal/volume"
	"github.com/blockvault/blockvault/testutil"
)

type runnerOptions struct {
	dryRun        bool
	keepVersions  int
	noAutoCompact bool
	ledger        *ledger.Ledger
	metrics       *metrics.EngineMetrics
	audit         *audit.Logger
}

func newRunner(repo *testutil.Repo, o runnerOptions) *Runner {
	now := func() time.Time { return repo.Now().Add(time.Minute) }
	rec := reconcile.New(reconcile.Config{Prefix: testutil.Prefix, Logger: repo.Logger, Metrics: o.metrics, Now: now})
	reb := rebuild.New(rebuild.Config{Prefix: testutil.Prefix, Codec: repo.Codec, Logger: repo.Logger, Metrics: o.metrics})
	l := o.ledger
	if l == nil {
		l = repo.Ledger
	}
	return NewRunner(Config{
		Ledger:     l,
		Backend:    repo.Backend,
		Logger:     repo.Logger,
		Metrics:    o.metrics,
		DryRun:     o.dryRun,
		Audit:      o.audit,
		Reconciler: rec,
		Compactor: compact.New(compact.Config{
			Prefix: testutil.Prefix, Codec: repo.Codec, Logger: repo.Logger, Metrics: o.metrics, Now: now,
		}),
		Rebuilder: reb,
		Repair: repair.New(repair.Config{
			Prefix: testutil.Prefix, Codec: repo.Codec, Logger: repo.Logger, Metrics: o.metrics,
			Reconciler: rec, Rebuilder: reb, Now: now,
		}),
		Retention:     retention.Options{KeepVersions: o.keepVersions},
		NoAutoCompact: o.noAutoCompact,
		Now:           now,
	})
}

func file(name string, size int) testutil.File {
	return testutil.File{Path: "/" + name, Data: testutil.Block(name, size)}
}

func filesetTimes(t *testing.T, repo *testutil.Repo) []time.Time {
	t.Helper()
	tx := repo.Begin(false)
	defer func() { _ = tx.Rollback() }()
	filesets, err := tx.Filesets(context.Background())
	require.NoError(t, err)
	var out []time.Time
	for _, fs := range filesets {
		out = append(out, fs.Time)
	}
	return out
}

func TestDelete_AppliesRetention(t *testing.T) {
	repo := testutil.NewRepo(t)
	repo.Backup([]testutil.File{file("a", 300)}, testutil.BackupOptions{})
	repo.Backup([]testutil.File{file("a", 300)}, testutil.BackupOptions{})
	newest := repo.Backup([]testutil.File{file("a", 300)}, testutil.BackupOptions{})
	filesVolumes := repo.Volumes(volume.TypeFiles)
	require.Len(t, filesVolumes, 3)

	var auditBuf bytes.Buffer
	auditLog := audit.NewLogger(zerolog.New(&auditBuf), false)
	res, err := newRunner(repo, runnerOptions{keepVersions: 1, noAutoCompact: true, audit: auditLog}).Delete(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Removed, 2)
	assert.Len(t, res.DeletedVolumes, 2)
	assert.Nil(t, res.Compact)

	events := map[string]int{}
	dec := json.NewDecoder(&auditBuf)
	for dec.More() {
		var entry map[string]interface{}
		require.NoError(t, dec.Decode(&entry))
		events[entry["event_type"].(string)]++
	}
	assert.Equal(t, map[string]int{"fileset_removal": 2, "volume_delete": 2}, events)

	assert.Equal(t, []time.Time{newest}, filesetTimes(t, repo))
	assert.Len(t, repo.Volumes(volume.TypeFiles, volume.StateDeleted), 2)
	for _, name := range res.DeletedVolumes {
		assert.False(t, repo.Backend.Has(name))
	}
	assert.True(t, repo.Backend.Has(filesVolumes[2].Name))
}

func TestDelete_AutoCompacts(t *testing.T) {
	repo := testutil.NewRepo(t)
	repo.Backup([]testutil.File{file("a", 300), file("d", 300)}, testutil.BackupOptions{})
	repo.Backup([]testutil.File{file("a", 300), file("c", 300)}, testutil.BackupOptions{})
	before := repo.LiveBlocks()

	res, err := newRunner(repo, runnerOptions{keepVersions: 1}).Delete(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Removed, 1)
	require.NotNil(t, res.Compact)
	assert.True(t, res.Compact.Report.ShouldCompact)
	assert.True(t, res.Compact.Stats.Changed())
	assert.Equal(t, 1, res.Compact.Stats.MovedBlocks)

	after := repo.LiveBlocks()
	assert.Len(t, after, len(before)-1, "only the dropped file's block is gone")
	for key, name := range after {
		v := findVolume(t, repo, name)
		assert.True(t, v.State.IsDurable(), "block %s in %s", key.Hash, name)
	}
}

func TestCompact_UploadFailureKeepsBlocks(t *testing.T) {
	repo := testutil.NewRepo(t)
	var all, keep []testutil.File
	for i := 0; i < 3; i++ {
		k := file(fmt.Sprintf("keep%d", i), 300)
		all = append(all, k)
		keep = append(keep, k)
		for j := 0; j < 9; j++ {
			all = append(all, file(fmt.Sprintf("drop%d-%d", i, j), 300))
		}
	}
	first := repo.Backup(all, testutil.BackupOptions{BlocksPerVolume: 10})
	repo.Backup(keep, testutil.BackupOptions{})
	repo.Drop(first)
	before := repo.LiveBlocks()

	repo.Backend.FailOn("put", "", errors.New("503 slow down"))
	_, err := newRunner(repo, runnerOptions{}).Compact(context.Background())
	require.Error(t, err)
	assert.Equal(t, before, repo.LiveBlocks())

	repo.Backend.FailOn("put", "", nil)
	res, err := newRunner(repo, runnerOptions{}).Compact(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Stats.Changed())
	assert.Equal(t, 3, res.Stats.MovedBlocks)

	after := repo.LiveBlocks()
	for key := range before {
		name, ok := after[key]
		require.True(t, ok, "block %s lost", key.Hash)
		assert.True(t, findVolume(t, repo, name).State.IsDurable(), "block %s in %s", key.Hash, name)
		assert.True(t, repo.Backend.Has(name), "block %s resolves to missing %s", key.Hash, name)
	}
}

func TestDelete_RefusesUntrustedStore(t *testing.T) {
	repo := testutil.NewRepo(t)
	repo.Backup([]testutil.File{file("a", 300)}, testutil.BackupOptions{})
	repo.Backup([]testutil.File{file("b", 300)}, testutil.BackupOptions{})
	lost := repo.Volumes(volume.TypeIndex)[0].Name
	require.NoError(t, repo.Backend.Delete(context.Background(), lost))

	_, err := newRunner(repo, runnerOptions{keepVersions: 1}).Delete(context.Background())
	var verr *reconcile.VerificationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, reconcile.MissingRemoteFiles, verr.Reason)
	assert.Equal(t, []string{lost}, verr.Names)
	assert.Len(t, filesetTimes(t, repo), 2)
}

func TestDelete_DryRun(t *testing.T) {
	repo := testutil.NewRepo(t)
	repo.Backup([]testutil.File{file("a", 300), file("d", 300)}, testutil.BackupOptions{})
	repo.Backup([]testutil.File{file("a", 300)}, testutil.BackupOptions{})
	names := repo.Backend.Names()

	res, err := newRunner(repo, runnerOptions{keepVersions: 1, dryRun: true}).Delete(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Removed, 1)
	assert.Len(t, res.DeletedVolumes, 1)

	assert.Equal(t, names, repo.Backend.Names())
	assert.Len(t, filesetTimes(t, repo), 2)
	assert.Empty(t, repo.Volumes(volume.TypeFiles, volume.StateDeleted))
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewRepo(t)
	repo.Backup([]testutil.File{file("a", 300)}, testutil.BackupOptions{})

	res, err := newRunner(repo, runnerOptions{}).Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Clean())
	assert.Empty(t, repo.Volumes(volume.TypeBlocks, volume.StateUploaded), "verify promotes listed volumes")

	extra := volume.NewName(testutil.Prefix, volume.TypeBlocks, repo.Now(), repo.Codec.CompressionModule(), repo.Codec.EncryptionModule())
	require.NoError(t, repo.Backend.Put(ctx, extra, []byte("stray")))
	res, err = newRunner(repo, runnerOptions{}).Verify(ctx)
	var verr *reconcile.VerificationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, reconcile.ExtraRemoteFiles, verr.Reason)
	require.NotNil(t, res)
	require.Len(t, res.Extra, 1)
	assert.True(t, repo.Backend.Has(extra), "verify never deletes")
}

func TestRepairThenPurge(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewRepo(t)
	repo.Backup([]testutil.File{file("a", 300)}, testutil.BackupOptions{})
	repo.Backup([]testutil.File{file("a", 300), file("b", 300)}, testutil.BackupOptions{})
	require.NoError(t, repo.Backend.Delete(ctx, repo.Volumes(volume.TypeBlocks)[1].Name))

	_, err := newRunner(repo, runnerOptions{}).Compact(ctx)
	assert.Error(t, err, "compaction needs a trusted store")

	rep, err := newRunner(repo, runnerOptions{}).Repair(ctx, rebuild.Filter{})
	require.NoError(t, err)
	assert.Len(t, rep.BlocksLost, 1)
	assert.Equal(t, 1, rep.BrokenFiles)

	groups, err := newRunner(repo, runnerOptions{}).ListBroken(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)

	purged, err := newRunner(repo, runnerOptions{}).PurgeBroken(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged.Removed)
	assert.Len(t, purged.Rewritten, 1)

	groups, err = newRunner(repo, runnerOptions{}).ListBroken(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)

	_, err = newRunner(repo, runnerOptions{}).Verify(ctx)
	assert.NoError(t, err)
}

func TestRecreate(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewRepo(t)
	repo.Backup([]testutil.File{file("a", 300)}, testutil.BackupOptions{})
	repo.Backup([]testutil.File{file("a", 300), file("b", 3000)}, testutil.BackupOptions{})

	fresh, err := ledger.Open(ctx, filepath.Join(t.TempDir(), "fresh.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = fresh.Close() })

	res, err := newRunner(repo, runnerOptions{ledger: fresh}).Recreate(ctx, rebuild.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Filesets)
	assert.Empty(t, res.BrokenFiles)

	_, err = newRunner(repo, runnerOptions{}).Recreate(ctx, rebuild.Filter{})
	assert.ErrorIs(t, err, rebuild.ErrLedgerNotEmpty)
}

func TestRunner_ObservesOperations(t *testing.T) {
	repo := testutil.NewRepo(t)
	repo.Backup([]testutil.File{file("a", 300)}, testutil.BackupOptions{})
	m := metrics.InitMetrics(prometheus.NewRegistry())

	_, err := newRunner(repo, runnerOptions{metrics: m}).Compact(context.Background())
	require.NoError(t, err)
	_, err = newRunner(repo, runnerOptions{metrics: m, ledger: emptyLedger(t)}).Recreate(context.Background(), rebuild.Filter{})
	require.NoError(t, err)

	assert.Equal(t, 2, promtest.CollectAndCount(m.OperationDuration))
}

func emptyLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(context.Background(), filepath.Join(t.TempDir(), "empty.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func findVolume(t *testing.T, repo *testutil.Repo, name string) volume.RemoteVolume {
	t.Helper()
	tx := repo.Begin(false)
	defer func() { _ = tx.Rollback() }()
	v, err := tx.RemoteVolume(context.Background(), name)
	require.NoError(t, err)
	return v
}
