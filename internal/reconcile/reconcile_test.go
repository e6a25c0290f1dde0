package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockvault/blockvault/internal/archive"
	"github.com/blockvault/blockvault/internal/ledger"
	"github.com/blockvault/blockvault/internal/remote"
	"github.com/blockvault/blockvault/internal/volume"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ledger  *ledger.Ledger
	tx      *ledger.Tx
	backend *remote.MemoryBackend
	mgr     *remote.Manager
	rec     *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	l, err := ledger.Open(ctx, filepath.Join(t.TempDir(), "ledger.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	tx, err := l.Begin(ctx, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tx.Rollback() })

	b := remote.NewMemoryBackend()
	mgr := remote.NewManager(remote.ManagerConfig{Backend: b, Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = mgr.Close() })

	return &fixture{
		ledger:  l,
		tx:      tx,
		backend: b,
		mgr:     mgr,
		rec: New(Config{
			Prefix:      "backup",
			Logger:      zerolog.Nop(),
			DeleteGrace: time.Hour,
			Now:         func() time.Time { return testNow },
		}),
	}
}

func (f *fixture) addRow(t *testing.T, name string, state volume.State, size int64) {
	t.Helper()
	ctx := context.Background()
	p, err := volume.Parse(name)
	require.NoError(t, err)
	_, err = f.tx.RegisterRemoteVolume(ctx, name, p.Type, state)
	require.NoError(t, err)
	require.NoError(t, f.tx.UpdateRemoteVolume(ctx, name, state, size, ""))
}

func (f *fixture) putRemote(t *testing.T, name string, size int) {
	t.Helper()
	require.NoError(t, f.backend.Put(context.Background(), name, make([]byte, size)))
}

func (f *fixture) state(t *testing.T, name string) volume.State {
	t.Helper()
	v, err := f.tx.RemoteVolume(context.Background(), name)
	require.NoError(t, err)
	return v.State
}

func (f *fixture) run(t *testing.T, opts Options) *Result {
	t.Helper()
	res, err := f.rec.Reconcile(context.Background(), f.tx, f.mgr, opts)
	require.NoError(t, err)
	return res
}

func TestReconcile_PromotesUploadingWithMatchingSize(t *testing.T) {
	f := newFixture(t)
	const name = "backup-b-20240101.zip.aes"
	f.addRow(t, name, volume.StateUploading, 100)
	f.putRemote(t, name, 100)

	res := f.run(t, Options{})
	assert.True(t, res.Outcome.Ok())
	assert.Equal(t, volume.StateUploaded, f.state(t, name))
	assert.Equal(t, 1, res.KnownCount)
	assert.Equal(t, int64(100), res.KnownSize)
}

func TestReconcile_SecondRunIsClean(t *testing.T) {
	f := newFixture(t)
	names := []string{
		volume.NewName("backup", volume.TypeBlocks, testNow, "zip", ""),
		volume.NewName("backup", volume.TypeIndex, testNow, "zip", ""),
		volume.NewName("backup", volume.TypeFiles, testNow, "zip", ""),
	}
	f.addRow(t, names[0], volume.StateUploading, 10)
	f.addRow(t, names[1], volume.StateUploaded, 20)
	f.addRow(t, names[2], volume.StateVerified, 30)
	for i, n := range names {
		f.putRemote(t, n, (i+1)*10)
	}
	stale := volume.NewName("backup", volume.TypeBlocks, testNow, "zip", "")
	f.addRow(t, stale, volume.StateTemporary, -1)
	f.putRemote(t, stale, 5)

	first := f.run(t, Options{Strict: true})
	require.True(t, first.Outcome.Ok(), "%v", first.Err())

	second := f.run(t, Options{Strict: true})
	assert.True(t, second.Clean())
	assert.Empty(t, second.Extra)
	assert.Empty(t, second.Missing)
	assert.Empty(t, second.VerificationRequired)
	for _, n := range names {
		assert.Equal(t, volume.StateVerified, f.state(t, n))
	}
}

// TestReconcile_StateTable drives every row of the volume state table through a
// remote listing scenario and checks that only table transitions are produced.
func TestReconcile_StateTable(t *testing.T) {
	inGrace := testNow.Add(30 * time.Minute)
	expired := testNow.Add(-time.Minute)

	tests := []struct {
		name        string
		state       volume.State
		size        int64
		remoteSize  int // -1 = absent
		protected   bool
		grace       time.Time
		wantState   volume.State
		wantRemoved bool
		wantMissing bool
		wantVerify  bool
		wantExtra   bool
		wantRemote  bool
	}{
		{name: "uploading found matching", state: volume.StateUploading, size: 10, remoteSize: 10, wantState: volume.StateUploaded, wantRemote: true},
		{name: "uploading absent protected", state: volume.StateUploading, size: 10, remoteSize: -1, protected: true, wantState: volume.StateTemporary},
		{name: "uploading absent unprotected", state: volume.StateUploading, size: 10, remoteSize: -1, wantState: volume.StateDeleting},
		{name: "uploading found partial", state: volume.StateUploading, size: 10, remoteSize: 4, wantState: volume.StateDeleting},
		{name: "uploaded found matching", state: volume.StateUploaded, size: 10, remoteSize: 10, wantState: volume.StateVerified, wantRemote: true},
		{name: "uploaded absent", state: volume.StateUploaded, size: 10, remoteSize: -1, wantState: volume.StateUploaded, wantMissing: true},
		{name: "verified absent", state: volume.StateVerified, size: 10, remoteSize: -1, wantState: volume.StateVerified, wantMissing: true},
		{name: "uploaded size mismatch", state: volume.StateUploaded, size: 10, remoteSize: 11, wantState: volume.StateUploaded, wantVerify: true, wantRemote: true},
		{name: "verified size mismatch", state: volume.StateVerified, size: 10, remoteSize: 9, wantState: volume.StateVerified, wantVerify: true, wantRemote: true},
		{name: "temporary found", state: volume.StateTemporary, size: -1, remoteSize: 3, wantState: volume.StateDeleted},
		{name: "temporary found in grace", state: volume.StateTemporary, size: -1, remoteSize: 3, grace: inGrace, wantState: volume.StateTemporary, wantRemote: true},
		{name: "temporary found protected", state: volume.StateTemporary, size: -1, remoteSize: 3, protected: true, wantState: volume.StateTemporary, wantRemote: true},
		{name: "temporary absent in grace", state: volume.StateTemporary, size: -1, remoteSize: -1, grace: inGrace, wantState: volume.StateTemporary},
		{name: "temporary absent expired", state: volume.StateTemporary, size: -1, remoteSize: -1, grace: expired, wantState: volume.StateDeleted},
		{name: "deleting found", state: volume.StateDeleting, size: 10, remoteSize: 10, wantState: volume.StateDeleted},
		{name: "deleting found in grace", state: volume.StateDeleting, size: 10, remoteSize: 10, grace: inGrace, wantState: volume.StateDeleting, wantRemote: true},
		{name: "deleting found protected", state: volume.StateDeleting, size: 10, remoteSize: 10, protected: true, wantState: volume.StateDeleting, wantRemote: true},
		{name: "deleting absent in grace", state: volume.StateDeleting, size: 10, remoteSize: -1, grace: inGrace, wantState: volume.StateDeleting},
		{name: "deleting absent expired", state: volume.StateDeleting, size: 10, remoteSize: -1, grace: expired, wantState: volume.StateDeleted},
		{name: "deleted found in grace", state: volume.StateDeleted, size: 10, remoteSize: 10, grace: inGrace, wantState: volume.StateDeleted, wantRemote: true},
		{name: "deleted found expired", state: volume.StateDeleted, size: 10, remoteSize: 10, grace: expired, wantState: volume.StateDeleted},
		{name: "deleted absent", state: volume.StateDeleted, size: 10, remoteSize: -1, wantRemoved: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			name := volume.NewName("backup", volume.TypeBlocks, testNow, "zip", "")
			f.addRow(t, name, tt.state, tt.size)
			if !tt.grace.IsZero() {
				require.NoError(t, f.tx.SetDeleteGracePeriod(ctx, name, tt.grace))
			}
			if tt.remoteSize >= 0 {
				f.putRemote(t, name, tt.remoteSize)
			}
			var opts Options
			if tt.protected {
				opts.Protected = []string{name}
			}

			res := f.run(t, opts)
			require.True(t, res.Outcome.Ok())

			if tt.wantRemoved {
				_, err := f.tx.RemoteVolume(ctx, name)
				assert.ErrorIs(t, err, ledger.ErrNotFound)
			} else {
				got := f.state(t, name)
				assert.Equal(t, tt.wantState, got)
				assert.True(t, got == tt.state || tt.state.CanTransitionTo(got),
					"%s -> %s is not a table transition", tt.state, got)
			}
			assert.Equal(t, tt.wantMissing, len(res.Missing) == 1, "missing")
			assert.Equal(t, tt.wantVerify, len(res.VerificationRequired) == 1, "verification required")
			assert.Equal(t, tt.wantExtra, len(res.Extra) == 1, "extra")
			assert.Equal(t, tt.wantRemote, f.backend.Has(name), "remote presence")
		})
	}
}

func TestReconcile_StrictModeRaisesViolations(t *testing.T) {
	f := newFixture(t)
	extra := volume.NewName("backup", volume.TypeBlocks, testNow, "zip", "")
	f.putRemote(t, extra, 10)
	f.putRemote(t, "otherprefix-b-20240101.zip", 1)
	f.putRemote(t, "README.txt", 1)

	res := f.run(t, Options{})
	assert.True(t, res.Outcome.Ok(), "non-strict only logs")
	require.Len(t, res.Extra, 1)
	assert.Len(t, res.OtherPrefix, 1)
	assert.Len(t, res.Unparseable, 1)
	assert.Equal(t, 3, res.UnknownCount)

	res = f.run(t, Options{Strict: true})
	require.False(t, res.Outcome.Ok())
	var ve *VerificationError
	require.True(t, errors.As(res.Err(), &ve))
	assert.Equal(t, ExtraRemoteFiles, ve.Reason)
	assert.Equal(t, []string{extra}, ve.Names)

	missing := volume.NewName("backup", volume.TypeFiles, testNow, "zip", "")
	f.addRow(t, missing, volume.StateVerified, 10)
	res = f.run(t, Options{Strict: true})
	require.True(t, errors.As(res.Err(), &ve))
	assert.Equal(t, MissingRemoteFiles, ve.Reason)
}

type duplicatingBackend struct {
	*remote.MemoryBackend
}

func (d duplicatingBackend) List(ctx context.Context) ([]remote.FileEntry, error) {
	files, err := d.MemoryBackend.List(ctx)
	if err != nil || len(files) == 0 {
		return files, err
	}
	return append(files, files[0]), nil
}

func TestReconcile_DuplicateListingAbortsBeforeMutation(t *testing.T) {
	f := newFixture(t)
	name := volume.NewName("backup", volume.TypeBlocks, testNow, "zip", "")
	f.addRow(t, name, volume.StateUploading, 10)
	f.putRemote(t, name, 10)

	mgr := remote.NewManager(remote.ManagerConfig{Backend: duplicatingBackend{f.backend}, Logger: zerolog.Nop()})
	defer func() { _ = mgr.Close() }()

	res, err := f.rec.Reconcile(context.Background(), f.tx, mgr, Options{})
	require.NoError(t, err)
	var ve *VerificationError
	require.True(t, errors.As(res.Err(), &ve))
	assert.Equal(t, DuplicateRemoteFiles, ve.Reason)
	assert.Equal(t, volume.StateUploading, f.state(t, name), "no state change on a broken listing")
}

func TestReconcile_AmbiguousStateAborts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	name := volume.NewName("backup", volume.TypeBlocks, testNow, "zip", "")
	_, err := f.tx.RegisterRemoteVolume(ctx, name, volume.TypeBlocks, volume.StateDeleted)
	require.NoError(t, err)
	_, err = f.tx.RegisterRemoteVolume(ctx, name, volume.TypeBlocks, volume.StateUploading)
	require.NoError(t, err)
	f.putRemote(t, name, 10)

	res := f.run(t, Options{})
	var ve *VerificationError
	require.True(t, errors.As(res.Err(), &ve))
	assert.Equal(t, AmbiguousStateRemoteFiles, ve.Reason)
	assert.Equal(t, []string{name}, ve.Names)
	assert.Equal(t, volume.StateUploading, f.state(t, name))
}

func TestReconcile_DeleteFailureAssumesDeleted(t *testing.T) {
	f := newFixture(t)
	name := volume.NewName("backup", volume.TypeBlocks, testNow, "zip", "")
	f.addRow(t, name, volume.StateDeleting, 10)
	f.putRemote(t, name, 10)
	f.backend.FailOn("delete", name, errors.New("permission denied"))

	res := f.run(t, Options{})
	assert.True(t, res.Outcome.Ok())
	assert.Equal(t, volume.StateDeleted, f.state(t, name))
	assert.True(t, f.backend.Has(name))

	// Within the grace period the leftover is not reported as extra.
	res = f.run(t, Options{Strict: true})
	assert.True(t, res.Outcome.Ok())

	// Past the grace period the delete is retried and the row stays Deleted even
	// while the backend keeps refusing.
	f.rec.now = func() time.Time { return testNow.Add(2 * time.Hour) }
	res = f.run(t, Options{Strict: true})
	assert.True(t, res.Outcome.Ok(), "%v", res.Err())
	assert.Empty(t, res.Extra)
	assert.Equal(t, volume.StateDeleted, f.state(t, name))
	assert.True(t, f.backend.Has(name))
	_, deletes, _ := f.backend.Counts()
	assert.Zero(t, deletes)

	f.backend.FailOn("delete", name, nil)
	res = f.run(t, Options{Strict: true})
	assert.True(t, res.Outcome.Ok())
	assert.False(t, f.backend.Has(name))
	assert.Equal(t, volume.StateDeleted, f.state(t, name))

	// Once gone remotely the row is dropped.
	f.run(t, Options{Strict: true})
	_, err := f.tx.RemoteVolume(context.Background(), name)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

type gatedBackend struct {
	*remote.MemoryBackend
	gate chan struct{}
}

func (g gatedBackend) Put(ctx context.Context, name string, data []byte) error {
	<-g.gate
	return g.MemoryBackend.Put(ctx, name, data)
}

func TestReconcile_QueuedUploadIsProtected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	name := volume.NewName("backup", volume.TypeBlocks, testNow, "zip", "")
	f.addRow(t, name, volume.StateUploading, 10)

	gated := gatedBackend{MemoryBackend: f.backend, gate: make(chan struct{})}
	mgr := remote.NewManager(remote.ManagerConfig{Backend: gated, Logger: zerolog.Nop()})
	defer func() { _ = mgr.Close() }()
	require.NoError(t, mgr.Put(ctx, name, make([]byte, 10)))

	res, err := f.rec.Reconcile(ctx, f.tx, mgr, Options{})
	require.NoError(t, err)
	assert.True(t, res.Outcome.Ok())
	assert.Equal(t, volume.StateTemporary, f.state(t, name), "kept for retry, not scheduled for cleanup")

	close(gated.gate)
	_, err = mgr.WaitForEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, f.backend.Has(name))
}

func TestReconcile_ListFailureIsTransferError(t *testing.T) {
	f := newFixture(t)
	f.backend.FailOn("list", "", errors.New("timeout"))
	_, err := f.rec.Reconcile(context.Background(), f.tx, f.mgr, Options{})
	var te *remote.TransferError
	assert.True(t, errors.As(err, &te))
}

func TestReconcile_QuotaFlagsAreSticky(t *testing.T) {
	f := newFixture(t)
	f.rec.quota = NewQuotaMonitor(100, 20)
	name := volume.NewName("backup", volume.TypeBlocks, testNow, "zip", "")
	f.addRow(t, name, volume.StateVerified, 85)
	f.putRemote(t, name, 85)

	res := f.run(t, Options{})
	assert.True(t, res.Quota.Warning)
	assert.False(t, res.Quota.Exceeded)

	res = f.run(t, Options{})
	assert.False(t, res.Quota.Warning, "warning is raised once")

	other := volume.NewName("backup", volume.TypeBlocks, testNow, "zip", "")
	f.addRow(t, other, volume.StateVerified, 30)
	f.putRemote(t, other, 30)
	res = f.run(t, Options{})
	assert.True(t, res.Quota.Exceeded, "an error may follow a warning")

	res = f.run(t, Options{})
	assert.False(t, res.Quota.Exceeded)
}

func TestQuotaMonitor_BackendReported(t *testing.T) {
	q := NewQuotaMonitor(0, 10)
	st := q.Check(0, nil, zerolog.Nop())
	assert.False(t, st.Known)

	st = q.Check(0, &remote.Quota{Total: 1000, Free: 50}, zerolog.Nop())
	assert.True(t, st.Known)
	assert.True(t, st.Warning)
	assert.InDelta(t, 95.0, st.UsedPct, 0.001)

	st = q.Check(0, &remote.Quota{Total: 1000, Free: 0}, zerolog.Nop())
	assert.True(t, st.Exceeded)
}

func TestVerifyHashes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	good := volume.NewName("backup", volume.TypeBlocks, testNow, "zip", "")
	bad := volume.NewName("backup", volume.TypeBlocks, testNow, "zip", "")
	content := []byte("volume content")
	require.NoError(t, f.backend.Put(ctx, good, content))
	require.NoError(t, f.backend.Put(ctx, bad, []byte("tampered")))

	for _, n := range []string{good, bad} {
		_, err := f.tx.RegisterRemoteVolume(ctx, n, volume.TypeBlocks, volume.StateUploaded)
		require.NoError(t, err)
		require.NoError(t, f.tx.UpdateRemoteVolume(ctx, n, volume.StateUploaded, 999, archive.HashVolume(content)))
	}

	res := f.run(t, Options{})
	require.Len(t, res.VerificationRequired, 2)

	corrupt, err := f.rec.VerifyHashes(ctx, f.tx, f.mgr, res.VerificationRequired)
	require.NoError(t, err)
	require.Len(t, corrupt, 1)
	assert.Equal(t, bad, corrupt[0].Name)

	v, err := f.tx.RemoteVolume(ctx, good)
	require.NoError(t, err)
	assert.Equal(t, volume.StateVerified, v.State)
	assert.Equal(t, int64(len(content)), v.Size)
}
