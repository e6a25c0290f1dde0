// Package testutil provides shared fixtures for blockvault tests.
//
// Repo is a small backup writer: it splits file contents into blocks, packs them
// into real Blocks, Index and Files volumes stored in an in-memory backend, and
// records everything in a real ledger, the same way a backup run would.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockvault/blockvault/internal/archive"
	"github.com/blockvault/blockvault/internal/ledger"
	"github.com/blockvault/blockvault/internal/remote"
	"github.com/blockvault/blockvault/internal/volume"
)

// Fixture defaults.
const (
	Prefix    = "backup"
	Blocksize = 1024
)

// TempFile writes content to dir/name and returns the path.
func TempFile(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// Block returns a deterministic block of exactly size bytes derived from seed.
func Block(seed string, size int) []byte {
	out := make([]byte, 0, size)
	for i := 0; len(out) < size; i++ {
		out = append(out, fmt.Sprintf("%s:%d;", seed, i)...)
	}
	return out[:size]
}

// File is a source file for Repo.Backup.
type File struct {
	Path string
	Data []byte
}

// BackupOptions shapes the volumes a backup produces.
type BackupOptions struct {
	// BlocksPerVolume caps the blocks packed into one Blocks volume. Default 8.
	BlocksPerVolume int
	// Partial records the fileset as an interrupted backup.
	Partial bool
	// NoIndex skips writing Index volumes.
	NoIndex bool
}

// Repo is a backup destination with its ledger.
type Repo struct {
	t       testing.TB
	Ledger  *ledger.Ledger
	Backend *remote.MemoryBackend
	Codec   *archive.Codec
	Logger  zerolog.Logger
	Path    string

	clock  time.Time
	stored map[string]bool
}

// NewRepo creates an empty repository with a fresh ledger in a temp dir.
func NewRepo(t testing.TB) *Repo {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.sqlite")
	l, err := ledger.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	c, err := archive.NewCodec("zip", "", "", Blocksize)
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}
	return &Repo{
		t:       t,
		Ledger:  l,
		Backend: remote.NewMemoryBackend(),
		Codec:   c,
		Logger:  zerolog.Nop(),
		Path:    path,
		clock:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		stored:  make(map[string]bool),
	}
}

// Manager returns a backend manager over the repository backend, closed with the test.
func (r *Repo) Manager(dryRun bool) *remote.Manager {
	m := remote.NewManager(remote.ManagerConfig{Backend: r.Backend, Logger: r.Logger, DryRun: dryRun})
	r.t.Cleanup(func() { _ = m.Close() })
	return m
}

// Begin opens a ledger transaction rolled back with the test unless committed.
func (r *Repo) Begin(dryRun bool) *ledger.Tx {
	r.t.Helper()
	tx, err := r.Ledger.Begin(context.Background(), dryRun)
	if err != nil {
		r.t.Fatalf("failed to begin: %v", err)
	}
	r.t.Cleanup(func() { _ = tx.Rollback() })
	return tx
}

// Now is the time of the latest backup.
func (r *Repo) Now() time.Time { return r.clock }

type pendingBlock struct {
	hash string
	data []byte
	list bool
}

type plannedFile struct {
	file       File
	fullHash   string
	blocks     []string
	blocklists []string
	sizes      []int64
}

// Backup stores a new fileset holding files and returns its time. Blocks already
// stored by earlier backups are not written again.
func (r *Repo) Backup(files []File, opts BackupOptions) time.Time {
	r.t.Helper()
	ctx := context.Background()
	if opts.BlocksPerVolume <= 0 {
		opts.BlocksPerVolume = 8
	}
	r.clock = r.clock.Add(time.Hour)
	ts := r.clock

	var (
		pending []pendingBlock
		planned []plannedFile
	)
	queue := func(hash string, data []byte, list bool) {
		if r.stored[hash] {
			return
		}
		r.stored[hash] = true
		pending = append(pending, pendingBlock{hash: hash, data: data, list: list})
	}

	perList := int(r.Codec.HashesPerBlocklist())
	for _, f := range files {
		p := plannedFile{file: f, fullHash: archive.HashBlock(f.Data)}
		for off := 0; off < len(f.Data); off += Blocksize {
			end := min(off+Blocksize, len(f.Data))
			chunk := f.Data[off:end]
			h := archive.HashBlock(chunk)
			p.blocks = append(p.blocks, h)
			p.sizes = append(p.sizes, int64(len(chunk)))
			queue(h, chunk, false)
		}
		if len(p.blocks) > 1 {
			for i := 0; i < len(p.blocks); i += perList {
				raw, err := archive.EncodeBlocklist(p.blocks[i:min(i+perList, len(p.blocks))])
				if err != nil {
					r.t.Fatalf("failed to encode blocklist: %v", err)
				}
				h := archive.HashBlock(raw)
				p.blocklists = append(p.blocklists, h)
				queue(h, raw, true)
			}
		}
		planned = append(planned, p)
	}

	tx := r.Begin(false)
	for start := 0; start < len(pending); start += opts.BlocksPerVolume {
		r.writeBlocks(ctx, tx, ts, pending[start:min(start+opts.BlocksPerVolume, len(pending))], opts.NoIndex)
	}
	r.writeFileset(ctx, tx, ts, planned, !opts.Partial)
	if err := tx.Commit(); err != nil {
		r.t.Fatalf("failed to commit backup: %v", err)
	}
	return ts
}

func (r *Repo) put(ctx context.Context, tx *ledger.Tx, name string, typ volume.Type, data []byte) int64 {
	r.t.Helper()
	id, err := tx.RegisterRemoteVolume(ctx, name, typ, volume.StateTemporary)
	if err != nil {
		r.t.Fatalf("failed to register %s: %v", name, err)
	}
	hash := archive.HashVolume(data)
	if err := tx.UpdateRemoteVolume(ctx, name, volume.StateUploading, int64(len(data)), hash); err != nil {
		r.t.Fatalf("failed to mark %s uploading: %v", name, err)
	}
	if err := r.Backend.Put(ctx, name, data); err != nil {
		r.t.Fatalf("failed to upload %s: %v", name, err)
	}
	if err := tx.UpdateRemoteVolume(ctx, name, volume.StateUploaded, int64(len(data)), hash); err != nil {
		r.t.Fatalf("failed to mark %s uploaded: %v", name, err)
	}
	return id
}

func (r *Repo) name(typ volume.Type, ts time.Time) string {
	return volume.NewName(Prefix, typ, ts, r.Codec.CompressionModule(), r.Codec.EncryptionModule())
}

func (r *Repo) writeBlocks(ctx context.Context, tx *ledger.Tx, ts time.Time, blocks []pendingBlock, noIndex bool) {
	r.t.Helper()
	w := r.Codec.NewBlockVolume()
	for _, b := range blocks {
		if err := w.Add(b.hash, b.data); err != nil {
			r.t.Fatalf("failed to add block: %v", err)
		}
	}
	data, err := w.Finish()
	if err != nil {
		r.t.Fatalf("failed to finish blocks volume: %v", err)
	}
	name := r.name(volume.TypeBlocks, ts)
	blocksID := r.put(ctx, tx, name, volume.TypeBlocks, data)
	for _, b := range blocks {
		if _, err := tx.UpdateBlock(ctx, b.hash, int64(len(b.data)), blocksID); err != nil {
			r.t.Fatalf("failed to record block: %v", err)
		}
	}
	if noIndex {
		return
	}

	iw := r.Codec.NewIndexVolume()
	iw.AddVolume(name, archive.HashVolume(data), int64(len(data)), w.Blocks())
	for _, b := range blocks {
		if b.list {
			iw.AddBlocklist(b.hash, b.data)
		}
	}
	idata, err := iw.Finish()
	if err != nil {
		r.t.Fatalf("failed to finish index volume: %v", err)
	}
	indexID := r.put(ctx, tx, r.name(volume.TypeIndex, ts), volume.TypeIndex, idata)
	if err := tx.LinkIndexVolume(ctx, indexID, blocksID); err != nil {
		r.t.Fatalf("failed to link index volume: %v", err)
	}
}

func (r *Repo) writeFileset(ctx context.Context, tx *ledger.Tx, ts time.Time, files []plannedFile, full bool) {
	r.t.Helper()
	fl := archive.Filelist{IsFullBackup: full}
	for _, p := range files {
		e := archive.FileEntry{
			Type: archive.EntryFile,
			Path: p.file.Path,
			Hash: p.fullHash,
			Size: int64(len(p.file.Data)),
			Time: ts,
		}
		switch {
		case len(p.blocks) == 1:
			e.BlockHash = p.blocks[0]
		case len(p.blocks) > 1:
			e.Blocklists = p.blocklists
		}
		fl.Entries = append(fl.Entries, e)
	}
	data, err := r.Codec.WriteFilelist(fl)
	if err != nil {
		r.t.Fatalf("failed to write filelist: %v", err)
	}
	volID := r.put(ctx, tx, r.name(volume.TypeFiles, ts), volume.TypeFiles, data)

	filesetID, err := tx.AddFileset(ctx, volID, ts, full)
	if err != nil {
		r.t.Fatalf("failed to add fileset: %v", err)
	}
	for _, p := range files {
		bsID, created, err := tx.AddBlockset(ctx, p.fullHash, int64(len(p.file.Data)))
		if err != nil {
			r.t.Fatalf("failed to add blockset: %v", err)
		}
		if created {
			for i, h := range p.blocks {
				blockID, err := tx.UpdateBlock(ctx, h, p.sizes[i], -1)
				if err != nil {
					r.t.Fatalf("failed to look up block: %v", err)
				}
				if err := tx.AddBlocksetEntry(ctx, bsID, int64(i), blockID); err != nil {
					r.t.Fatalf("failed to add blockset entry: %v", err)
				}
			}
			for i, h := range p.blocklists {
				if err := tx.AddBlocklistHash(ctx, bsID, int64(i), h); err != nil {
					r.t.Fatalf("failed to add blocklist hash: %v", err)
				}
			}
		}
		if _, err := tx.AddFile(ctx, filesetID, p.file.Path, string(archive.EntryFile), bsID, ts); err != nil {
			r.t.Fatalf("failed to add file: %v", err)
		}
	}
}

// Drop removes the fileset taken at ts the way a delete operation does: the
// fileset leaves the ledger, its Files volume is deleted remotely and blocks no
// other fileset uses become waste.
func (r *Repo) Drop(ts time.Time) {
	r.t.Helper()
	ctx := context.Background()
	tx := r.Begin(false)
	vols, err := tx.DropFilesetsFromTable(ctx, []time.Time{ts})
	if err != nil {
		r.t.Fatalf("failed to drop fileset: %v", err)
	}
	for _, v := range vols {
		if err := tx.SetVolumeState(ctx, v.Name, volume.StateDeleting); err != nil {
			r.t.Fatalf("failed to mark %s deleting: %v", v.Name, err)
		}
		if err := r.Backend.Delete(ctx, v.Name); err != nil {
			r.t.Fatalf("failed to delete %s: %v", v.Name, err)
		}
		if err := tx.SetVolumeState(ctx, v.Name, volume.StateDeleted); err != nil {
			r.t.Fatalf("failed to mark %s deleted: %v", v.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		r.t.Fatalf("failed to commit drop: %v", err)
	}
}

// Volumes returns the ledger rows of one type in the given states.
func (r *Repo) Volumes(typ volume.Type, states ...volume.State) []volume.RemoteVolume {
	r.t.Helper()
	tx := r.Begin(false)
	defer func() { _ = tx.Rollback() }()
	vols, err := tx.RemoteVolumesOfType(context.Background(), typ, states...)
	if err != nil {
		r.t.Fatalf("failed to list volumes: %v", err)
	}
	return vols
}

// LiveBlocks returns every block hash with its size and the name of the volume it
// resolves to.
func (r *Repo) LiveBlocks() map[ledger.BlockKey]string {
	r.t.Helper()
	ctx := context.Background()
	tx := r.Begin(false)
	defer func() { _ = tx.Rollback() }()

	vols, err := tx.RemoteVolumesOfType(ctx, volume.TypeBlocks)
	if err != nil {
		r.t.Fatalf("failed to list volumes: %v", err)
	}
	out := make(map[ledger.BlockKey]string)
	for _, v := range vols {
		blocks, err := tx.BlocksInVolume(ctx, v.ID)
		if err != nil {
			r.t.Fatalf("failed to list blocks: %v", err)
		}
		for _, b := range blocks {
			out[b] = v.Name
		}
	}
	return out
}
