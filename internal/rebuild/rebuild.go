// Package rebuild reconstructs the ledger from the remote volumes alone.
//
// The rebuild runs in three passes of decreasing trust: Files volumes give the
// filesets and their entries, Index volumes map blocks to Blocks volumes and carry
// blocklists, and Blocks volumes are downloaded only as far as needed to resolve
// what the first two passes left open.
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/blockvault/blockvault/internal/archive"
	"github.com/blockvault/blockvault/internal/ledger"
	"github.com/blockvault/blockvault/internal/metrics"
	"github.com/blockvault/blockvault/internal/remote"
	"github.com/blockvault/blockvault/internal/volume"
)

// ErrLedgerNotEmpty is returned when rebuilding into a ledger that already tracks volumes.
var ErrLedgerNotEmpty = errors.New("ledger already contains remote volumes")

// ErrNoFilesets is returned when no Files volume could be read.
var ErrNoFilesets = errors.New("no readable filesets found on the remote store")

const prefetchDepth = 2

// Config configures a Rebuilder.
type Config struct {
	Prefix  string
	Codec   *archive.Codec
	Logger  zerolog.Logger
	Metrics *metrics.EngineMetrics
}

// Rebuilder recreates a ledger from a remote listing.
type Rebuilder struct {
	prefix  string
	codec   *archive.Codec
	logger  zerolog.Logger
	metrics *metrics.EngineMetrics
}

// New creates a Rebuilder.
func New(cfg Config) *Rebuilder {
	return &Rebuilder{
		prefix:  cfg.Prefix,
		codec:   cfg.Codec,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Filter limits what is restored into the ledger.
type Filter struct {
	// Versions keeps only these fileset ordinals, 0 being the newest Files volume.
	Versions []int
	// Paths keeps only matching entries. A pattern ending in "/" matches everything
	// below it; other patterns use path.Match syntax.
	Paths []string
}

func (f Filter) version(i int) bool {
	if len(f.Versions) == 0 {
		return true
	}
	for _, v := range f.Versions {
		if v == i {
			return true
		}
	}
	return false
}

func (f Filter) path(p string) bool {
	if len(f.Paths) == 0 {
		return true
	}
	for _, pattern := range f.Paths {
		if strings.HasSuffix(pattern, "/") && strings.HasPrefix(p, pattern) {
			return true
		}
		if pattern == p {
			return true
		}
		if ok, err := path.Match(pattern, p); err == nil && ok {
			return true
		}
	}
	return false
}

// Result summarises a rebuild.
type Result struct {
	Filesets            int
	Files               int
	IndexVolumes        int
	BlockVolumes        int // Blocks volumes downloaded by the block pass
	Tiers               []Tier
	MissingVolumes      []string // referenced by an Index volume but not listed
	UnreadableVolumes   []string
	UnresolvedBlocks    int64
	MissingBlocklists   int
	BrokenFiles         []ledger.BrokenFile
	BrokenFilesets      int
	UnreferencedRemoved int64
}

type listed struct {
	file   remote.FileEntry
	parsed volume.ParsedVolume
	id     int64
}

// Rebuild fills an empty ledger from the remote store. Broken filesets are reported
// in the result rather than failing the rebuild.
func (r *Rebuilder) Rebuild(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager, filter Filter) (*Result, error) {
	n, err := tx.CountRemoteVolumes(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, ErrLedgerNotEmpty
	}

	files, err := mgr.List(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	byType := make(map[volume.Type][]*listed)
	byName := make(map[string]*listed)
	for _, f := range files {
		p, err := volume.Parse(f.Name)
		if err != nil || p.Prefix != r.prefix {
			continue
		}
		l := &listed{file: f, parsed: p}
		l.id, err = tx.RegisterRemoteVolume(ctx, f.Name, p.Type, volume.StateUploaded)
		if err != nil {
			return nil, err
		}
		if err := tx.UpdateRemoteVolume(ctx, f.Name, volume.StateUploaded, f.Size, ""); err != nil {
			return nil, err
		}
		byType[p.Type] = append(byType[p.Type], l)
		byName[f.Name] = l
	}
	if err := tx.SetConfiguration(ctx, "blocksize", strconv.FormatInt(r.codec.Blocksize(), 10)); err != nil {
		return nil, err
	}

	r.logger.Info().
		Int("files", len(byType[volume.TypeFiles])).
		Int("index", len(byType[volume.TypeIndex])).
		Int("blocks", len(byType[volume.TypeBlocks])).
		Msg("Rebuilding ledger from remote volumes")

	if err := r.filelists(ctx, tx, mgr, byType[volume.TypeFiles], filter, res); err != nil {
		return nil, err
	}
	if res.Filesets == 0 {
		return nil, ErrNoFilesets
	}
	if err := r.indexes(ctx, tx, mgr, byType[volume.TypeIndex], byName, res); err != nil {
		return nil, err
	}
	if err := r.blocks(ctx, tx, mgr, byType[volume.TypeBlocks], res); err != nil {
		return nil, err
	}
	if err := r.check(ctx, tx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// filelists registers filesets and their entries, newest Files volume first.
func (r *Rebuilder) filelists(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager, vols []*listed, filter Filter, res *Result) error {
	sort.SliceStable(vols, func(i, j int) bool { return vols[i].parsed.Time.After(vols[j].parsed.Time) })

	var selected []*listed
	for i, v := range vols {
		if filter.version(i) {
			selected = append(selected, v)
		}
	}

	return r.download(ctx, mgr, selected, func(v *listed, data []byte) error {
		fl, err := r.codec.OpenFilelist(data)
		if err != nil {
			r.logger.Warn().Err(err).Str("volume", v.file.Name).Msg("Failed to read Files volume")
			res.UnreadableVolumes = append(res.UnreadableVolumes, v.file.Name)
			return nil
		}
		if err := r.verified(ctx, tx, v, data); err != nil {
			return err
		}

		filesetID, err := tx.AddFileset(ctx, v.id, v.parsed.Time, fl.IsFullBackup)
		if err != nil {
			return err
		}
		res.Filesets++
		for _, e := range fl.Entries {
			if !filter.path(e.Path) {
				continue
			}
			if err := r.addEntry(ctx, tx, filesetID, e); err != nil {
				return fmt.Errorf("%s: %w", v.file.Name, err)
			}
			res.Files++
		}
		r.logger.Debug().
			Str("volume", v.file.Name).
			Time("time", v.parsed.Time).
			Int("entries", len(fl.Entries)).
			Msg("Restored fileset")
		return nil
	})
}

func (r *Rebuilder) addEntry(ctx context.Context, tx *ledger.Tx, filesetID int64, e archive.FileEntry) error {
	switch e.Type {
	case archive.EntryFolder:
		_, err := tx.AddFile(ctx, filesetID, e.Path, string(e.Type), ledger.FolderBlocksetID, e.Time)
		return err
	case archive.EntrySymlink:
		_, err := tx.AddFile(ctx, filesetID, e.Path, string(e.Type), ledger.SymlinkBlocksetID, e.Time)
		return err
	case archive.EntryFile:
	default:
		r.logger.Warn().Str("path", e.Path).Str("type", string(e.Type)).Msg("Skipping entry of unknown type")
		return nil
	}

	blocksetID, created, err := tx.AddBlockset(ctx, e.Hash, e.Size)
	if err != nil {
		return err
	}
	if created {
		if err := r.describeBlockset(ctx, tx, blocksetID, e); err != nil {
			return err
		}
	}
	_, err = tx.AddFile(ctx, filesetID, e.Path, string(e.Type), blocksetID, e.Time)
	return err
}

// describeBlockset records what the filelist says about a file's blocks. Small files
// name their only block; larger ones name blocklists, whose content arrives in later
// passes. The expected counts follow from the file size.
func (r *Rebuilder) describeBlockset(ctx context.Context, tx *ledger.Tx, blocksetID int64, e archive.FileEntry) error {
	blocksize := r.codec.Blocksize()
	perList := r.codec.HashesPerBlocklist()
	blocks := (e.Size + blocksize - 1) / blocksize

	if blocks <= 1 {
		if e.Size == 0 {
			return nil
		}
		if e.BlockHash == "" {
			r.logger.Warn().Str("path", e.Path).Msg("File entry is missing its block hash")
			return nil
		}
		id, err := tx.UpdateBlock(ctx, e.BlockHash, e.Size, -1)
		if err != nil {
			return err
		}
		return tx.AddBlocksetEntry(ctx, blocksetID, 0, id)
	}

	lists := (blocks + perList - 1) / perList
	if int64(len(e.Blocklists)) != lists {
		r.logger.Warn().
			Str("path", e.Path).
			Int64("expected", lists).
			Int("found", len(e.Blocklists)).
			Msg("File entry has an unexpected number of blocklists")
	}
	for i, h := range e.Blocklists {
		idx := int64(i)
		if idx >= lists {
			break
		}
		hashes := min(perList, blocks-idx*perList)
		if _, err := tx.UpdateBlock(ctx, h, hashes*archive.HashSize, -1); err != nil {
			return err
		}
		if err := tx.AddBlocklistHash(ctx, blocksetID, idx, h); err != nil {
			return err
		}
	}
	return nil
}

// indexes links Blocks volumes to their Index volumes, records block locations and
// expands the blocklists the index carries.
func (r *Rebuilder) indexes(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager, vols []*listed, byName map[string]*listed, res *Result) error {
	return r.download(ctx, mgr, vols, func(v *listed, data []byte) error {
		iv, err := r.codec.OpenIndex(data)
		if err != nil {
			r.logger.Warn().Err(err).Str("volume", v.file.Name).Msg("Failed to read Index volume")
			res.UnreadableVolumes = append(res.UnreadableVolumes, v.file.Name)
			return nil
		}
		if err := r.verified(ctx, tx, v, data); err != nil {
			return err
		}
		res.IndexVolumes++

		for _, described := range iv.Volumes {
			blocksID, err := r.describedVolume(ctx, tx, described, byName, res)
			if err != nil {
				return err
			}
			if err := tx.LinkIndexVolume(ctx, v.id, blocksID); err != nil {
				return err
			}
			for _, b := range described.Blocks {
				if _, err := tx.UpdateBlock(ctx, b.Hash, b.Size, blocksID); err != nil {
					return err
				}
			}
		}
		_, err = r.expand(ctx, tx, iv.Blocklists)
		return err
	})
}

// describedVolume returns the ledger id of a Blocks volume named by an Index volume,
// adding a placeholder row when the remote listing does not have it.
func (r *Rebuilder) describedVolume(ctx context.Context, tx *ledger.Tx, d archive.IndexedVolume, byName map[string]*listed, res *Result) (int64, error) {
	if l, ok := byName[d.Name]; ok {
		if l.parsed.Type != volume.TypeBlocks {
			return 0, fmt.Errorf("index describes %s, which is not a Blocks volume", d.Name)
		}
		if l.file.Size >= 0 && d.Size != l.file.Size {
			r.logger.Warn().
				Str("volume", d.Name).
				Int64("indexed", d.Size).
				Int64("listed", l.file.Size).
				Msg("Listed size differs from the size recorded in the index")
		}
		v, err := tx.RemoteVolumeByID(ctx, l.id)
		if err != nil {
			return 0, err
		}
		if v.Hash == "" && d.Hash != "" {
			if err := tx.UpdateRemoteVolume(ctx, v.Name, v.State, v.Size, d.Hash); err != nil {
				return 0, err
			}
		}
		return l.id, nil
	}

	v, err := tx.RemoteVolume(ctx, d.Name)
	if err == nil {
		return v.ID, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return 0, err
	}
	r.logger.Warn().Str("volume", d.Name).Msg("Index references a volume missing from the remote store")
	res.MissingVolumes = append(res.MissingVolumes, d.Name)
	return tx.RegisterRemoteVolume(ctx, d.Name, volume.TypeBlocks, volume.StateTemporary)
}

// expand fills blocksets from blocklist contents keyed by blocklist hash and returns
// the number of blocklists expanded.
func (r *Rebuilder) expand(ctx context.Context, tx *ledger.Tx, lists map[string][]byte) (int, error) {
	if len(lists) == 0 {
		return 0, nil
	}
	missing, err := tx.MissingBlocklistHashes(ctx, r.codec.HashesPerBlocklist())
	if err != nil {
		return 0, err
	}

	expanded := 0
	for _, ref := range missing {
		raw, ok := lists[ref.Hash]
		if !ok {
			continue
		}
		hashes, err := archive.DecodeBlocklist(raw)
		if err != nil {
			r.logger.Warn().Err(err).Str("blocklist", ref.Hash).Msg("Skipping malformed blocklist")
			continue
		}
		if err := tx.ExpandBlocklist(ctx, ref, hashes, r.codec.Blocksize(), r.codec.HashesPerBlocklist()); err != nil {
			r.logger.Warn().Err(err).Str("blocklist", ref.Hash).Msg("Skipping blocklist that does not fit its file")
			continue
		}
		expanded++
	}
	return expanded, nil
}

// blocks walks the tiers until no blocklist or block location is missing.
func (r *Rebuilder) blocks(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager, vols []*listed, res *Result) error {
	done := make(map[string]bool)
	tier := TierRequired
	for {
		missing, unresolved, err := r.outstanding(ctx, tx)
		if err != nil {
			return err
		}
		if len(missing) == 0 && unresolved == 0 {
			return nil
		}

		candidates, err := r.tierVolumes(ctx, tx, tier, vols, missing, done)
		if err != nil {
			return err
		}
		if len(candidates) > 0 {
			r.logger.Info().
				Stringer("tier", tier).
				Int("volumes", len(candidates)).
				Int("missing_blocklists", len(missing)).
				Int64("unresolved_blocks", unresolved).
				Msg("Downloading Blocks volumes")
			res.Tiers = append(res.Tiers, tier)
			if err := r.scan(ctx, tx, mgr, candidates, done, res); err != nil {
				return err
			}
		}

		next, ok := tier.next()
		if !ok {
			return nil
		}
		tier = next
	}
}

func (r *Rebuilder) outstanding(ctx context.Context, tx *ledger.Tx) ([]ledger.BlocklistRef, int64, error) {
	missing, err := tx.MissingBlocklistHashes(ctx, r.codec.HashesPerBlocklist())
	if err != nil {
		return nil, 0, err
	}
	unresolved, err := tx.UnresolvedBlockCount(ctx)
	if err != nil {
		return nil, 0, err
	}
	return missing, unresolved, nil
}

func (r *Rebuilder) tierVolumes(ctx context.Context, tx *ledger.Tx, tier Tier, vols []*listed, missing []ledger.BlocklistRef, done map[string]bool) ([]*listed, error) {
	byName := make(map[string]*listed, len(vols))
	for _, v := range vols {
		byName[v.file.Name] = v
	}
	pick := func(names []string) []*listed {
		var out []*listed
		for _, n := range names {
			if l, ok := byName[n]; ok && !done[n] {
				out = append(out, l)
			}
		}
		return out
	}

	switch tier {
	case TierRequired:
		hashes := make([]string, len(missing))
		for i, m := range missing {
			hashes[i] = m.Hash
		}
		names, err := tx.VolumesHoldingBlocks(ctx, hashes)
		if err != nil {
			return nil, err
		}
		return pick(names), nil

	case TierCandidate:
		unindexed, err := tx.UnindexedBlockVolumes(ctx)
		if err != nil {
			return nil, err
		}
		names := make([]string, len(unindexed))
		for i, v := range unindexed {
			names[i] = v.Name
		}
		return pick(names), nil

	default:
		names := make([]string, len(vols))
		for i, v := range vols {
			names[i] = v.file.Name
		}
		return pick(names), nil
	}
}

// scan downloads Blocks volumes, records the location of every block they hold and
// expands the blocklists found among them.
func (r *Rebuilder) scan(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager, vols []*listed, done map[string]bool, res *Result) error {
	return r.download(ctx, mgr, vols, func(v *listed, data []byte) error {
		done[v.file.Name] = true
		bv, err := r.codec.OpenBlocks(data)
		if err != nil {
			r.logger.Warn().Err(err).Str("volume", v.file.Name).Msg("Failed to read Blocks volume")
			res.UnreadableVolumes = append(res.UnreadableVolumes, v.file.Name)
			return nil
		}
		if err := r.verified(ctx, tx, v, data); err != nil {
			return err
		}
		res.BlockVolumes++

		lists := make(map[string][]byte)
		err = bv.Each(func(hash string, block []byte) error {
			if _, err := tx.UpdateBlock(ctx, hash, int64(len(block)), v.id); err != nil {
				return err
			}
			if int64(len(block))%archive.HashSize == 0 {
				lists[hash] = block
			}
			return nil
		})
		if errors.Is(err, archive.ErrCorruptBlock) {
			r.logger.Warn().Err(err).Str("volume", v.file.Name).Msg("Blocks volume holds a corrupt block")
		} else if err != nil {
			return err
		}
		_, err = r.expand(ctx, tx, lists)
		return err
	})
}

// download fetches vols in order and hands each to fn. Failed downloads are logged
// and skipped.
func (r *Rebuilder) download(ctx context.Context, mgr *remote.Manager, vols []*listed, fn func(*listed, []byte) error) error {
	if len(vols) == 0 {
		return nil
	}
	names := make([]string, len(vols))
	byName := make(map[string]*listed, len(vols))
	for i, v := range vols {
		names[i] = v.file.Name
		byName[v.file.Name] = v
	}

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for d := range mgr.Prefetch(pctx, names, prefetchDepth) {
		if d.Err != nil {
			r.logger.Warn().Err(d.Err).Str("volume", d.Name).Msg("Failed to download volume")
			continue
		}
		if err := fn(byName[d.Name], d.Data); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// verified records the hash of a downloaded volume and marks it Verified.
func (r *Rebuilder) verified(ctx context.Context, tx *ledger.Tx, v *listed, data []byte) error {
	return tx.UpdateRemoteVolume(ctx, v.file.Name, volume.StateVerified, int64(len(data)), archive.HashVolume(data))
}

// check drops blocks nothing references and counts broken filesets.
func (r *Rebuilder) check(ctx context.Context, tx *ledger.Tx, res *Result) error {
	removed, err := tx.RecomputeUnreferenced(ctx)
	if err != nil {
		return err
	}
	res.UnreferencedRemoved = removed

	missing, unresolved, err := r.outstanding(ctx, tx)
	if err != nil {
		return err
	}
	res.MissingBlocklists = len(missing)
	res.UnresolvedBlocks = unresolved

	broken, err := tx.BrokenFiles(ctx, r.codec.Blocksize())
	if err != nil {
		return err
	}
	res.BrokenFiles = broken
	filesets := make(map[int64]bool)
	for _, b := range broken {
		filesets[b.FilesetID] = true
	}
	res.BrokenFilesets = len(filesets)
	r.metrics.SetBrokenFilesets(res.BrokenFilesets)

	if res.BrokenFilesets > 0 {
		r.logger.Warn().
			Int("filesets", res.BrokenFilesets).
			Int("files", len(broken)).
			Int64("unresolved_blocks", unresolved).
			Int("missing_blocklists", len(missing)).
			Msg("Rebuilt ledger has broken filesets; run purge-broken-files to drop the unrecoverable entries")
	} else {
		r.logger.Info().
			Int("filesets", res.Filesets).
			Int("files", res.Files).
			Int("blocks_volumes", res.BlockVolumes).
			Msg("Ledger rebuilt")
	}
	return nil
}
