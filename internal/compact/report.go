package compact

import (
	"context"
	"fmt"
	"strings"

	"github.com/blockvault/blockvault/internal/ledger"
)

// IndexPolicy controls which Index volumes compaction writes for its new Blocks volumes.
type IndexPolicy string

// Index policies.
const (
	IndexNone   IndexPolicy = "none"   // no Index volume
	IndexLookup IndexPolicy = "lookup" // block lists only
	IndexFull   IndexPolicy = "full"   // block lists and blocklist contents
)

// ParseIndexPolicy validates an index policy name. Empty selects IndexFull.
func ParseIndexPolicy(s string) (IndexPolicy, error) {
	switch p := IndexPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return IndexFull, nil
	case IndexNone, IndexLookup, IndexFull:
		return p, nil
	default:
		return "", fmt.Errorf("unknown index policy %q", s)
	}
}

// Report is the compaction decision for the current ledger state.
type Report struct {
	Volumes     []ledger.VolumeUsage
	Deletable   []ledger.VolumeUsage // no live blocks left
	Held        []ledger.VolumeUsage // no live blocks, but backing blocks of a pending volume
	Wasteful    []ledger.VolumeUsage // waste fraction at or above the threshold
	Small       []ledger.VolumeUsage // remote size at or below SmallFileSize
	Compactable []ledger.VolumeUsage

	// Payload accounting of the volumes that still hold live blocks.
	DataSize   int64
	WastedSize int64
	// Remote size of the deletable volumes.
	ReclaimableSize int64

	ShouldReclaim bool
	ShouldCompact bool
}

// WasteRatio is the fraction of payload no fileset needs, across volumes that still
// hold live blocks.
func (r *Report) WasteRatio() float64 {
	if r.DataSize == 0 {
		return 0
	}
	return float64(r.WastedSize) / float64(r.DataSize)
}

// Report computes the compaction decision from the ledger.
func (c *Compactor) Report(ctx context.Context, tx *ledger.Tx) (*Report, error) {
	usage, err := tx.VolumeUsage(ctx)
	if err != nil {
		return nil, fmt.Errorf("volume usage: %w", err)
	}

	held, err := tx.VolumesBackingPendingBlocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("pending blocks: %w", err)
	}

	r := &Report{Volumes: usage}
	for _, u := range usage {
		if u.ActiveBlocks == 0 && held[u.ID] {
			c.logger.Warn().Str("volume", u.Name).Msg("Volume holds the only durable copy of blocks, keeping it")
			r.Held = append(r.Held, u)
			continue
		}
		if u.ActiveBlocks == 0 {
			r.Deletable = append(r.Deletable, u)
			r.ReclaimableSize += u.Size
			continue
		}
		r.DataSize += u.DataSize()
		r.WastedSize += u.WastedSize
		if u.WastedSize > 0 && u.DataSize() > 0 && float64(u.WastedSize)/float64(u.DataSize()) >= c.threshold {
			r.Wasteful = append(r.Wasteful, u)
		}
		if c.smallFileSize > 0 && u.Size >= 0 && u.Size <= c.smallFileSize {
			r.Small = append(r.Small, u)
		}
	}

	r.ShouldReclaim = len(r.Deletable) > 0
	tooWasteful := r.WasteRatio() > c.threshold
	tooManySmall := len(r.Small) > c.smallFileMaxCount
	r.ShouldCompact = tooWasteful || tooManySmall

	if r.ShouldCompact {
		seen := make(map[int64]bool)
		add := func(list []ledger.VolumeUsage) {
			for _, u := range list {
				if !seen[u.ID] {
					seen[u.ID] = true
					r.Compactable = append(r.Compactable, u)
				}
			}
		}
		add(r.Wasteful)
		if tooManySmall {
			add(r.Small)
		}
		if len(r.Compactable) == 0 {
			// Waste is spread thin: take every volume holding any.
			for _, u := range usage {
				if u.ActiveBlocks > 0 && u.WastedSize > 0 {
					add([]ledger.VolumeUsage{u})
				}
			}
		}
	}

	c.metrics.SetWasted(r.WastedSize)
	c.logger.Debug().
		Int("volumes", len(usage)).
		Int("deletable", len(r.Deletable)).
		Int("wasteful", len(r.Wasteful)).
		Int("small", len(r.Small)).
		Float64("waste_ratio", r.WasteRatio()).
		Bool("reclaim", r.ShouldReclaim).
		Bool("compact", r.ShouldCompact).
		Msg("Compact report")
	return r, nil
}
