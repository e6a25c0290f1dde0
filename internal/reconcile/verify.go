package reconcile

import (
	"context"

	"github.com/blockvault/blockvault/internal/archive"
	"github.com/blockvault/blockvault/internal/ledger"
	"github.com/blockvault/blockvault/internal/remote"
	"github.com/blockvault/blockvault/internal/volume"
)

// VerifyHashes downloads volumes whose listed size disagreed with the ledger and
// compares their content hash with the recorded one. Volumes whose hash matches get
// their size corrected and become Verified; the others are returned as corrupt.
// Volumes without a recorded hash cannot be vouched for and are returned as corrupt.
func (r *Reconciler) VerifyHashes(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager, vols []volume.RemoteVolume) ([]volume.RemoteVolume, error) {
	names := make([]string, len(vols))
	byName := make(map[string]volume.RemoteVolume, len(vols))
	for i, v := range vols {
		names[i] = v.Name
		byName[v.Name] = v
	}

	var corrupt []volume.RemoteVolume
	for d := range mgr.Prefetch(ctx, names, 2) {
		v := byName[d.Name]
		log := r.logger.With().Str("volume", v.Name).Logger()
		if d.Err != nil {
			log.Warn().Err(d.Err).Msg("Could not download volume for verification")
			corrupt = append(corrupt, v)
			continue
		}
		if v.Hash == "" || archive.HashVolume(d.Data) != v.Hash {
			log.Warn().Msg("Remote volume content does not match the ledger")
			corrupt = append(corrupt, v)
			continue
		}
		log.Info().Int64("size", int64(len(d.Data))).Msg("Volume hash verified, correcting recorded size")
		if err := tx.UpdateRemoteVolume(ctx, v.Name, volume.StateVerified, int64(len(d.Data)), v.Hash); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return corrupt, nil
}
