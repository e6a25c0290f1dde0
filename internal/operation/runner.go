// Package operation runs the user-facing maintenance operations.
//
// Every operation owns one backend Manager and one ledger transaction for its
// duration. Destructive operations first reconcile in strict mode and refuse to run
// against a remote store the ledger does not agree with.
package operation

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockvault/blockvault/internal/compact"
	"github.com/blockvault/blockvault/internal/ledger"
	"github.com/blockvault/blockvault/internal/logging/audit"
	"github.com/blockvault/blockvault/internal/metrics"
	"github.com/blockvault/blockvault/internal/rebuild"
	"github.com/blockvault/blockvault/internal/reconcile"
	"github.com/blockvault/blockvault/internal/remote"
	"github.com/blockvault/blockvault/internal/repair"
	"github.com/blockvault/blockvault/internal/retention"
)

// Operation names used for logging and metrics.
const (
	OpDelete      = "delete"
	OpCompact     = "compact"
	OpRepair      = "repair"
	OpRecreate    = "recreate"
	OpVerify      = "verify"
	OpListBroken  = "list-broken-files"
	OpPurgeBroken = "purge-broken-files"
)

// Config configures a Runner.
type Config struct {
	Ledger  *ledger.Ledger
	Backend remote.Backend
	Logger  zerolog.Logger
	Metrics *metrics.EngineMetrics
	DryRun  bool
	// Audit receives one event per remote delete, regeneration and fileset removal.
	Audit *audit.Logger

	Reconciler *reconcile.Reconciler
	Compactor  *compact.Compactor
	Rebuilder  *rebuild.Rebuilder
	Repair     *repair.Coordinator

	Retention     retention.Options
	NoAutoCompact bool

	Now func() time.Time
}

// Runner executes operations against one ledger and backend.
type Runner struct {
	ledger  *ledger.Ledger
	backend remote.Backend
	logger  zerolog.Logger
	metrics *metrics.EngineMetrics
	dryRun  bool
	audit   *audit.Logger

	reconciler *reconcile.Reconciler
	compactor  *compact.Compactor
	rebuilder  *rebuild.Rebuilder
	repair     *repair.Coordinator

	retention     retention.Options
	noAutoCompact bool

	now func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) *Runner {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		ledger:        cfg.Ledger,
		backend:       cfg.Backend,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		dryRun:        cfg.DryRun,
		audit:         cfg.Audit,
		reconciler:    cfg.Reconciler,
		compactor:     cfg.Compactor,
		rebuilder:     cfg.Rebuilder,
		repair:        cfg.Repair,
		retention:     cfg.Retention,
		noAutoCompact: cfg.NoAutoCompact,
		now:           now,
	}
}

// run executes fn inside one transaction with its own Manager. Uploads are drained
// before the transaction commits.
func (r *Runner) run(ctx context.Context, op string, fn func(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager) error) (err error) {
	start := time.Now()
	log := r.logger.With().Str("operation", op).Bool("dry_run", r.dryRun).Logger()
	log.Info().Msg("Starting operation")
	defer func() {
		r.metrics.ObserveOperation(op, time.Since(start), err)
		if err != nil {
			log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("Operation failed")
			return
		}
		log.Info().Dur("elapsed", time.Since(start)).Msg("Operation finished")
	}()

	mgr := remote.NewManager(remote.ManagerConfig{
		Backend: r.backend,
		Logger:  r.logger,
		Metrics: r.metrics,
		DryRun:  r.dryRun,
	})
	defer func() {
		if cerr := mgr.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return r.ledger.WithTx(ctx, r.dryRun, func(ctx context.Context, tx *ledger.Tx) error {
		if err := fn(ctx, tx, mgr); err != nil {
			return err
		}
		_, err := mgr.WaitForEmpty(ctx)
		return err
	})
}

// trusted reconciles in strict mode and fails on any violation. The reconcile's own
// ledger fixes are checkpointed first so they survive the failure.
func (r *Runner) trusted(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager) (*reconcile.Result, error) {
	res, err := r.reconciler.Reconcile(ctx, tx, mgr, reconcile.Options{Strict: true})
	if err != nil {
		return nil, err
	}
	if err := tx.Checkpoint(ctx); err != nil {
		return nil, err
	}
	return res, res.Err()
}
