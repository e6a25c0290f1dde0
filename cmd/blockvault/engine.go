package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/blockvault/blockvault/internal/archive"
	"github.com/blockvault/blockvault/internal/compact"
	"github.com/blockvault/blockvault/internal/config"
	"github.com/blockvault/blockvault/internal/ledger"
	"github.com/blockvault/blockvault/internal/logging/audit"
	"github.com/blockvault/blockvault/internal/metrics"
	"github.com/blockvault/blockvault/internal/operation"
	"github.com/blockvault/blockvault/internal/rebuild"
	"github.com/blockvault/blockvault/internal/reconcile"
	"github.com/blockvault/blockvault/internal/remote"
	"github.com/blockvault/blockvault/internal/repair"
)

// engine is everything one command needs, built from the configuration.
type engine struct {
	cfg      *config.Config
	ledger   *ledger.Ledger
	runner   *operation.Runner
	auditOut *os.File
}

func newBackend(ctx context.Context, cfg config.BackendConfig) (remote.Backend, error) {
	switch cfg.Type {
	case config.BackendLocal:
		return remote.NewLocalBackend(cfg.Path)
	case config.BackendS3:
		return remote.NewS3Backend(ctx, remote.S3Options{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			KeyPrefix: cfg.KeyPrefix,
			PathStyle: cfg.PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}

func openEngine(ctx context.Context, cfg *config.Config, m *metrics.EngineMetrics) (*engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	codec, err := archive.NewCodec(cfg.Compression, cfg.Encryption, cfg.Passphrase, cfg.Blocksize.Bytes())
	if err != nil {
		return nil, err
	}
	backend, err := newBackend(ctx, cfg.Backend)
	if err != nil {
		return nil, err
	}
	grace, err := cfg.DeleteGraceDuration()
	if err != nil {
		return nil, err
	}
	retentionOpts, err := cfg.RetentionOptions()
	if err != nil {
		return nil, err
	}
	indexPolicy, err := compact.ParseIndexPolicy(cfg.Compact.IndexPolicy)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o750); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	l, err := ledger.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	logger := log.Logger
	component := func(name string) zerolog.Logger {
		return logger.With().Str("component", name).Logger()
	}

	e := &engine{cfg: cfg, ledger: l}
	auditLogger := component("audit")
	if cfg.AuditLog != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.AuditLog), 0o750); err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("create audit log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.AuditLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
		if err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		e.auditOut = f
		auditLogger = zerolog.New(f).With().Timestamp().Str("prefix", cfg.Prefix).Logger()
	}

	rec := reconcile.New(reconcile.Config{
		Prefix:      cfg.Prefix,
		Logger:      component("reconcile"),
		Metrics:     m,
		Quota:       reconcile.NewQuotaMonitor(cfg.Quota.Size.Bytes(), cfg.Quota.WarningThreshold),
		DeleteGrace: grace,
	})
	reb := rebuild.New(rebuild.Config{
		Prefix:  cfg.Prefix,
		Codec:   codec,
		Logger:  component("rebuild"),
		Metrics: m,
	})
	e.runner = operation.NewRunner(operation.Config{
		Ledger:     l,
		Backend:    backend,
		Logger:     component("operation"),
		Metrics:    m,
		DryRun:     cfg.DryRun,
		Audit:      audit.NewLogger(auditLogger, cfg.DryRun),
		Reconciler: rec,
		Compactor: compact.New(compact.Config{
			Prefix:            cfg.Prefix,
			Codec:             codec,
			Logger:            component("compact"),
			Metrics:           m,
			VolumeSize:        cfg.VolumeSize.Bytes(),
			Threshold:         cfg.Compact.Threshold,
			SmallFileSize:     cfg.Compact.SmallFileSize.Bytes(),
			SmallFileMaxCount: cfg.Compact.SmallFileMaxCount,
			IndexPolicy:       indexPolicy,
		}),
		Rebuilder: reb,
		Repair: repair.New(repair.Config{
			Prefix:     cfg.Prefix,
			Codec:      codec,
			Logger:     component("repair"),
			Metrics:    m,
			Reconciler: rec,
			Rebuilder:  reb,
		}),
		Retention:     retentionOpts,
		NoAutoCompact: cfg.Compact.NoAutoCompact,
	})
	return e, nil
}

func (e *engine) Close() error {
	err := e.ledger.Close()
	if e.auditOut != nil {
		if cerr := e.auditOut.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
