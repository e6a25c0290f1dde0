// blockvault maintains a block-deduplicating backup destination.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/blockvault/blockvault/internal/archive"
	"github.com/blockvault/blockvault/internal/compact"
	"github.com/blockvault/blockvault/internal/config"
	"github.com/blockvault/blockvault/internal/metrics"
	"github.com/blockvault/blockvault/internal/rebuild"
	"github.com/blockvault/blockvault/internal/reconcile"
	"github.com/blockvault/blockvault/internal/repair"
	"github.com/blockvault/blockvault/pkg/bytesize"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile          string
	logLevel         string
	dryRun           bool
	allowFullRemoval bool
	strict           bool

	// delete
	deleteVersions []int
	keepTime       string
	keepVersions   int

	// repair / recreate
	filterVersions []int
	filterPaths    []string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "blockvault",
		Short: "blockvault - maintenance for block-deduplicating backups",
		Long: `blockvault keeps a backup destination and its local ledger consistent.

  blockvault verify                  # compare the remote store with the ledger
  blockvault delete --keep-versions 7
  blockvault compact                 # reclaim space held by deleted blocks
  blockvault repair                  # fix the remote store from the ledger
  blockvault recreate                # rebuild a lost ledger from the remote store`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
			archive.AppVersion = Version
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "report what would change without changing anything")

	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete filesets selected by the retention settings",
		RunE:  runDelete,
	}
	deleteCmd.Flags().IntSliceVar(&deleteVersions, "version", nil, "delete these versions (0 is the newest)")
	deleteCmd.Flags().StringVar(&keepTime, "keep-time", "", "keep filesets newer than this, e.g. 30D or 6M")
	deleteCmd.Flags().IntVar(&keepVersions, "keep-versions", 0, "keep this many full backups")
	deleteCmd.Flags().BoolVar(&allowFullRemoval, "allow-full-removal", false, "allow deleting every fileset")
	rootCmd.AddCommand(deleteCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "compact",
		Short: "Reclaim wasted space in Blocks volumes",
		RunE:  runCompact,
	})

	repairCmd := &cobra.Command{
		Use:   "repair",
		Short: "Regenerate missing volumes and remove unknown ones",
		RunE:  runRepair,
	}
	recreateCmd := &cobra.Command{
		Use:   "recreate",
		Short: "Rebuild the ledger from the remote store",
		RunE:  runRecreate,
	}
	for _, c := range []*cobra.Command{repairCmd, recreateCmd} {
		c.Flags().IntSliceVar(&filterVersions, "version", nil, "only restore these versions when rebuilding")
		c.Flags().StringSliceVar(&filterPaths, "path", nil, "only restore matching paths when rebuilding")
		rootCmd.AddCommand(c)
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that the remote store matches the ledger",
		RunE:  runVerify,
	}
	verifyCmd.Flags().BoolVar(&strict, "strict", true, "fail on extra, missing or mismatched volumes")
	rootCmd.AddCommand(verifyCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "list-broken-files",
		Short: "List files whose blocks can no longer be restored",
		RunE:  runListBroken,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "purge-broken-files",
		Short: "Remove broken files from their filesets",
		RunE:  runPurgeBroken,
	})

	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	applyLogLevel(logLevel)
}

// applyLogLevel sets the console logger's level. The global level stays open so the
// audit log file receives every event.
func applyLogLevel(name string) {
	level, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		level = zerolog.InfoLevel
	}
	log.Logger = log.Logger.Level(level)
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	if cfgFile == "" {
		cfg = config.Default()
	} else {
		var err error
		if cfg, err = config.Load(cfgFile); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("dry-run") {
		cfg.DryRun = dryRun
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	applyLogLevel(cfg.LogLevel)
	if flags.Changed("allow-full-removal") {
		cfg.Retention.AllowFullRemoval = allowFullRemoval
	}
	if flags.Changed("keep-time") {
		cfg.Retention.KeepTime = keepTime
	}
	if flags.Changed("keep-versions") {
		cfg.Retention.KeepVersions = keepVersions
	}
	if cmd.Name() == "delete" && flags.Changed("version") {
		cfg.Retention.Versions = deleteVersions
	}
	return cfg, nil
}

var (
	metricsOnce sync.Once
	metricsInst *metrics.EngineMetrics
)

func engineMetrics() *metrics.EngineMetrics {
	metricsOnce.Do(func() { metricsInst = metrics.InitMetrics(nil) })
	return metricsInst
}

// withEngine opens the engine for one command and flushes metrics afterwards.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *engine) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := openEngine(ctx, cfg, engineMetrics())
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close ledger")
		}
	}()

	err = fn(ctx, e)
	if cfg.MetricsTextfile != "" {
		if werr := metrics.WriteTextfile(cfg.MetricsTextfile, nil); werr != nil {
			log.Warn().Err(werr).Str("path", cfg.MetricsTextfile).Msg("Failed to write metrics textfile")
		}
	}
	return err
}

func runDelete(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, e *engine) error {
		res, err := e.runner.Delete(ctx)
		if err != nil {
			return err
		}
		for _, fs := range res.Removed {
			fmt.Printf("deleted version %d (%s)\n", fs.Version, fs.Time.Format("2006-01-02 15:04:05"))
		}
		if res.Compact != nil {
			printCompact(res.Compact.Stats)
		}
		return nil
	})
}

func runCompact(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, e *engine) error {
		res, err := e.runner.Compact(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("wasted space: %s of %s (%.1f%%)\n",
			bytesize.Format(res.Report.WastedSize), bytesize.Format(res.Report.DataSize), res.Report.WasteRatio()*100)
		printCompact(res.Stats)
		return nil
	})
}

func printCompact(stats compact.Stats) {
	fmt.Printf("compaction: deleted %d volume(s) (%s), uploaded %d volume(s) (%s)\n",
		stats.Deleted, bytesize.Format(stats.DeletedSize), stats.Uploaded, bytesize.Format(stats.UploadedSize))
}

func rebuildFilter() rebuild.Filter {
	return rebuild.Filter{Versions: filterVersions, Paths: filterPaths}
}

func runRepair(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, e *engine) error {
		res, err := e.runner.Repair(ctx, rebuildFilter())
		if err != nil {
			return err
		}
		if res.Rebuilt != nil {
			printRebuild(res.Rebuilt)
			return nil
		}
		fmt.Printf("repair: %d extra deleted, %d Files and %d Index volume(s) regenerated, %d Blocks volume(s) lost\n",
			len(res.ExtraDeleted), len(res.FilesRewritten), len(res.IndexesRewritten), len(res.BlocksLost))
		if res.BrokenFiles > 0 {
			fmt.Printf("%d broken file(s), run purge-broken-files to remove them\n", res.BrokenFiles)
		}
		return nil
	})
}

func runRecreate(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, e *engine) error {
		res, err := e.runner.Recreate(ctx, rebuildFilter())
		if err != nil {
			return err
		}
		printRebuild(res)
		return nil
	})
}

func printRebuild(res *rebuild.Result) {
	fmt.Printf("recreated %d fileset(s) with %d file(s) from %d Index volume(s), %d Blocks volume(s) downloaded\n",
		res.Filesets, res.Files, res.IndexVolumes, res.BlockVolumes)
	if len(res.MissingVolumes) > 0 {
		fmt.Printf("missing volumes: %s\n", strings.Join(res.MissingVolumes, ", "))
	}
	if res.BrokenFilesets > 0 {
		fmt.Printf("%d broken fileset(s), run purge-broken-files to remove the broken files\n", res.BrokenFilesets)
	}
}

func runVerify(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, e *engine) error {
		res, err := e.runner.Verify(ctx)
		var verr *reconcile.VerificationError
		if err != nil && (!errors.As(err, &verr) || strict) {
			return err
		}
		fmt.Printf("%d known volume(s) (%s), %d unknown file(s) (%s)\n",
			res.KnownCount, bytesize.Format(res.KnownSize), res.UnknownCount, bytesize.Format(res.UnknownSize))
		return nil
	})
}

func runListBroken(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, e *engine) error {
		groups, err := e.runner.ListBroken(ctx)
		if err != nil {
			return err
		}
		printBroken(groups)
		return nil
	})
}

func printBroken(groups []repair.BrokenFileset) {
	if len(groups) == 0 {
		fmt.Println("no broken files")
		return
	}
	for _, g := range groups {
		fmt.Printf("%d\t: %s\t(%d of %d file(s) broken)\n",
			g.Fileset.Version, g.Fileset.Time.Format("2006-01-02 15:04:05"), len(g.Files), g.Entries)
		for _, f := range g.Files {
			fmt.Printf("\t%s\n", f.Path)
		}
	}
}

func runPurgeBroken(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, e *engine) error {
		res, err := e.runner.PurgeBroken(ctx)
		if err != nil {
			return err
		}
		printBroken(res.Filesets)
		fmt.Printf("purged %d file(s), rewrote %d fileset(s), dropped %d fileset(s)\n",
			res.Removed, len(res.Rewritten), len(res.Dropped))
		return nil
	})
}

// exitCode maps errors to process exit codes: 2 for trust violations, 3 for
// refusing to purge every fileset, 1 otherwise.
func exitCode(err error) int {
	var verr *reconcile.VerificationError
	switch {
	case errors.As(err, &verr):
		log.Error().Str("reason", string(verr.Reason)).Strs("volumes", verr.Names).Msg("Remote store does not match the ledger, run repair")
		return 2
	case errors.Is(err, repair.ErrAllFilesetsBroken):
		log.Error().Err(err).Msg("Refusing to purge")
		return 3
	default:
		log.Error().Err(err).Msg("Command failed")
		return 1
	}
}
