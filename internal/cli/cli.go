// ============================================================================
// Cardfarm CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the command line interface based on the Cobra framework
//
// Command Structure:
//   farm                           # Root command
//   ├── run                        # Run one farming pass
//   │   ├── --owner                # Owner whose entries are farmed
//   │   ├── --target               # Farm a single entry
//   │   ├── --reverse              # Most remaining items first
//   │   └── --max-concurrency      # Slot count
//   ├── entries                    # List the owner's entries
//   ├── status                     # Show the last saved pass snapshot
//   ├── --config, -c               # Config file (default: configs/farm.yaml)
//   ├── --log-level                # debug | info | warn | error
//   └── --version
//
// run Command:
//   1. Load config file, apply flag overrides
//   2. Build catalog (fixture or HTTP) and executor spawner
//   3. Start Metrics HTTP server and gRPC health server (if enabled)
//   4. Stream the pass to stdout, saving a snapshot on every event
//   5. SIGINT / SIGTERM cancel the pass; every helper is shut down before exit
//
//   Examples:
//     ./farm run --owner 76561197960287930
//     ./farm run -c configs/farm.yaml --target 440 --max-concurrency 1
//
// ============================================================================

package cli

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ChuLiYu/cardfarm/internal/executor"
	"github.com/ChuLiYu/cardfarm/internal/farming"
	"github.com/ChuLiYu/cardfarm/internal/metrics"
	"github.com/ChuLiYu/cardfarm/internal/server"
	"github.com/ChuLiYu/cardfarm/internal/snapshot"
	"github.com/ChuLiYu/cardfarm/pkg/types"
	"github.com/spf13/cobra"
)

var (
	configFile string
	logLevel   string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "farm",
		Short: "Cardfarm: keep entries running until every item has dropped",
		Long: `Cardfarm runs one helper per entry, bounded by a slot count, and polls the
catalog until no items are left:
- Bounded concurrency with first-completion scheduling
- Retry with backoff on network and busy-service failures
- Rate-limited progress feed
- Prometheus metrics and gRPC health`,
		Version:      "1.0.0",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(cmd.ErrOrStderr(), logLevel)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildEntriesCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func setupLogging(w io.Writer, level string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
	return nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var (
		owner          string
		target         int
		reverse        bool
		maxConcurrency int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a farming pass",
		Long:  "Farm every entry of the owner that still has items to drop, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			flags := cmd.Flags()
			if flags.Changed("owner") {
				cfg.OwnerID = owner
			}
			if flags.Changed("target") {
				cfg.Farming.Target = target
			}
			if flags.Changed("reverse") {
				cfg.Farming.ReverseSorting = reverse
			}
			if flags.Changed("max-concurrency") {
				cfg.Farming.MaxConcurrency = maxConcurrency
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runFarm(ctx, cfg, cmd.OutOrStdout(), slog.Default())
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owner id whose entries are farmed")
	cmd.Flags().IntVar(&target, "target", 0, "farm only this target id")
	cmd.Flags().BoolVar(&reverse, "reverse", false, "farm entries with the most remaining items first")
	cmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "maximum number of concurrently running entries")

	return cmd
}

func runFarm(ctx context.Context, cfg *Config, out io.Writer, logger *slog.Logger) error {
	if cfg.OwnerID == "" {
		return errors.New("owner id is required (use --owner or owner_id in the config file)")
	}

	cat, err := cfg.newCatalog()
	if err != nil {
		return fmt.Errorf("failed to create catalog: %w", err)
	}

	opts := cfg.executorOptions()
	opts.Logger = logger
	spawner := executor.NewSpawner(opts)
	// 最後的保險：任何路徑離開時都關閉仍存活的 helper
	defer spawner.Close()

	farmOpts := []farming.Option{farming.WithLogger(logger)}

	if cfg.Metrics.Enabled {
		farmOpts = append(farmOpts, farming.WithMetrics(metrics.NewCollector()))
		go func() {
			logger.Info("starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	var health *server.Server
	if cfg.Health.Enabled {
		health = server.NewServer(logger)
		go func() {
			if err := health.ListenAndServe(cfg.Health.Port); err != nil {
				logger.Error("health server error", "error", err)
			}
		}()
		defer health.Stop()
	}

	var snaps *snapshot.Manager
	if cfg.Snapshot.Path != "" {
		snaps = snapshot.NewManager(cfg.Snapshot.Path)
	}

	con := newConsole(out)
	orch := farming.New(cat, spawner, farmOpts...)
	save := func() {
		if snaps == nil {
			return
		}
		if err := snaps.Write(orch.Snapshot()); err != nil {
			logger.Warn("failed to save snapshot", "path", snaps.GetPath(), "error", err)
		}
	}

	if health != nil {
		health.SetPassRunning(true)
		defer health.SetPassRunning(false)
	}

	for ev, err := range orch.RunPass(ctx, cfg.OwnerID, cfg.farmingConfig()) {
		if err != nil {
			save()
			if errors.Is(err, context.Canceled) {
				logger.Info("farming pass interrupted")
				return nil
			}
			return err
		}
		con.print(ev)
		save()
	}
	save()
	return nil
}

// ============================================================================
// entries
// ============================================================================

func buildEntriesCommand() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "entries",
		Short: "List the owner's entries",
		Long:  "Show every entry of the owner with its remaining item count",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("owner") {
				cfg.OwnerID = owner
			}
			return listEntries(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	return cmd
}

func listEntries(ctx context.Context, cfg *Config, out io.Writer) error {
	if cfg.OwnerID == "" {
		return errors.New("owner id is required (use --owner or owner_id in the config file)")
	}
	cat, err := cfg.newCatalog()
	if err != nil {
		return fmt.Errorf("failed to create catalog: %w", err)
	}

	entries, err := cat.ListEntries(ctx, cfg.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to list entries: %w", err)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tREMAINING\tPLAYTIME")
	total := 0
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", e.ID, e.Name, e.Remaining, e.Playtime)
		total += e.Remaining
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d entries, %d items remaining\n", len(entries), total)
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show farming status",
		Long:  "Display the last saved pass snapshot and the service configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cfg, cmd.OutOrStdout())
		},
	}
	return cmd
}

func showStatus(cfg *Config, out io.Writer) error {
	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║                 Cardfarm Pass Status                      ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  └─ Config File:      %s\n", configFile)
	fmt.Fprintf(out, "  └─ Owner:            %s\n", cfg.OwnerID)
	fmt.Fprintf(out, "  └─ Max Concurrency:  %d\n", cfg.Farming.MaxConcurrency)
	fmt.Fprintf(out, "  └─ Snapshot:         %s\n", cfg.Snapshot.Path)
	fmt.Fprintln(out)

	snap, err := snapshot.NewManager(cfg.Snapshot.Path).Load()
	switch {
	case errors.Is(err, snapshot.ErrSnapshotNotFound):
		fmt.Fprintln(out, "📊 Pass:")
		fmt.Fprintln(out, "  └─ No pass recorded yet (run 'farm run' to start)")
		fmt.Fprintln(out)
	case err != nil:
		return fmt.Errorf("failed to load snapshot: %w", err)
	default:
		printSnapshot(out, snap)
	}

	fmt.Fprintln(out, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

func printSnapshot(out io.Writer, snap types.PassSnapshot) {
	state := "🔄 Running"
	if snap.Finished {
		state = newConsole(out).ok.Render("✅ Finished")
	}

	fmt.Fprintln(out, "📊 Pass:")
	fmt.Fprintf(out, "  ├─ State:           %s\n", state)
	fmt.Fprintf(out, "  ├─ Owner:           %s\n", snap.OwnerID)
	fmt.Fprintf(out, "  ├─ Started:         %s\n", time.UnixMilli(snap.StartedAt).Format(time.DateTime))
	fmt.Fprintf(out, "  ├─ Updated:         %s\n", time.UnixMilli(snap.UpdatedAt).Format(time.DateTime))
	fmt.Fprintf(out, "  ├─ Active Slots:    %d (peak %d)\n", snap.Active, snap.PeakActive)
	fmt.Fprintf(out, "  ├─ Sessions Left:   %d\n", snap.Remaining)
	fmt.Fprintf(out, "  └─ Items Left:      %d\n", snap.ItemsRemaining)
	fmt.Fprintln(out)

	if len(snap.Entries) == 0 {
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tNAME\tPHASE\tREMAINING\tHELPER")
	for _, st := range sortedEntries(snap) {
		helper := "-"
		if st.Running {
			helper = "running"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%d\t%s\n", st.ID, st.Name, st.Phase, st.Remaining, helper)
	}
	tw.Flush()
	fmt.Fprintln(out)
}

func sortedEntries(snap types.PassSnapshot) []*types.EntryStatus {
	out := make([]*types.EntryStatus, 0, len(snap.Entries))
	for _, st := range snap.Entries {
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b *types.EntryStatus) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
