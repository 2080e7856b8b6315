package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/datavision/easystore/internal/cli/output"
	"github.com/datavision/easystore/internal/cli/prompt"
	"github.com/datavision/easystore/pkg/config"
	"github.com/datavision/easystore/pkg/metastore"
	"github.com/datavision/easystore/pkg/objstore/s3"
	"github.com/datavision/easystore/pkg/packer/recovery"
	"github.com/datavision/easystore/pkg/source"
)

var (
	recoverForce    bool
	recoverStaleAge time.Duration
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run one crash recovery sweep",
	Long: `Run a single recovery sweep against the metastore and object store.

The sweep releases expired shard leases, settles stale container records
(salvaging uploads whose archive object is complete, abandoning the rest)
and reverts claims stuck in the source databases.

The same sweep runs periodically inside every pod; this command exists for
operators who want to settle a crashed deployment immediately.

Examples:
  # Sweep with confirmation prompt
  des recover

  # Sweep without prompting, treating containers older than 10m as stale
  des recover --force --stale-age 10m`,
	RunE: runRecover,
}

func init() {
	recoverCmd.Flags().BoolVar(&recoverForce, "force", false, "Skip the confirmation prompt")
	recoverCmd.Flags().DurationVar(&recoverStaleAge, "stale-age", 0, "Override the configured stale age")
}

func runRecover(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}
	if recoverStaleAge > 0 {
		cfg.Recovery.StaleAge = recoverStaleAge
	}

	ok, err := prompt.ConfirmWithForce(
		fmt.Sprintf("Sweep containers older than %s and release expired leases?", cfg.Recovery.StaleAge),
		recoverForce)
	if err != nil {
		if prompt.IsAborted(err) {
			return nil
		}
		return err
	}
	if !ok {
		fmt.Println("Aborted.")
		return nil
	}

	ctx := context.Background()

	store, err := metastore.New(&cfg.Metastore)
	if err != nil {
		return fmt.Errorf("failed to open metastore: %w", err)
	}
	defer func() { _ = store.Close() }()

	objects, err := s3.Open(ctx, cfg.S3)
	if err != nil {
		return fmt.Errorf("failed to open object store: %w", err)
	}

	resetters := make([]recovery.ClaimResetter, 0, len(cfg.Sources))
	for i := range cfg.Sources {
		p, err := source.New(cfg.Sources[i], objects, cfg.PodName)
		if err != nil {
			return fmt.Errorf("failed to open source %q: %w", cfg.Sources[i].Name, err)
		}
		defer func() { _ = p.Close() }()
		resetters = append(resetters, p)
	}

	sweeper := recovery.New(cfg.Recovery, store, objects, resetters)

	report, err := sweeper.SweepOnce(ctx)
	if err != nil {
		return fmt.Errorf("recovery sweep failed: %w", err)
	}

	fmt.Println("Recovery sweep complete:")
	return output.SimpleTable(os.Stdout, [][2]string{
		{"Leases released", strconv.Itoa(report.LeasesReleased)},
		{"Containers salvaged", strconv.Itoa(report.Salvaged)},
		{"Containers abandoned", strconv.Itoa(report.Abandoned)},
		{"Objects deleted", strconv.Itoa(report.ObjectsDeleted)},
		{"Claims reset", strconv.FormatInt(report.ClaimsReset, 10)},
	})
}
