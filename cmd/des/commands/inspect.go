package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/datavision/easystore/internal/bytesize"
	"github.com/datavision/easystore/internal/cli/output"
	"github.com/datavision/easystore/pkg/config"
	"github.com/datavision/easystore/pkg/des/format"
	"github.com/datavision/easystore/pkg/des/rangereader"
	"github.com/datavision/easystore/pkg/des/reader"
	"github.com/datavision/easystore/pkg/objstore/s3"
)

var inspectList bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <path | s3://bucket/key>",
	Short: "Inspect a container",
	Long: `Inspect a DES container: validate its header, footer and region chain,
and print its statistics.

The argument is either a local file path or an s3:// URL. For s3:// URLs the
S3 section of the configuration provides endpoint and credentials, and only
the header, footer and index of the object are fetched.

Examples:
  # Inspect a local container file
  des inspect /var/tmp/easystore/C_20250115_00000000a1_00.des

  # Inspect an archived container and list its files
  des inspect s3://des-archive/2025-01-15/a1/C_20250115_00000000a1_00.des --list`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectList, "list", false, "List the files in the container")
}

func runInspect(cmd *cobra.Command, args []string) error {
	target := args[0]

	if strings.HasPrefix(target, "s3://") {
		return inspectRemote(target)
	}
	return inspectLocal(target)
}

func inspectLocal(path string) error {
	r, err := reader.Open(path)
	if err != nil {
		return fmt.Errorf("not a valid container: %w", err)
	}
	defer func() { _ = r.Close() }()

	stats, err := r.Stats(context.Background())
	if err != nil {
		return err
	}
	entries, err := r.Entries()
	if err != nil {
		return err
	}

	fmt.Printf("Container: %s\n\n", path)
	if err := printStats(stats.FileCount, stats.ByteSize, stats.InternalFiles, stats.ExternalFiles, stats.InternalBytes); err != nil {
		return err
	}
	return printEntries(entries)
}

func inspectRemote(url string) error {
	bucket, key, err := splitObjectURL(url)
	if err != nil {
		return err
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := s3.Open(ctx, cfg.S3)
	if err != nil {
		return fmt.Errorf("failed to open object store: %w", err)
	}

	r, err := rangereader.OpenContainer(ctx, store, bucket, key)
	if err != nil {
		return fmt.Errorf("not a valid container: %w", err)
	}

	stats, err := r.Stats(ctx)
	if err != nil {
		return err
	}
	entries, err := r.Entries(ctx)
	if err != nil {
		return err
	}

	_, _, version := r.Identity()
	fmt.Printf("Container: s3://%s/%s (version %s)\n\n", bucket, key, version)
	if err := printStats(stats.FileCount, stats.ByteSize, stats.InternalFiles, stats.ExternalFiles, stats.InternalBytes); err != nil {
		return err
	}
	return printEntries(entries)
}

// splitObjectURL splits "s3://bucket/key" into its parts.
func splitObjectURL(url string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(url, "s3://")
	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid object URL %q (want s3://bucket/key)", url)
	}
	return bucket, key, nil
}

func printStats(files, size, internal, external, internalBytes uint64) error {
	return output.SimpleTable(os.Stdout, [][2]string{
		{"Files", strconv.FormatUint(files, 10)},
		{"Container size", bytesize.ByteSize(size).String()},
		{"Internal files", strconv.FormatUint(internal, 10)},
		{"External files", strconv.FormatUint(external, 10)},
		{"Internal bytes", bytesize.ByteSize(internalBytes).String()},
	})
}

func printEntries(entries []format.IndexEntry) error {
	if !inspectList {
		return nil
	}

	fmt.Println()
	table := output.NewTableData("NAME", "SIZE", "LOCATION")
	for i := range entries {
		location := "internal"
		size := bytesize.ByteSize(entries[i].DataLength).String()
		if entries[i].External() {
			location = "external"
			size = "-"
		}
		table.AddRow(entries[i].Name, size, location)
	}
	return output.PrintTable(os.Stdout, table)
}
