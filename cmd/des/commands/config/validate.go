package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/datavision/easystore/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the Easy Store configuration file.

Checks for syntax errors, missing required fields, and invalid values.

Examples:
  # Validate default config
  des config validate

  # Validate specific config file
  des config validate --config /etc/easystore/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	// Get config path from parent's persistent flag
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	var warnings []string

	if len(cfg.Sources) == 0 {
		warnings = append(warnings, "No sources configured - the packer will idle")
	}
	if !cfg.Metrics.Enabled {
		warnings = append(warnings, "Metrics collection disabled")
	}
	if cfg.S3.AccessKeyID == "" && cfg.S3.SecretAccessKey == "" {
		warnings = append(warnings, "No static S3 credentials - the default AWS credential chain will be used")
	}

	fmt.Printf("Configuration file: %s\n", displayPath)
	fmt.Println("Validation: OK")

	if len(warnings) > 0 {
		fmt.Println("\nWarnings:")
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
	}

	return nil
}
