package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/datavision/easystore/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample Easy Store configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/easystore/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  des init

  # Initialize with custom path
  des init --config /etc/easystore/config.yaml

  # Force overwrite existing config
  des init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	var (
		configPath string
		err        error
	)

	if configFile := GetConfigFile(); configFile != "" {
		configPath, err = config.InitConfigAt(configFile, initForce)
	} else {
		configPath, err = config.InitConfig(initForce)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Point the metastore and s3 sections at your infrastructure")
	fmt.Println("  2. Describe each customer database under sources")
	fmt.Println("  3. Start the pod with: des start")
	fmt.Printf("  4. Or specify custom config: des start --config %s\n", configPath)

	return nil
}
