package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime/debug"

	"github.com/Digital-Creators-Team/reward-module/config"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "config/config.yaml"

var (
	version    = getVersion()
	configPath string
)

// getVersion returns the module version from build info
func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}

// loadConfig reads --config. The default path may be missing, in which case
// built-in defaults plus environment variables apply.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err == nil {
		return cfg, nil
	}
	if configPath == defaultConfigPath && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "rewardd",
		Short: "Reward service - crates, wheels and a shared jackpot",
		Long: `rewardd runs the reward API and its maintenance tasks.

Example:
  rewardd serve --config config/config.yaml
  rewardd migrate
  rewardd seed --catalog ./catalog --account alice:100.00
  rewardd simulate --catalog ./catalog --entry bronze-crate --draws 100000
  rewardd token --account alice`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to the YAML config file")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newSeedCmd())
	rootCmd.AddCommand(newSimulateCmd())
	rootCmd.AddCommand(newTokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
