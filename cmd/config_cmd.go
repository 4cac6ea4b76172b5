package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tally/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show current configuration",
	RunE:  runConfig,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration file",
	RunE:  runConfigInit,
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfig(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	fmt.Printf("  Config file: %s\n", config.Path())
	if config.Exists() {
		fmt.Println("  Status: loaded")
	} else {
		fmt.Println("  Status: using defaults (no config file)")
	}
	fmt.Println()

	fmt.Println("  [General]")
	fmt.Printf("    Log root:  %s\n", cfg.General.DataDir)
	fmt.Printf("    Database:  %s\n", cfg.General.DBPath)
	fmt.Println()

	fmt.Println("  [Sync]")
	fmt.Printf("    Workers:    %d\n", cfg.Sync.Workers)
	fmt.Printf("    Batch size: %d\n", cfg.Sync.BatchSize)
	fmt.Printf("    Interval:   %s\n", cfg.Sync.Interval.Duration)
	fmt.Printf("    Debounce:   %s\n", cfg.Sync.Debounce.Duration)
	fmt.Printf("    Queue size: %d\n", cfg.Sync.QueueSize)
	fmt.Println()

	fmt.Println("  [Attribution]")
	fmt.Printf("    Churn lookback: %d days\n", cfg.Attribution.ChurnLookbackDays)
	fmt.Printf("    Retry backoff:  %s\n", cfg.Attribution.RetryBackoff.Duration)
	fmt.Println()

	fmt.Println("  [Pricing]")
	fmt.Printf("    Priced models: %d (%d overridden in config)\n", len(cfg.PriceTable().Models()), len(cfg.Pricing.Models))
	fmt.Println()

	fmt.Println("  Run `tally models` for the full price table.")
	return nil
}

func runConfigInit(_ *cobra.Command, _ []string) error {
	if config.Exists() && !configForce {
		return fmt.Errorf("%s already exists, pass --force to overwrite", config.Path())
	}
	if err := config.Save(config.DefaultConfig()); err != nil {
		return err
	}
	fmt.Printf("  Wrote %s\n", config.Path())
	return nil
}
