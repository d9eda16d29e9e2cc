package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/lkarlslund/grokgateway/pkg/config"
	"github.com/spf13/cobra"
)

var configPath string

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage the gateway config file",
	}
	configCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "Gateway config TOML path")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default config file if one does not already exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			upstreamBase, _ := cmd.Flags().GetString("upstream-base-url")
			cfg, err := config.LoadOrCreate(configPath, upstreamBase)
			if err != nil {
				return fmt.Errorf("load or create config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ready at %s (upstream %s)\n", configPath, cfg.Upstream.BaseURL)
			return nil
		},
	}
	initCmd.Flags().String("upstream-base-url", "https://grok.com", "Default upstream.base_url when creating a new config")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the normalized config as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config file, reporting errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(configPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config valid")
			return nil
		},
	}

	configCmd.AddCommand(initCmd, showCmd, validateCmd)
	rootCmd.AddCommand(configCmd)
}
