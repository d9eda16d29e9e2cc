package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/lkarlslund/grokgateway/pkg/config"
	"github.com/lkarlslund/grokgateway/pkg/pool"
	"github.com/spf13/cobra"
)

// openTokenPool loads the persisted token catalog directly (offline, no
// running gateway required), mirroring gateway.New's pool.New/pool.Load
// wiring so the CLI and the server agree on persistence semantics.
func openTokenPool(cfg *config.GatewayConfig) (*pool.Pool, error) {
	p := pool.New(pool.Options{FailThreshold: cfg.Pool.FailThreshold, RefreshDedupe: cfg.Pool.RefreshDedupe()})
	if err := p.Load(cfg.Pool.PersistPath, cfg.Pool.SaveDelay()); err != nil {
		return nil, fmt.Errorf("load token catalog: %w", err)
	}
	return p, nil
}

// maskedTokenRecord mirrors pkg/gateway's admin snapshot masking (§6.2
// "credential masked to last 4 chars") for CLI output.
type maskedTokenRecord struct {
	pool.TokenRecord
	ID string `json:"id"`
}

func maskTokenID(id string) string {
	if len(id) <= 4 {
		return "****"
	}
	return "****" + id[len(id)-4:]
}

func init() {
	tokensCmd := &cobra.Command{
		Use:   "tokens",
		Short: "Import, list, and disable pool tokens without a running gateway",
	}
	tokensCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "Gateway config TOML path")

	var importFile string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import token records from a JSON file (array of records)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			var r *os.File
			if importFile == "" || importFile == "-" {
				r = os.Stdin
			} else {
				f, err := os.Open(importFile)
				if err != nil {
					return fmt.Errorf("open import file: %w", err)
				}
				defer f.Close()
				r = f
			}
			var records []pool.TokenRecord
			if err := json.NewDecoder(r).Decode(&records); err != nil {
				return fmt.Errorf("decode records: %w", err)
			}
			p, err := openTokenPool(cfg)
			if err != nil {
				return err
			}
			imported := p.Import(records)
			p.FlushNow()
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d of %d record(s)\n", imported, len(records))
			return nil
		},
	}
	importCmd.Flags().StringVar(&importFile, "file", "", "Path to a JSON array of token records (default: stdin)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pool tokens with credentials masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			p, err := openTokenPool(cfg)
			if err != nil {
				return err
			}
			records := p.ListAll()
			out := make([]maskedTokenRecord, 0, len(records))
			for _, rec := range records {
				out = append(out, maskedTokenRecord{TokenRecord: rec, ID: maskTokenID(rec.ID)})
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	setDisabled := func(id string, disabled bool) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		p, err := openTokenPool(cfg)
		if err != nil {
			return err
		}
		if err := p.ReplaceRecord(id, pool.Patch{Disabled: &disabled}); err != nil {
			return err
		}
		p.FlushNow()
		return nil
	}

	disableCmd := &cobra.Command{
		Use:   "disable <token-id>",
		Short: "Mark a token disabled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setDisabled(args[0], true)
		},
	}

	enableCmd := &cobra.Command{
		Use:   "enable <token-id>",
		Short: "Clear a token's disabled flag and reset its failure count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setDisabled(args[0], false)
		},
	}

	tokensCmd.AddCommand(importCmd, listCmd, disableCmd, enableCmd)
	rootCmd.AddCommand(tokensCmd)
}
