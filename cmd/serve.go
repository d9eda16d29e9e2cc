package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lkarlslund/grokgateway/pkg/config"
	"github.com/lkarlslund/grokgateway/pkg/gateway"
	"github.com/lkarlslund/grokgateway/pkg/logutil"
	"github.com/spf13/cobra"
)

var (
	serveConfigPath    string
	serveAddrOverride  string
	serveUpstreamBase  string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreate(serveConfigPath, serveUpstreamBase)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Address = serveAddrOverride
			}
			if err := logutil.Configure(cfg.LogLevel); err != nil {
				return fmt.Errorf("configure logging: %w", err)
			}

			srv, err := gateway.New(cfg)
			if err != nil {
				return fmt.Errorf("create gateway: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "Gateway config TOML path")
	serveCmd.Flags().StringVar(&serveAddrOverride, "addr", "", "Override server.address from config")
	serveCmd.Flags().StringVar(&serveUpstreamBase, "upstream-base-url", "https://grok.com", "Default upstream.base_url when creating a new config")
	rootCmd.AddCommand(serveCmd)
}
