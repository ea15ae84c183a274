package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundhouse/internal/api"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/ledger"
	"github.com/zulandar/roundhouse/internal/telegraph"
	"github.com/zulandar/roundhouse/internal/telegraph/discord"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds how long serve waits for sessions to die on exit.
const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session multiplexer",
		Long:  "Serves the HTTP control API, sweeps expired ledger records and, when configured, relays chat messages.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// Handle OS signals for graceful shutdown.
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case <-sigCh:
					cancel()
				case <-ctx.Done():
				}
			}()

			return runServe(ctx, cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to roundhouse config file")
	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	defer func() {
		fmt.Fprintf(out, "Stopping sessions...\n")
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.close(stopCtx)
	}()
	fmt.Fprintf(out, "Sandbox: %s\n", a.sandbox.Root())

	sweeper, err := ledger.NewSweeper(a.ledger, a.cfg.Ledger.SweepSchedule, a.cfg.Ledger.ExpireAfter)
	if err != nil {
		return err
	}

	var bridge *telegraph.Bridge
	if a.cfg.Telegraph.Platform != "" {
		adapter, err := createAdapter(a.cfg)
		if err != nil {
			return err
		}
		bridge, err = telegraph.NewBridge(telegraph.BridgeOpts{
			Sessions:   a.mux,
			Store:      a.store,
			Validator:  a.sandbox,
			DefaultDir: a.sandbox.Root(),
			Adapter:    adapter,
			Out:        out,
		})
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return api.Start(gctx, api.Opts{
			Sessions:   a.mux,
			Store:      a.store,
			Ledger:     a.ledger,
			Validator:  a.sandbox,
			DefaultDir: a.sandbox.Root(),
			Listen:     a.cfg.API.Listen,
			Out:        out,
		})
	})
	if bridge != nil {
		g.Go(func() error {
			return bridge.Run(gctx)
		})
	}
	return g.Wait()
}

// createAdapter builds the chat adapter for the configured platform.
func createAdapter(cfg *config.Config) (telegraph.Adapter, error) {
	switch cfg.Telegraph.Platform {
	case "discord":
		return discord.New(discord.AdapterOpts{
			BotToken:  cfg.Telegraph.Discord.BotToken,
			ChannelID: cfg.Telegraph.Channel,
		})
	default:
		return nil, fmt.Errorf("telegraph: unsupported platform %q", cfg.Telegraph.Platform)
	}
}
