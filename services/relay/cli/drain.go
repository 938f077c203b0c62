package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sentinel-honeypot/relay/services/relay"
	"github.com/sentinel-honeypot/relay/services/relay/config"
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Drain the callback queue once and exit",
	Long: `Attempt delivery of every queued callback file once, in enqueue order.
Delivered files are removed; failed files stay for the next pass.
Do not run this while a relay daemon drains the same directory.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(func(ctx context.Context, app *relay.App) error {
			res, err := app.Queue.DrainOnce(ctx)
			if err != nil {
				return fmt.Errorf("drain: %w", err)
			}
			return printJSON(cmd, res)
		})
	},
}

// withApp builds the App from the loaded config for a one-shot command.
func withApp(fn func(ctx context.Context, app *relay.App) error) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "relay")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	app, err := relay.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	return fn(ctx, app)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
