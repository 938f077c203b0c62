package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sentinel-honeypot/relay/internal/version"
	"github.com/sentinel-honeypot/relay/pkg/telemetry"
	"github.com/sentinel-honeypot/relay/services/relay"
	"github.com/sentinel-honeypot/relay/services/relay/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay daemon",
	Long: `Start the callback queue worker, the outgoing message worker, the admin API
and, when kafka_brokers is set, the intake consumer.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("admin-addr", ":8080", "admin API listen address")
	serveCmd.Flags().String("metrics-addr", ":9090", "Prometheus metrics server address")
	serveCmd.Flags().String("callback-url", "", "final result callback endpoint")
	serveCmd.Flags().String("outgoing-endpoint", "", "outgoing message endpoint; empty marks rows sent without a call")
	serveCmd.Flags().String("kafka-brokers", "", "comma-separated Kafka broker addresses; empty disables intake and the event stream")
	serveCmd.Flags().String("redis-addr", "", "Redis address (host:port); empty disables the live event feed")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("admin_addr", serveCmd.Flags(), "admin-addr")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("callback_url", serveCmd.Flags(), "callback-url")
	bindFlag("outgoing_endpoint", serveCmd.Flags(), "outgoing-endpoint")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	instanceID := uuid.New().String()[:8]

	logger := buildLogger(cfg.LogLevel, "relay").With(slog.String("instance_id", instanceID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName: "sentinel-relay",
		InstanceID:  instanceID,
		Endpoint:    cfg.OTelEndpoint,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	app, err := relay.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	logger.Info("relay starting",
		slog.String("version", version.Version),
		slog.String("callback_url", cfg.CallbackURL),
		slog.Bool("outgoing_endpoint_configured", cfg.OutgoingEndpoint != ""),
		slog.Int("cb_fail_threshold", cfg.CBFailThreshold),
		slog.Duration("cb_reset_timeout", cfg.CBResetTimeout),
	)

	if err := app.Run(ctx); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	logger.Info("stopped cleanly")
	return nil
}
