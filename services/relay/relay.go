// Package relay wires the delivery pipeline into a single daemon.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/sentinel-honeypot/relay/internal/breaker"
	"github.com/sentinel-honeypot/relay/internal/callback"
	"github.com/sentinel-honeypot/relay/internal/events"
	"github.com/sentinel-honeypot/relay/internal/filequeue"
	"github.com/sentinel-honeypot/relay/internal/handlers"
	"github.com/sentinel-honeypot/relay/internal/kafka"
	"github.com/sentinel-honeypot/relay/internal/postgres"
	redisstore "github.com/sentinel-honeypot/relay/internal/redis"
	"github.com/sentinel-honeypot/relay/internal/webhook"
	"github.com/sentinel-honeypot/relay/pkg/telemetry"
	"github.com/sentinel-honeypot/relay/services/admin/handler"
	"github.com/sentinel-honeypot/relay/services/intake"
	"github.com/sentinel-honeypot/relay/services/outgoing"
	"github.com/sentinel-honeypot/relay/services/relay/config"
	"github.com/sentinel-honeypot/relay/services/retention"
)

// App owns every long-lived component of the relay. Optional components are
// nil when their backing service is not configured.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	Recorder *events.Recorder
	Breaker  *breaker.Breaker
	Sender   *callback.Sender
	Queue    *filequeue.Queue

	Repo      postgres.OutgoingRepository // nil without postgres_dsn
	Worker    *outgoing.Worker
	Intake    *intake.Dispatcher // nil without kafka_brokers
	Publisher *redisstore.EventPublisher
	Janitor   *retention.Janitor

	pool     *pgxpool.Pool
	redis    *goredis.Client
	producer kafka.Producer
	consumer kafka.Consumer
	audit    *events.FileLog
	httpLog  *events.FileLog
	ready    []telemetry.ReadyFunc
}

// New builds the App from cfg. Nothing is started until Run.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (app *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := a.initEvents(); err != nil {
		return nil, err
	}
	a.initCallback()
	if err := a.initOutgoing(ctx); err != nil {
		return nil, err
	}
	a.initIntake()

	a.Janitor = retention.NewJanitor(
		[]string{
			filepath.Join(filepath.Dir(cfg.AuditLogPath), events.ArchiveDir),
			filepath.Join(filepath.Dir(cfg.HTTPLogPath), events.ArchiveDir),
		},
		cfg.RetentionMaxAge,
		retention.WithSchedule(cfg.RetentionSchedule),
		retention.WithLogger(logger),
	)
	return a, nil
}

func (a *App) initEvents() error {
	a.Recorder = events.NewRecorder(a.logger, events.NewLogSink(a.logger))

	audit, err := events.OpenFileLog(a.cfg.AuditLogPath, events.WithSigningKey(a.cfg.AuditHMACKey))
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	a.audit = audit
	a.Recorder.Add(audit)
	if a.cfg.AuditHMACKey == "" {
		a.logger.Warn("audit_hmac_key is empty, audit log lines are not signed")
	}

	if a.cfg.RedisAddr != "" {
		a.redis = redisstore.NewClient(a.cfg.RedisAddr)
		a.Publisher = redisstore.NewEventPublisher(a.redis, a.cfg.RedisChannel, 0)
		a.Recorder.Add(a.Publisher)
		a.ready = append(a.ready, a.Publisher.Ping)
	}

	if len(a.cfg.KafkaBrokers) > 0 {
		a.producer = kafka.NewProducer(a.cfg.KafkaBrokers, kafka.WithSource("sentinel-relay"))
		a.Recorder.Add(events.NewBrokerSink(a.producer, a.cfg.KafkaEventsTopic))
	}
	return nil
}

func (a *App) initCallback() {
	a.Breaker = breaker.New(a.cfg.CBFailThreshold, a.cfg.CBResetTimeout,
		breaker.WithStateChangeListener(func(from, to breaker.State) {
			telemetry.SetBreakerState(string(to))
			a.Recorder.Emit(context.Background(), events.BreakerStateChanged, map[string]any{
				"from": string(from),
				"to":   string(to),
			})
		}),
	)
	telemetry.SetBreakerState(string(breaker.StateClosed))

	var sender *callback.Sender
	a.Queue = filequeue.New(a.cfg.CallbackQueueDir,
		filequeue.DelivererFunc(func(ctx context.Context, payload []byte) (int, error) {
			return sender.Deliver(ctx, payload)
		}),
		a.Recorder,
		filequeue.WithInterval(a.cfg.CallbackRetryInterval),
		filequeue.WithLogger(a.logger.With(slog.String("component", "callback-queue"))),
	)
	sender = callback.NewSender(webhook.NewClient(), a.Breaker, a.Queue, a.Recorder,
		callback.WithURL(a.cfg.CallbackURL),
		callback.WithAPIKey(a.cfg.CallbackAPIKey),
		callback.WithTimeout(a.cfg.CallbackTimeout),
		callback.WithMaxAttempts(a.cfg.CallbackMaxAttempts),
		callback.WithBaseDelay(a.cfg.CallbackBaseDelay),
		callback.WithLogger(a.logger.With(slog.String("component", "callback"))),
	)
	a.Sender = sender
	if a.cfg.CallbackURL == "" {
		a.logger.Warn("callback_url is empty, every callback will fail into the queue")
	}
}

func (a *App) initOutgoing(ctx context.Context) error {
	if a.cfg.PostgresDSN == "" {
		a.logger.Warn("postgres_dsn is empty, outgoing message store disabled")
		return nil
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := postgres.NewPool(initCtx, a.cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	a.pool = pool
	a.Repo = postgres.NewRepository(pool)
	a.ready = append(a.ready, func(ctx context.Context) error { return pool.Ping(ctx) })

	httpLog, err := events.OpenFileLog(a.cfg.HTTPLogPath)
	if err != nil {
		return fmt.Errorf("outgoing http log: %w", err)
	}
	a.httpLog = httpLog

	a.Worker = outgoing.NewWorker(a.Repo, webhook.NewClient(), a.Recorder,
		outgoing.WithEndpoint(a.cfg.OutgoingEndpoint),
		outgoing.WithAPIKey(a.cfg.OutgoingAPIKey),
		outgoing.WithTimeout(a.cfg.OutgoingTimeout),
		outgoing.WithBatchSize(a.cfg.OutgoingBatchSize),
		outgoing.WithInterval(a.cfg.OutgoingInterval),
		outgoing.WithHTTPLog(httpLog),
		outgoing.WithLogger(a.logger.With(slog.String("component", "outgoing"))),
	)
	return nil
}

func (a *App) initIntake() {
	if len(a.cfg.KafkaBrokers) == 0 {
		return
	}
	registry := handlers.NewRegistry(handlers.NewFinalResultHandler(a.Sender, a.logger))
	if a.Repo != nil {
		registry.Register(handlers.NewOutgoingMessageHandler(a.Repo, a.logger))
	}
	a.consumer = kafka.NewConsumer(a.cfg.KafkaBrokers, a.cfg.KafkaIntakeTopic, a.cfg.KafkaGroupID, a.logger)
	a.Intake = intake.NewDispatcher(a.consumer, a.producer, registry, a.cfg.KafkaIntakeTopic, a.logger)
}

// AdminHandler returns the admin HTTP API.
func (a *App) AdminHandler() http.Handler {
	opts := []handler.Option{handler.WithLogger(a.logger)}
	if a.Publisher != nil {
		opts = append(opts, handler.WithRecentEvents(a.Publisher))
	}
	for _, check := range a.ready {
		opts = append(opts, handler.WithReadyCheck(handler.ReadyCheck(check)))
	}
	rest := handler.NewREST(a.Repo, a.Queue, a.Breaker, a.Recorder, opts...)
	return handler.NewRouter(rest, a.cfg.AdminAPIKey, a.logger)
}

// Run starts every background component and blocks until ctx is cancelled
// or a component fails. Background loops are stopped before Run returns.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	telemetry.StartMetricsServer(runCtx, a.cfg.MetricsAddr, a.logger, a.ready...)

	a.Queue.Start(runCtx)
	defer a.Queue.Stop()

	if a.Worker != nil {
		a.Worker.Start(runCtx)
		defer a.Worker.Stop()
	}

	if err := a.Janitor.Start(runCtx); err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	defer a.Janitor.Stop()

	errCh := make(chan error, 2)

	adminSrv := &http.Server{
		Addr:         a.cfg.AdminAddr,
		Handler:      a.AdminHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		a.logger.Info("admin HTTP starting", slog.String("addr", adminSrv.Addr))
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()

	if a.Intake != nil {
		go func() {
			a.logger.Info("intake consumer starting", slog.String("topic", a.cfg.KafkaIntakeTopic))
			if err := a.Intake.Run(runCtx); err != nil {
				errCh <- fmt.Errorf("intake: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down...")
	case runErr = <-errCh:
		a.logger.Error("component failed, shutting down", slog.String("error", runErr.Error()))
	}
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := adminSrv.Shutdown(shutCtx); err != nil {
		a.logger.Error("admin shutdown error", slog.String("error", err.Error()))
	}
	return runErr
}

// Close releases connections and flushes the log files.
func (a *App) Close() error {
	var errs []error
	if a.consumer != nil {
		errs = append(errs, a.consumer.Close())
	}
	if a.producer != nil {
		errs = append(errs, a.producer.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.httpLog != nil {
		errs = append(errs, a.httpLog.Close())
	}
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	return errors.Join(errs...)
}
