package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/lara-orchestrator/internal/bootstrap"
	"github.com/cuongbtq/lara-orchestrator/internal/cdr"
	"github.com/cuongbtq/lara-orchestrator/internal/config"
	"github.com/cuongbtq/lara-orchestrator/internal/health"
	"github.com/cuongbtq/lara-orchestrator/internal/writer"
	"github.com/cuongbtq/lara-orchestrator/shared/metrics"
	"github.com/cuongbtq/lara-orchestrator/shared/retry"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	bootstrap.LoadEnv()

	configPath := bootstrap.ConfigFlag("WRITER_CONFIG_PATH", "configs/writer/config.yaml")
	flag.Parse()

	cfg, err := bootstrap.LoadConfig(*configPath, config.ComponentWriter)
	if err != nil {
		return err
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting result writer",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("ledger", cfg.Writer.Ledger),
	)

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established", slog.String("url", rabbitClient.URL()))

	store, err := bootstrap.InitLedger(ctx, cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	sink, err := initSink(cfg, appLogger.Logger)
	if err != nil {
		return err
	}

	chain, err := writer.ParseChain(cfg.Writer.Chain)
	if err != nil {
		return err
	}

	events, err := bootstrap.InitEventLog(cfg)
	if err != nil {
		return err
	}
	defer events.Close()

	m := metrics.New("writer")

	writerInstance := writer.NewWriter(&writer.Config{
		Logger:    appLogger.Logger,
		Source:    rabbitClient,
		Publisher: rabbitClient,
		Ledger:    store,
		Sink:      sink,
		Events:    events,
		Metrics:   m,

		Concurrency: cfg.Writer.Concurrency,
		Push: retry.Config{
			MaxAttempts:  cfg.Writer.PushAttempts,
			InitialDelay: cfg.Writer.InitialBackoff,
			MaxDelay:     cfg.Writer.MaxBackoff,
			Multiplier:   2.0,
			Jitter:       true,
		},
		ClaimTTL:     cfg.Writer.ClaimTTL,
		RequeueDelay: cfg.Writer.RequeueDelay,
		Chain:        chain,
	})

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: health.NewRouter(health.Config{
			Service: "writer",
			Broker:  rabbitClient,
			Checks:  map[string]health.Checker{"ledger": health.CheckFunc(store.HealthCheck)},
			Metrics: m,
		}),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return writerInstance.Start(ctx)
	})
	g.Go(func() error {
		return health.Serve(ctx, srv, appLogger.Logger)
	})

	appLogger.Info("Result writer started successfully")

	if err := g.Wait(); err != nil {
		appLogger.Error("Writer error", slog.Any("error", err))
		return err
	}

	appLogger.Info("Result writer shutdown complete")
	return nil
}

// initSink selects file output when writer.output_dir is set and the
// system-of-record otherwise
func initSink(cfg *config.Config, logger *slog.Logger) (writer.Sink, error) {
	if cfg.Writer.OutputDir != "" {
		logger.Info("Writing results to files", slog.String("dir", cfg.Writer.OutputDir))
		return writer.NewFileSink(cfg.Writer.OutputDir)
	}

	logger.Info("Publishing results to system-of-record", slog.String("host", cfg.CDR.Host))
	client := cdr.NewClient(cdr.Config{
		Host:           cfg.CDR.Host,
		Token:          cfg.CDR.Token,
		SystemName:     cfg.CDR.SystemName,
		SystemVersion:  cfg.CDR.SystemVersion,
		RequestTimeout: cfg.CDR.RequestTimeout,
	}, logger)
	return writer.NewCDRSink(client), nil
}
