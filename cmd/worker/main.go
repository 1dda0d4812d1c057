package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/lara-orchestrator/internal/artifact"
	"github.com/cuongbtq/lara-orchestrator/internal/bootstrap"
	"github.com/cuongbtq/lara-orchestrator/internal/config"
	"github.com/cuongbtq/lara-orchestrator/internal/health"
	"github.com/cuongbtq/lara-orchestrator/internal/inference"
	"github.com/cuongbtq/lara-orchestrator/internal/queue"
	"github.com/cuongbtq/lara-orchestrator/internal/worker"
	"github.com/cuongbtq/lara-orchestrator/shared/metrics"
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

	configPath := bootstrap.ConfigFlag("WORKER_CONFIG_PATH", "configs/worker/config.yaml")
	stageFlag := flag.String("stage", "", "Stage to serve (overrides worker.stage)")
	flag.Parse()

	cfg, err := bootstrap.LoadConfig(*configPath, config.ComponentWorker, func(c *config.Config) {
		if *stageFlag != "" {
			c.Worker.Stage = *stageFlag
		}
	})
	if err != nil {
		return err
	}

	stage, err := queue.ParseStage(cfg.Worker.Stage)
	if err != nil {
		return err
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting stage worker",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("stage", stage.String()),
	)

	rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established", slog.String("url", rabbitClient.URL()))

	store, err := artifact.NewStore(cfg.Artifacts.ImageDir, &http.Client{Timeout: cfg.Artifacts.DownloadTimeout}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	m := metrics.New("worker-" + stage.String())

	workerInstance := worker.NewWorker(&worker.Config{
		Stage:        stage,
		Logger:       appLogger.Logger,
		Source:       rabbitClient,
		Publisher:    rabbitClient,
		Resolver:     store,
		Inferencer:   inference.NewHTTPClient(cfg.Inference.URLFor(stage), cfg.Inference.Timeout, appLogger.Logger),
		Metrics:      m,
		Concurrency:  cfg.Worker.Concurrency,
		Accelerators: cfg.Worker.Accelerators,
		MaxAttempts:  cfg.Worker.MaxAttempts,
		RetryDelay:   cfg.Worker.RetryDelay,
		TaskTimeout:  cfg.Worker.TaskTimeout,
		QueueType:    cfg.RabbitMQ.QueueType,
	})

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: health.NewRouter(health.Config{
			Service: "worker-" + stage.String(),
			Broker:  rabbitClient,
			Metrics: m,
		}),
	}

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return workerInstance.Start(ctx)
	})
	g.Go(func() error {
		return health.Serve(ctx, srv, appLogger.Logger)
	})

	appLogger.Info("Worker service started successfully")

	if err := g.Wait(); err != nil {
		appLogger.Error("Worker error", slog.Any("error", err))
		return err
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}
