package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cuongbtq/lara-orchestrator/internal/artifact"
	"github.com/cuongbtq/lara-orchestrator/internal/bootstrap"
	"github.com/cuongbtq/lara-orchestrator/internal/cdr"
	"github.com/cuongbtq/lara-orchestrator/internal/config"
	"github.com/cuongbtq/lara-orchestrator/internal/gateway/handler"
	"github.com/cuongbtq/lara-orchestrator/internal/gateway/router"
	"github.com/cuongbtq/lara-orchestrator/internal/gateway/service"
	"github.com/cuongbtq/lara-orchestrator/internal/gateway/storage"
	"github.com/cuongbtq/lara-orchestrator/internal/health"
	"github.com/cuongbtq/lara-orchestrator/internal/ledger"
	"github.com/cuongbtq/lara-orchestrator/internal/queue"
	"github.com/cuongbtq/lara-orchestrator/shared/metrics"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	bootstrap.LoadEnv()

	configPath := bootstrap.ConfigFlag("GATEWAY_CONFIG_PATH", "configs/gateway/config.yaml")
	mode := flag.String("mode", "", "host (HTTP intake) or process (enqueue a list and exit)")
	cogID := flag.String("cog-id", "", "Single image id to process (process mode)")
	input := flag.String("input", "", "File of image ids, one per line (process mode)")
	flag.Parse()

	cfg, err := bootstrap.LoadConfig(*configPath, config.ComponentGateway, func(c *config.Config) {
		if *mode != "" {
			c.Gateway.Mode = *mode
		}
	})
	if err != nil {
		return err
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting job gateway",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("mode", cfg.Gateway.Mode),
	)

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	// no local buffering: without a broker the gateway does not start
	rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established", slog.String("url", rabbitClient.URL()))

	m := metrics.New("gateway")
	submitterCfg := &service.Config{
		Logger:    appLogger.Logger,
		Publisher: rabbitClient,
		Metrics:   m,
	}

	if cfg.Artifacts.Prefetch {
		store, err := artifact.NewStore(cfg.Artifacts.ImageDir, &http.Client{Timeout: cfg.Artifacts.DownloadTimeout}, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize artifact store: %w", err)
		}
		submitterCfg.Prefetcher = store
	}

	if cfg.Gateway.Mode == config.ModeProcess {
		return runProcess(ctx, cfg, service.NewSubmitter(submitterCfg), *cogID, *input)
	}

	deps := &handler.Dependencies{Logger: appLogger.Logger}
	checks := map[string]health.Checker{}

	if cfg.Gateway.TrackJobs {
		dbClient, err := bootstrap.InitDatabase(&cfg.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer dbClient.Close()

		jobs := storage.NewStorage(dbClient.GetDB())
		if err := jobs.Migrate(ctx); err != nil {
			return err
		}
		submitterCfg.Jobs = jobs
		deps.Jobs = jobs
		checks["database"] = dbClient

		appLogger.Info("Job tracking enabled", slog.String("pool", dbClient.Stats()))

		results, closeResults, err := initResultLedger(ctx, cfg, dbClient.GetDB(), appLogger.Logger)
		if err != nil {
			return err
		}
		defer closeResults()
		deps.Ledger = results
	}

	events, err := bootstrap.InitEventLog(cfg)
	if err != nil {
		return err
	}
	defer events.Close()

	deps.Submitter = service.NewSubmitter(submitterCfg)
	deps.Events = events

	var limiter *rate.Limiter
	if cfg.Gateway.RateLimit > 0 {
		burst := cfg.Gateway.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Gateway.RateLimit), burst)
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	r := router.SetupRouter(deps, router.Options{
		Health: health.Config{
			Service: "gateway",
			Broker:  rabbitClient,
			Checks:  checks,
			Metrics: m,
		},
		Limiter: limiter,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return health.Serve(gctx, srv, appLogger.Logger)
	})

	if cfg.CDR.CallbackURL != "" && cfg.CDR.Host != "" {
		cdrClient := cdr.NewClient(cdr.Config{
			Host:           cfg.CDR.Host,
			Token:          cfg.CDR.Token,
			SystemName:     cfg.CDR.SystemName,
			SystemVersion:  cfg.CDR.SystemVersion,
			CallbackSecret: cfg.CDR.CallbackSecret,
			RequestTimeout: cfg.CDR.RequestTimeout,
		}, appLogger.Logger)

		callback := strings.TrimRight(cfg.CDR.CallbackURL, "/") + "/process_event"
		registrationID, err := cdrClient.Startup(ctx, callback)
		if err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("failed to register with system-of-record: %w", err)
		}
		defer unregister(cdrClient, registrationID, appLogger.Logger)
	}

	appLogger.Info("Job gateway is running", slog.String("address", srv.Addr))

	err = g.Wait()

	// image downloads started by accepted jobs are left to finish
	deps.Submitter.Wait()

	if err != nil {
		appLogger.Error("Gateway error", slog.Any("error", err))
		return err
	}

	appLogger.Info("Gateway shutdown complete")
	return nil
}

// runProcess enqueues the supplied ids once and returns
func runProcess(ctx context.Context, cfg *config.Config, submitter *service.Submitter, cogID, input string) error {
	var ids []string
	switch {
	case cogID != "":
		ids = []string{cogID}
	case input != "":
		f, err := os.Open(input)
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()

		if ids, err = service.ReadIDs(f); err != nil {
			return err
		}
	default:
		return errors.New("process mode requires -cog-id or -input")
	}

	stages, err := queue.ParseStages(cfg.Gateway.Stages)
	if err != nil {
		return err
	}

	accepted, err := submitter.RunBatch(ctx, ids, cfg.Artifacts.COGURLTemplate, stages)
	if err != nil {
		return fmt.Errorf("batch finished with %d of %d accepted: %w", accepted, len(ids), err)
	}
	return nil
}

// initResultLedger opens the writer's ledger read side so job lookups can
// report per-stage state
func initResultLedger(ctx context.Context, cfg *config.Config, db *sqlx.DB, logger *slog.Logger) (ledger.Ledger, func(), error) {
	if cfg.Writer.Ledger == config.LedgerRedis {
		client, err := bootstrap.InitRedis(&cfg.Redis, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
		return ledger.NewRedisLedger(client.GetClient(), logger), func() { client.Close() }, nil
	}

	l := ledger.NewSQLLedger(db, logger)
	if err := l.Migrate(ctx); err != nil {
		return nil, nil, err
	}
	return l, func() {}, nil
}

func unregister(client *cdr.Client, id string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Unregister(ctx, id); err != nil {
		logger.Warn("Failed to unregister from system-of-record", slog.Any("error", err))
	}
}
