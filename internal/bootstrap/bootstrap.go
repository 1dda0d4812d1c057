// Package bootstrap holds the start-up wiring shared by the gateway, worker
// and writer binaries.
package bootstrap

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuongbtq/lara-orchestrator/internal/config"
	"github.com/cuongbtq/lara-orchestrator/internal/ledger"
	"github.com/cuongbtq/lara-orchestrator/internal/queue"
	"github.com/cuongbtq/lara-orchestrator/shared/database"
	"github.com/cuongbtq/lara-orchestrator/shared/logger"
	"github.com/cuongbtq/lara-orchestrator/shared/rabbitmq"
	"github.com/cuongbtq/lara-orchestrator/shared/redis"
	"github.com/joho/godotenv"
)

// LoadEnv loads .env if present
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}
}

// ConfigFlag registers -config with its default taken from envVar
func ConfigFlag(envVar, fallback string) *string {
	defaultConfigPath := os.Getenv(envVar)
	if defaultConfigPath == "" {
		defaultConfigPath = fallback
	}
	return flag.String("config", defaultConfigPath, "Path to configuration file")
}

// LoadConfig loads the configuration, applies command-line overrides and
// validates it for component
func LoadConfig(path, component string, overrides ...func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	for _, override := range overrides {
		override(cfg)
	}

	if err := cfg.Validate(component); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SignalContext is canceled on SIGINT or SIGTERM
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// InitLogger initializes and configures the application logger. A nil
// config yields the console default.
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	if cfg == nil {
		return logger.NewDefault(), nil
	}

	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// InitEventLog opens the event log, relative paths resolving under the work dir
func InitEventLog(cfg *config.Config) (*logger.EventLog, error) {
	path := cfg.Logging.EventLog
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(cfg.App.WorkDir, path)
	}

	events, err := logger.NewEventLog(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	return events, nil
}

// InitRabbitMQ connects to the broker and declares the full queue topology.
// Every component declares every queue so start-up order does not matter.
func InitRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		Queues:             queue.Queues(),
		QueueType:          cfg.QueueType,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		ConfirmTimeout:     cfg.Publish.ConfirmTimeout,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// InitDatabase initializes the SQL client
func InitDatabase(cfg *config.DatabaseConfig, logger *slog.Logger) (*database.Client, error) {
	dbConfig := &database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return database.NewClient(dbConfig, logger)
}

// InitRedis initializes the Redis client
func InitRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	return redis.NewClient(&redis.Config{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, logger)
}

// Ledger is an opened ledger with its backing store
type Ledger struct {
	ledger.Ledger
	HealthCheck func(ctx context.Context) error
	Close       func() error
}

// InitLedger opens the configured ledger backend, migrating the SQL schema
func InitLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Ledger, error) {
	switch cfg.Writer.Ledger {
	case config.LedgerRedis:
		client, err := InitRedis(&cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
		return &Ledger{
			Ledger:      ledger.NewRedisLedger(client.GetClient(), logger),
			HealthCheck: client.HealthCheck,
			Close:       client.Close,
		}, nil

	default:
		client, err := InitDatabase(&cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		l := ledger.NewSQLLedger(client.GetDB(), logger)
		if err := l.Migrate(ctx); err != nil {
			client.Close()
			return nil, err
		}
		return &Ledger{
			Ledger:      l,
			HealthCheck: client.HealthCheck,
			Close:       client.Close,
		}, nil
	}
}
