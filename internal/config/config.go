package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuongbtq/lara-orchestrator/internal/queue"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Components validated by Validate
const (
	ComponentGateway = "gateway"
	ComponentWorker  = "worker"
	ComponentWriter  = "writer"
)

// Gateway modes
const (
	ModeHost    = "host"
	ModeProcess = "process"
)

// Ledger backends
const (
	LedgerSQL   = "sql"
	LedgerRedis = "redis"
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Logging   LoggingConfig   `yaml:"logging"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Server    ServerConfig    `yaml:"server"`
	Health    HealthConfig    `yaml:"health"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Inference InferenceConfig `yaml:"inference"`
	Worker    WorkerConfig    `yaml:"worker"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Writer    WriterConfig    `yaml:"writer"`
	CDR       CDRConfig       `yaml:"cdr"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	WorkDir     string `yaml:"work_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	// EventLog is the JSON-lines file for received events and processed
	// results; empty disables it
	EventLog string `yaml:"event_log"`
}

// RabbitMQConfig holds RabbitMQ connection configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	QueueType  string           `yaml:"queue_type"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	ConfirmTimeout    time.Duration `yaml:"confirm_timeout"`
}

// ServerConfig holds the gateway HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// HealthConfig holds the worker/writer liveness server configuration
type HealthConfig struct {
	Port int `yaml:"port"`
}

// DatabaseConfig holds SQL connection configuration for the ledger and job
// store
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// Enabled reports whether a database is configured
func (d *DatabaseConfig) Enabled() bool {
	return d.Driver != ""
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ArtifactsConfig holds input image settings
type ArtifactsConfig struct {
	ImageDir        string        `yaml:"image_dir"`
	Prefetch        bool          `yaml:"prefetch"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	// COGURLTemplate maps an image id to its URL; {id} is replaced
	COGURLTemplate string `yaml:"cog_url_template"`
}

// InferenceConfig holds the model server endpoints
type InferenceConfig struct {
	URL     string            `yaml:"url"`
	URLs    map[string]string `yaml:"urls"`
	Timeout time.Duration     `yaml:"timeout"`
}

// URLFor returns the model server of a stage, falling back to URL
func (i *InferenceConfig) URLFor(stage queue.Stage) string {
	if u, ok := i.URLs[stage.String()]; ok && u != "" {
		return u
	}
	return i.URL
}

// WorkerConfig holds stage worker configuration
type WorkerConfig struct {
	Stage string `yaml:"stage"`
	// Concurrency is the number of in-flight tasks and the prefetch count
	Concurrency int `yaml:"concurrency"`
	// Accelerators caps in-flight tasks to one per unit when > 0
	Accelerators    int           `yaml:"accelerators"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// GatewayConfig holds job gateway configuration
type GatewayConfig struct {
	Mode string `yaml:"mode"`
	// Stages requested for each id in process mode
	Stages    []string `yaml:"stages"`
	RateLimit float64  `yaml:"rate_limit"`
	RateBurst int      `yaml:"rate_burst"`
	TrackJobs bool     `yaml:"track_jobs"`
}

// WriterConfig holds result writer configuration
type WriterConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	PushAttempts   int           `yaml:"push_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	ClaimTTL       time.Duration `yaml:"claim_ttl"`
	RequeueDelay   time.Duration `yaml:"requeue_delay"`
	Ledger         string        `yaml:"ledger"`
	// OutputDir switches the sink from the system-of-record to local files
	OutputDir string   `yaml:"output_dir"`
	Chain     []string `yaml:"chain"`
}

// CDRConfig holds system-of-record client configuration
type CDRConfig struct {
	Host           string        `yaml:"host"`
	Token          string        `yaml:"token"`
	SystemName     string        `yaml:"system_name"`
	SystemVersion  string        `yaml:"system_version"`
	CallbackSecret string        `yaml:"callback_secret"`
	CallbackURL    string        `yaml:"callback_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Load reads the configuration file, expands ${VAR} references from the
// environment and applies defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	setString(&c.App.WorkDir, ".")
	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "console")
	setString(&c.Logging.Output, "stdout")

	setString(&c.RabbitMQ.VHost, "/")
	setString(&c.RabbitMQ.QueueType, queue.QueueTypeQuorum)
	setInt(&c.RabbitMQ.Port, 5672)
	setInt(&c.RabbitMQ.Connection.RetryAttempts, 5)
	setDuration(&c.RabbitMQ.Connection.RetryInterval, 2*time.Second)
	setDuration(&c.RabbitMQ.Connection.Heartbeat, 10*time.Second)
	setDuration(&c.RabbitMQ.Connection.ConnectionTimeout, 30*time.Second)
	setInt(&c.RabbitMQ.Publish.RetryAttempts, 3)
	setDuration(&c.RabbitMQ.Publish.RetryInterval, time.Second)
	setDuration(&c.RabbitMQ.Publish.ConfirmTimeout, 5*time.Second)
	if c.RabbitMQ.Publish.BackoffMultiplier == 0 {
		c.RabbitMQ.Publish.BackoffMultiplier = 2.0
	}

	setInt(&c.Server.Port, 8080)
	setDuration(&c.Server.ReadTimeout, 15*time.Second)
	setDuration(&c.Server.WriteTimeout, 15*time.Second)
	setDuration(&c.Server.IdleTimeout, 60*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 30*time.Second)
	setInt(&c.Health.Port, 8081)

	setString(&c.Database.SSLMode, "disable")
	setInt(&c.Redis.PoolSize, 10)

	setString(&c.Artifacts.ImageDir, "images")
	setString(&c.Artifacts.COGURLTemplate, "https://s3.amazonaws.com/public.cdr.land/cogs/{id}.cog.tif")
	setDuration(&c.Artifacts.DownloadTimeout, 5*time.Minute)
	setDuration(&c.Inference.Timeout, 10*time.Minute)

	setInt(&c.Worker.Concurrency, 1)
	setInt(&c.Worker.MaxAttempts, 3)
	setDuration(&c.Worker.RetryDelay, 5*time.Second)
	setDuration(&c.Worker.TaskTimeout, 30*time.Minute)
	setDuration(&c.Worker.ShutdownTimeout, 30*time.Second)

	setString(&c.Gateway.Mode, ModeHost)
	if len(c.Gateway.Stages) == 0 {
		c.Gateway.Stages = queue.Names(queue.DefaultStages())
	}

	setInt(&c.Writer.Concurrency, 4)
	setInt(&c.Writer.PushAttempts, 5)
	setDuration(&c.Writer.InitialBackoff, 500*time.Millisecond)
	setDuration(&c.Writer.MaxBackoff, 30*time.Second)
	setDuration(&c.Writer.ClaimTTL, 5*time.Minute)
	setDuration(&c.Writer.RequeueDelay, 5*time.Second)
	setString(&c.Writer.Ledger, LedgerSQL)

	setString(&c.CDR.SystemName, "uncharted")
	setString(&c.CDR.SystemVersion, "0.0.1")
	setDuration(&c.CDR.RequestTimeout, 60*time.Second)
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}

// Validate checks the sections the given component needs
func (c *Config) Validate(component string) error {
	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	switch component {
	case ComponentGateway:
		return c.ValidateGatewayConfig()
	case ComponentWorker:
		return c.ValidateWorkerConfig()
	case ComponentWriter:
		return c.ValidateWriterConfig()
	default:
		return fmt.Errorf("unknown component %q", component)
	}
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if err := validatePort("rabbitmq", c.RabbitMQ.Port); err != nil {
		return err
	}

	switch c.RabbitMQ.QueueType {
	case "quorum", "classic":
	default:
		return fmt.Errorf("invalid rabbitmq queue_type %q (must be quorum or classic)", c.RabbitMQ.QueueType)
	}

	return nil
}

// ValidateGatewayConfig checks the gateway sections
func (c *Config) ValidateGatewayConfig() error {
	switch c.Gateway.Mode {
	case ModeHost:
		if err := validatePort("server", c.Server.Port); err != nil {
			return err
		}
	case ModeProcess:
		if _, err := queue.ParseStages(c.Gateway.Stages); err != nil {
			return fmt.Errorf("invalid gateway stages: %w", err)
		}
	default:
		return fmt.Errorf("invalid gateway mode %q (must be host or process)", c.Gateway.Mode)
	}

	if c.Gateway.RateLimit < 0 {
		return fmt.Errorf("gateway rate_limit must not be negative")
	}

	if c.Gateway.TrackJobs {
		if err := c.validateDatabase(); err != nil {
			return err
		}
	}

	return nil
}

// ValidateWorkerConfig checks the worker sections
func (c *Config) ValidateWorkerConfig() error {
	stage, err := queue.ParseStage(c.Worker.Stage)
	if err != nil {
		return fmt.Errorf("invalid worker stage: %w", err)
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.Accelerators < 0 {
		return fmt.Errorf("worker accelerators must not be negative")
	}

	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker max_attempts must be greater than 0")
	}

	if c.Worker.TaskTimeout <= 0 {
		return fmt.Errorf("worker task_timeout must be greater than 0")
	}

	if c.Inference.URLFor(stage) == "" {
		return fmt.Errorf("inference url for stage %s is required", stage)
	}

	return validatePort("health", c.Health.Port)
}

// ValidateWriterConfig checks the writer sections
func (c *Config) ValidateWriterConfig() error {
	if c.Writer.Concurrency <= 0 {
		return fmt.Errorf("writer concurrency must be greater than 0")
	}

	if c.Writer.PushAttempts <= 0 {
		return fmt.Errorf("writer push_attempts must be greater than 0")
	}

	if c.Writer.ClaimTTL <= 0 {
		return fmt.Errorf("writer claim_ttl must be greater than 0")
	}

	switch c.Writer.Ledger {
	case LedgerSQL:
		if err := c.validateDatabase(); err != nil {
			return err
		}
	case LedgerRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the redis ledger")
		}
	default:
		return fmt.Errorf("invalid writer ledger %q (must be sql or redis)", c.Writer.Ledger)
	}

	if c.Writer.OutputDir == "" {
		if c.CDR.Host == "" {
			return fmt.Errorf("cdr host is required unless writer output_dir is set")
		}
		if c.CDR.Token == "" {
			return fmt.Errorf("cdr token is required unless writer output_dir is set")
		}
	}

	if len(c.Writer.Chain) > 0 && !(len(c.Writer.Chain) == 1 && c.Writer.Chain[0] == "default") {
		if _, err := queue.ParseStages(c.Writer.Chain); err != nil {
			return fmt.Errorf("invalid writer chain: %w", err)
		}
	}

	return validatePort("health", c.Health.Port)
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if err := validatePort("database", c.Database.Port); err != nil {
			return err
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case "sqlite3":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite3")
		}
	default:
		return fmt.Errorf("invalid database driver %q (must be postgres or sqlite3)", c.Database.Driver)
	}
	return nil
}

func validatePort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", name, port, MinPort, MaxPort)
	}
	return nil
}
