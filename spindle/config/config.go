package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:6555"`
	DBPath     string `env:"DB_PATH, default=spindle.db"`
	Dev        bool   `env:"DEV, default=false"`
	LogLevel   string `env:"LOG_LEVEL, default=info"`
	// QueueSize bounds the runs waiting for a worker.
	QueueSize int `env:"QUEUE_SIZE, default=100"`
	Workers   int `env:"WORKERS, default=2"`
}

type Pipelines struct {
	// Engine is docker or local.
	Engine          string            `env:"ENGINE, default=docker"`
	Nixery          string            `env:"NIXERY, default=nixery.tangled.sh"`
	Images          map[string]string `env:"IMAGES"`
	WorkflowTimeout time.Duration     `env:"WORKFLOW_TIMEOUT, default=20m"`
	GracePeriod     time.Duration     `env:"GRACE_PERIOD, default=30s"`
	Parallelism     int               `env:"PARALLELISM, default=0"`
	LogDir          string            `env:"LOG_DIR, default=/var/log/spindle"`
	TrunkBranch     string            `env:"TRUNK_BRANCH, default=main"`
	// GitHost serves repositories named without a scheme.
	GitHost string `env:"GIT_HOST, default=tangled.sh"`
	// NeedsPolicy is strict or partial.
	NeedsPolicy      string        `env:"NEEDS_POLICY, default=strict"`
	CancelInProgress bool          `env:"CANCEL_IN_PROGRESS, default=true"`
	RetryAttempts    uint          `env:"RETRY_ATTEMPTS, default=3"`
	RetryDelay       time.Duration `env:"RETRY_DELAY, default=2s"`
	OutputTail       int           `env:"OUTPUT_TAIL, default=50"`
}

type Cache struct {
	// Provider is fs or redis.
	Provider  string `env:"PROVIDER, default=fs"`
	Dir       string `env:"DIR, default=/var/lib/spindle/cache"`
	RedisAddr string `env:"REDIS_ADDR, default=localhost:6379"`
}

type Artifacts struct {
	// Provider is fs or s3.
	Provider         string        `env:"PROVIDER, default=fs"`
	Dir              string        `env:"DIR, default=/var/lib/spindle/artifacts"`
	Bucket           string        `env:"BUCKET"`
	Prefix           string        `env:"PREFIX"`
	Endpoint         string        `env:"ENDPOINT"`
	Region           string        `env:"REGION"`
	DefaultRetention time.Duration `env:"DEFAULT_RETENTION, default=720h"`
	PruneInterval    time.Duration `env:"PRUNE_INTERVAL, default=1h"`
}

type Snapshot struct {
	// DifferURL is the snapshot diff service; empty compares digests
	// locally.
	DifferURL string        `env:"DIFFER_URL"`
	Timeout   time.Duration `env:"TIMEOUT, default=2m"`
}

type Secrets struct {
	// Provider is sqlite or vault.
	Provider string      `env:"PROVIDER, default=sqlite"`
	Vault    VaultConfig `env:",prefix=VAULT_"`
}

type VaultConfig struct {
	Addr     string `env:"ADDR"`
	Token    string `env:"TOKEN"`
	RoleID   string `env:"ROLE_ID"`
	SecretID string `env:"SECRET_ID"`
	Mount    string `env:"MOUNT, default=spindle"`
}

type Telemetry struct {
	Enabled bool `env:"ENABLED, default=false"`
	// Exporter is otlp or stdout.
	Exporter       string        `env:"EXPORTER, default=otlp"`
	Endpoint       string        `env:"ENDPOINT"`
	Insecure       bool          `env:"INSECURE, default=false"`
	MetricInterval time.Duration `env:"METRIC_INTERVAL, default=10s"`
}

type Config struct {
	Server    Server    `env:",prefix=SPINDLE_SERVER_"`
	Pipelines Pipelines `env:",prefix=SPINDLE_PIPELINES_"`
	Cache     Cache     `env:",prefix=SPINDLE_CACHE_"`
	Artifacts Artifacts `env:",prefix=SPINDLE_ARTIFACTS_"`
	Snapshot  Snapshot  `env:",prefix=SPINDLE_SNAPSHOT_"`
	Secrets   Secrets   `env:",prefix=SPINDLE_SECRETS_"`
	Telemetry Telemetry `env:",prefix=SPINDLE_TELEMETRY_"`
}

func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	})
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
