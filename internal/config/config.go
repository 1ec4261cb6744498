package config

import (
	"github.com/kelseyhightower/envconfig"
)

var singleConfig *Config = nil

type Config struct {
	Database *dbConfig
	Service  *svcConfig
	Jobs     *jobsConfig
	Stream   *streamConfig
}

type dbConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"pgsql"`
	Hostname string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"orchestrator"`
	User     string `envconfig:"DB_USER" default:"admin"`
	Password string `envconfig:"DB_PASS" default:"adminpass"`
}

type svcConfig struct {
	Address        string `envconfig:"ORCHESTRATOR_ADDRESS" default:":3443"`
	MetricsAddress string `envconfig:"ORCHESTRATOR_METRICS_ADDRESS" default:":8080"`
	BaseUrl        string `envconfig:"ORCHESTRATOR_BASE_URL" default:"https://localhost:3443"`
	LogLevel       string `envconfig:"ORCHESTRATOR_LOG_LEVEL" default:"info"`
}

type jobsConfig struct {
	// RunnerCommand is the executable invoked to run a test suite. The tag
	// under execution is appended as the last argument.
	RunnerCommand string   `envconfig:"JOBS_RUNNER_COMMAND" default:"./run-suite.sh"`
	RunnerArgs    []string `envconfig:"JOBS_RUNNER_ARGS" default:""`
	// MaxConcurrent caps the number of async workers running at once.
	// Zero disables admission control.
	MaxConcurrent  int `envconfig:"JOBS_MAX_CONCURRENT" default:"0"`
	RetentionHours int `envconfig:"JOBS_RETENTION_HOURS" default:"24"`
	SweepMinutes   int `envconfig:"JOBS_SWEEP_MINUTES" default:"60"`
}

type streamConfig struct {
	// ConnectionTimeoutSeconds is the maximum lifetime of an observer
	// connection before it is closed and pruned.
	ConnectionTimeoutSeconds int `envconfig:"STREAM_CONNECTION_TIMEOUT_SECONDS" default:"300"`
	// BufferSize is the per-connection push buffer. A connection whose
	// buffer is full is treated as dead.
	BufferSize int `envconfig:"STREAM_BUFFER_SIZE" default:"64"`
}

func New() (*Config, error) {
	if singleConfig == nil {
		singleConfig = new(Config)
		if err := envconfig.Process("", singleConfig); err != nil {
			return nil, err
		}
	}
	return singleConfig, nil
}

// NewDefault returns a config populated with defaults only, ignoring the
// process environment. Used by tests.
func NewDefault() *Config {
	return &Config{
		Database: &dbConfig{Type: "sqlite", Name: ":memory:"},
		Service:  &svcConfig{Address: "localhost:0", MetricsAddress: "localhost:0", LogLevel: "debug"},
		Jobs:     &jobsConfig{RunnerCommand: "true", RetentionHours: 24, SweepMinutes: 60},
		Stream:   &streamConfig{ConnectionTimeoutSeconds: 300, BufferSize: 64},
	}
}
