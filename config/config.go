package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

// Duration decodes Go duration strings such as "500ms" from the environment.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalEnvironmentValue(data string) error {
	parsed, err := time.ParseDuration(data)
	if err != nil {
		return fmt.Errorf("could not parse duration %q: %w", data, err)
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	SyncDBPath           string    `env:"SYNC_DB_PATH,default=field-sync.db"`
	PgDatabaseUrl        string    `env:"DATABASE_URL"`
	DebounceWindow       *Duration `env:"DEBOUNCE_WINDOW,default=500ms"`
	PullTimeout          *Duration `env:"PULL_TIMEOUT,default=10s"`
	PullInterval         *Duration `env:"PULL_INTERVAL,default=1m"`
	BackoffInitial       *Duration `env:"BACKOFF_INITIAL,default=1s"`
	BackoffMax           *Duration `env:"BACKOFF_MAX,default=1m"`
	ReachabilityAddress  string    `env:"REACHABILITY_ADDRESS,default=1.1.1.1:443"`
	ProbeInterval        *Duration `env:"PROBE_INTERVAL,default=5s"`
	MetricsListenAddress string    `env:"METRICS_LISTEN_ADDRESS,default=127.0.0.1:9464"`
	LogFile              string    `env:"LOG_FILE"`
	AccountKey           string    `env:"ACCOUNT_KEY"`
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Or returns the decoded duration, or def when the variable was never decoded.
func (d *Duration) Or(def time.Duration) time.Duration {
	if d == nil {
		return def
	}
	return d.Duration
}
