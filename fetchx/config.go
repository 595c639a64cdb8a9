package fetchx

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace"

	"dqx0.com/go/fetch/internal/obs"
)

var validate = validator.New()

// ConnectorConfig configures a connection pool.
//
// Limit and LimitPerHost bound concurrent connections globally and per
// pool key; zero means unlimited. Zero-valued timeouts and worker
// settings take the defaults below.
type ConnectorConfig struct {
	Limit          int           `mapstructure:"limit" validate:"gte=0"`
	LimitPerHost   int           `mapstructure:"limit_per_host" validate:"gte=0"`
	MaxIdlePerHost int           `mapstructure:"max_idle_per_host" validate:"gte=0"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`
	ReapInterval   time.Duration `mapstructure:"reap_interval" validate:"gte=0"`
	DNSTTL         time.Duration `mapstructure:"dns_ttl" validate:"gte=0"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout" validate:"gte=0"`

	// Workers size the scheduler's pool for blocking work (DNS).
	Workers     int `mapstructure:"workers" validate:"gte=0"`
	WorkerQueue int `mapstructure:"worker_queue" validate:"gte=0"`

	Resolver  Resolver    `mapstructure:"-"`
	TLSConfig *tls.Config `mapstructure:"-"`
	Logger    obs.Logger  `mapstructure:"-"`
	Metrics   obs.Metrics `mapstructure:"-"`
}

func (c *ConnectorConfig) withDefaults() {
	if c.MaxIdlePerHost == 0 {
		c.MaxIdlePerHost = 8
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = time.Second
	}
	if c.DNSTTL == 0 {
		c.DNSTTL = 5 * time.Minute
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.WorkerQueue == 0 {
		c.WorkerQueue = 16
	}
}

func (c *ConnectorConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("fetchx: invalid connector config: %w", err)
	}
	return nil
}

// SessionConfig configures a Session.
//
// When Connector is nil the session builds and owns one from
// ConnectorConfig and closes it on Session.Close; an injected
// Connector is shared and left open.
type SessionConfig struct {
	Connector       *Connector      `mapstructure:"-"`
	ConnectorConfig ConnectorConfig `mapstructure:"connector"`

	DefaultHeaders map[string]string `mapstructure:"default_headers"`
	UserAgent      string            `mapstructure:"user_agent"`

	Jar *CookieJar `mapstructure:"-"`

	NoFollowRedirects bool          `mapstructure:"no_follow_redirects"`
	MaxRedirects      int           `mapstructure:"max_redirects" validate:"gte=0,lte=50"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" validate:"gte=0"`

	// ThrottleRPS caps outgoing request rate; zero disables.
	ThrottleRPS   int `mapstructure:"throttle_rps" validate:"gte=0"`
	ThrottleBurst int `mapstructure:"throttle_burst" validate:"gte=0"`

	Logger         obs.Logger           `mapstructure:"-"`
	Metrics        obs.Metrics          `mapstructure:"-"`
	TracerProvider trace.TracerProvider `mapstructure:"-"`
}

func (c *SessionConfig) withDefaults() {
	if c.MaxRedirects == 0 {
		c.MaxRedirects = 10
	}
	if c.ThrottleRPS > 0 && c.ThrottleBurst == 0 {
		c.ThrottleBurst = c.ThrottleRPS
	}
}

func (c *SessionConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("fetchx: invalid session config: %w", err)
	}
	return nil
}

// LoadConfig reads a YAML config file from path into T. Environment
// variables override file values.
func LoadConfig[T any](path string, filename string) (*T, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName(filename)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg T
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
