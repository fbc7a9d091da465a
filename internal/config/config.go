// Package config loads service settings from flags, CONSENT_* environment
// variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment key: grpc.addr -> CONSENT_GRPC_ADDR.
const EnvPrefix = "CONSENT"

// Config is the full runtime configuration of consent-server.
type Config struct {
	File string `mapstructure:"config"`
	Dev  bool   `mapstructure:"dev"`
	DSN  string `mapstructure:"dsn"`

	GRPC struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"grpc"`
	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`
	DB struct {
		MaxConns int32 `mapstructure:"max_conns"`
	} `mapstructure:"db"`
	JWT struct {
		Key string `mapstructure:"key"`
	} `mapstructure:"jwt"`
	TLS struct {
		Cert string `mapstructure:"cert"`
		Key  string `mapstructure:"key"`
	} `mapstructure:"tls"`

	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Callback CallbackConfig `mapstructure:"callback"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Alert    AlertConfig    `mapstructure:"alert"`
}

// GatewayConfig configures the outbound gateway client.
type GatewayConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	ClientID        string        `mapstructure:"client_id"`
	ClientSecret    string        `mapstructure:"client_secret"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxAttempts     uint64        `mapstructure:"max_attempts"`
	TokenSkew       time.Duration `mapstructure:"token_skew"`
	InitIdempotency bool          `mapstructure:"init_idempotency"`
}

// CallbackConfig configures the inbound callback endpoint.
type CallbackConfig struct {
	Secret      string        `mapstructure:"secret"`
	MaxFailures int           `mapstructure:"max_failures"`
	Window      time.Duration `mapstructure:"window"`
	Lockout     time.Duration `mapstructure:"lockout"`
}

// SweepConfig configures the expiry sweeper.
type SweepConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Batch    int           `mapstructure:"batch"`
}

// AlertConfig configures operational alerts. Without brokers alerts are logged.
type AlertConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type setting struct {
	key   string
	def   any
	usage string
}

var settings = []setting{
	{"config", "", "optional config file (yaml, json, toml)"},
	{"dev", false, "development mode: plaintext gRPC allowed, reflection enabled"},
	{"dsn", "", "PostgreSQL DSN"},
	{"grpc.addr", ":8443", "gRPC listen address"},
	{"http.addr", ":8080", "callback HTTP listen address"},
	{"db.max_conns", 10, "max pooled connections"},
	{"jwt.key", "", "HS256 key for caller tokens"},
	{"tls.cert", "", "TLS certificate (PEM)"},
	{"tls.key", "", "TLS private key (PEM)"},
	{"gateway.base_url", "", "gateway base URL"},
	{"gateway.client_id", "", "gateway client id"},
	{"gateway.client_secret", "", "gateway client secret"},
	{"gateway.timeout", 10 * time.Second, "per-call gateway timeout"},
	{"gateway.max_attempts", 3, "attempts for retryable gateway calls"},
	{"gateway.token_skew", 30 * time.Second, "refresh gateway token this long before expiry"},
	{"gateway.init_idempotency", true, "send Idempotency-Key on init and allow retries"},
	{"callback.secret", "", "shared HMAC secret for callback signatures"},
	{"callback.max_failures", 5, "signature failures before a source is locked out"},
	{"callback.window", 15 * time.Minute, "window in which signature failures are counted"},
	{"callback.lockout", 15 * time.Minute, "how long a locked out source stays blocked"},
	{"sweep.interval", time.Minute, "expiry sweep interval"},
	{"sweep.batch", 100, "max requests per sweep query"},
	{"alert.brokers", []string{}, "kafka brokers for alerts"},
	{"alert.topic", "consent-alerts", "kafka topic for alerts"},
}

// flagName turns a dotted key into a flag name: gateway.base_url -> gateway-base-url.
func flagName(key string) string {
	return strings.NewReplacer(".", "-", "_", "-").Replace(key)
}

// RegisterFlags adds one flag per setting to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	for _, s := range settings {
		name := flagName(s.key)
		switch d := s.def.(type) {
		case string:
			fs.String(name, d, s.usage)
		case bool:
			fs.Bool(name, d, s.usage)
		case int:
			fs.Int(name, d, s.usage)
		case time.Duration:
			fs.Duration(name, d, s.usage)
		case []string:
			fs.StringSlice(name, d, s.usage)
		}
	}
}

// Load resolves settings with precedence flag > env > file > default.
// fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, s := range settings {
		v.SetDefault(s.key, s.def)
		if fs == nil {
			continue
		}
		if f := fs.Lookup(flagName(s.key)); f != nil {
			if err := v.BindPFlag(s.key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", f.Name, err)
			}
		}
	}

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// CONSENT_ALERT_BROKERS=a:9092,b:9092 arrives as a single element.
	if len(cfg.Alert.Brokers) == 1 && strings.Contains(cfg.Alert.Brokers[0], ",") {
		cfg.Alert.Brokers = strings.Split(cfg.Alert.Brokers[0], ",")
	}
	return cfg, nil
}

// Validate reports every missing or invalid setting at once.
func (c *Config) Validate() error {
	var problems []error
	required := map[string]string{
		"dsn":                   c.DSN,
		"jwt.key":               c.JWT.Key,
		"gateway.base_url":      c.Gateway.BaseURL,
		"gateway.client_id":     c.Gateway.ClientID,
		"gateway.client_secret": c.Gateway.ClientSecret,
		"callback.secret":       c.Callback.Secret,
	}
	for _, s := range settings {
		if val, ok := required[s.key]; ok && strings.TrimSpace(val) == "" {
			problems = append(problems, fmt.Errorf("%s is required", s.key))
		}
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		problems = append(problems, errors.New("tls.cert and tls.key must be set together"))
	}
	if c.TLS.Cert == "" && !c.Dev {
		problems = append(problems, errors.New("tls.cert and tls.key are required outside dev mode"))
	}
	if c.Sweep.Interval <= 0 {
		problems = append(problems, errors.New("sweep.interval must be positive"))
	}
	if c.Sweep.Batch <= 0 {
		problems = append(problems, errors.New("sweep.batch must be positive"))
	}
	if c.Callback.MaxFailures <= 0 {
		problems = append(problems, errors.New("callback.max_failures must be positive"))
	}
	if c.Callback.Window <= 0 {
		problems = append(problems, errors.New("callback.window must be positive"))
	}
	if c.Callback.Lockout <= 0 {
		problems = append(problems, errors.New("callback.lockout must be positive"))
	}
	if len(c.Alert.Brokers) > 0 && c.Alert.Topic == "" {
		problems = append(problems, errors.New("alert.topic is required with alert.brokers"))
	}
	return errors.Join(problems...)
}

// Plaintext reports whether gRPC should run without TLS.
func (c *Config) Plaintext() bool {
	return c.Dev && c.TLS.Cert == ""
}
