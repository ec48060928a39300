// Package config holds the event bus configuration and loads it from files and
// the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables that override file values
const EnvPrefix = "EVENTBUS"

// Queue types understood by the broker
const (
	QueueTypeClassic = "classic"
	QueueTypeQuorum  = "quorum"
)

var (
	// ErrInvalidConfig is returned by Validate for unusable settings
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config describes the broker endpoint, topology and retry policy of one bus instance
type Config struct {
	// Consumer names the durable queue this service consumes from
	Consumer string `mapstructure:"consumer"`
	// Exchange is the durable topic exchange events are published to
	Exchange string `mapstructure:"exchange"`
	Hostname string `mapstructure:"hostname"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Vhost    string `mapstructure:"vhost"`

	// QueueType selects classic or quorum consumer queues. Quorum queues report
	// delivery counts through the x-delivery-count header.
	QueueType string `mapstructure:"queueType"`
	// DeadLetterExchange receives messages rejected without requeue
	DeadLetterExchange string `mapstructure:"deadLetterExchange"`
	// Prefetch limits unacknowledged deliveries per channel, 0 means unlimited
	Prefetch          int  `mapstructure:"prefetch"`
	PublisherConfirms bool `mapstructure:"publisherConfirms"`

	RetryBaseDelay     time.Duration `mapstructure:"retryBaseDelay"`
	ReconnectCooldown  time.Duration `mapstructure:"reconnectCooldown"`
	MaxConnectRetries  int           `mapstructure:"maxConnectRetries"`
	MaxPublishAttempts int           `mapstructure:"maxPublishAttempts"`
	ConfirmTimeout     time.Duration `mapstructure:"confirmTimeout"`
	DialTimeout        time.Duration `mapstructure:"dialTimeout"`
	AttemptCacheSize   int           `mapstructure:"attemptCacheSize"`
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	return Config{
		Consumer:           "Example",
		Exchange:           "example.event_bus",
		Hostname:           "localhost",
		Port:               5672,
		Username:           "guest",
		Password:           "guest",
		QueueType:          QueueTypeClassic,
		PublisherConfirms:  true,
		RetryBaseDelay:     time.Second,
		ReconnectCooldown:  60 * time.Second,
		MaxConnectRetries:  5,
		MaxPublishAttempts: 5,
		ConfirmTimeout:     5 * time.Second,
		DialTimeout:        30 * time.Second,
		AttemptCacheSize:   4096,
	}
}

// SetDefaults registers Default() on v so file and env values layer over it
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("consumer", d.Consumer)
	v.SetDefault("exchange", d.Exchange)
	v.SetDefault("hostname", d.Hostname)
	v.SetDefault("port", d.Port)
	v.SetDefault("username", d.Username)
	v.SetDefault("password", d.Password)
	v.SetDefault("vhost", d.Vhost)
	v.SetDefault("queueType", d.QueueType)
	v.SetDefault("deadLetterExchange", d.DeadLetterExchange)
	v.SetDefault("prefetch", d.Prefetch)
	v.SetDefault("publisherConfirms", d.PublisherConfirms)
	v.SetDefault("retryBaseDelay", d.RetryBaseDelay)
	v.SetDefault("reconnectCooldown", d.ReconnectCooldown)
	v.SetDefault("maxConnectRetries", d.MaxConnectRetries)
	v.SetDefault("maxPublishAttempts", d.MaxPublishAttempts)
	v.SetDefault("confirmTimeout", d.ConfirmTimeout)
	v.SetDefault("dialTimeout", d.DialTimeout)
	v.SetDefault("attemptCacheSize", d.AttemptCacheSize)
}

// Load reads the config file at path (any format viper understands) and applies
// EVENTBUS_* environment overrides. An empty path loads defaults and env only.
func Load(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes a Config from v after registering defaults and env bindings
func FromViper(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: failed to decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings the bus cannot work with
func (c Config) Validate() error {
	switch {
	case c.Consumer == "":
		return fmt.Errorf("%w: consumer is required", ErrInvalidConfig)
	case c.Exchange == "":
		return fmt.Errorf("%w: exchange is required", ErrInvalidConfig)
	case c.Hostname == "":
		return fmt.Errorf("%w: hostname is required", ErrInvalidConfig)
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	case c.QueueType != "" && c.QueueType != QueueTypeClassic && c.QueueType != QueueTypeQuorum:
		return fmt.Errorf("%w: unknown queue type %q", ErrInvalidConfig, c.QueueType)
	case c.MaxConnectRetries < 0:
		return fmt.Errorf("%w: maxConnectRetries must not be negative", ErrInvalidConfig)
	case c.MaxPublishAttempts < 1:
		return fmt.Errorf("%w: maxPublishAttempts must be at least 1", ErrInvalidConfig)
	case c.RetryBaseDelay < 0 || c.ReconnectCooldown < 0:
		return fmt.Errorf("%w: delays must not be negative", ErrInvalidConfig)
	case c.ConfirmTimeout <= 0:
		return fmt.Errorf("%w: confirmTimeout must be positive", ErrInvalidConfig)
	case c.AttemptCacheSize < 1:
		return fmt.Errorf("%w: attemptCacheSize must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// URL builds the AMQP connection URL
func (c Config) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   c.Hostname + ":" + strconv.Itoa(c.Port),
		Path:   "/" + c.Vhost,
	}
	return u.String()
}

// Redacted returns the connection URL with the password masked
func (c Config) Redacted() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.Username, "xxxxx"),
		Host:   c.Hostname + ":" + strconv.Itoa(c.Port),
		Path:   "/" + c.Vhost,
	}
	return u.String()
}
