// Package config loads the daemon configuration from an optional YAML file
// plus ALARMWATCH_-prefixed environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the full daemon configuration.
type Config struct {
	Mail    MailConfig    `mapstructure:"mail"`
	Mongo   MongoConfig   `mapstructure:"mongo"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// LoggingConfig is kept for config-file compatibility.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MailConfig describes the monitored mailbox.
type MailConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	Folder      string        `mapstructure:"folder"`
	UseTLS      bool          `mapstructure:"use_tls"`
	ForceIPv4   bool          `mapstructure:"force_ipv4"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// MongoConfig describes the document store holding alarms and the pattern
// catalog.
type MongoConfig struct {
	URI                string        `mapstructure:"uri"`
	Database           string        `mapstructure:"database"`
	AlarmsCollection   string        `mapstructure:"alarms_collection"`
	PatternsCollection string        `mapstructure:"patterns_collection"`
	ConfigCollection   string        `mapstructure:"config_collection"`
	Timeout            time.Duration `mapstructure:"timeout"`
}

// IngestConfig tunes the ingestion pass and connection recovery.
type IngestConfig struct {
	Interval             time.Duration `mapstructure:"interval"`
	Retries              int           `mapstructure:"retries"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	MinReconnectInterval time.Duration `mapstructure:"min_reconnect_interval"`
	ArchiveLagDays       int           `mapstructure:"archive_lag_days"`
	ArchiveRoot          string        `mapstructure:"archive_root"`
	ProcessedLabel       string        `mapstructure:"processed_label"`
	BlacklistLabel       string        `mapstructure:"blacklist_label"`
	// Since restricts the unseen search to messages received on or after
	// this date (2006-01-02). Empty searches all unseen messages.
	Since string `mapstructure:"since"`
}

var (
	mu       sync.RWMutex
	onReload []func(*Config)
)

// Load reads configuration from path (optional; "" uses defaults and
// environment only) and starts watching the file for changes.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ALARMWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if path != "" {
		v.WatchConfig()
		v.OnConfigChange(func(fsnotify.Event) {
			next := &Config{}
			if err := v.Unmarshal(next); err != nil {
				return
			}
			if err := next.Validate(); err != nil {
				return
			}
			notifyReload(next)
		})
	}

	return cfg, nil
}

// OnReload registers a callback invoked with the new configuration after a
// successful file reload. Callbacks run on the watcher goroutine.
func OnReload(cb func(*Config)) {
	mu.Lock()
	defer mu.Unlock()
	onReload = append(onReload, cb)
}

func notifyReload(next *Config) {
	mu.RLock()
	callbacks := append([]func(*Config){}, onReload...)
	mu.RUnlock()
	for _, cb := range callbacks {
		cb(next)
	}
}

func setDefaults(v *viper.Viper) {
	// Empty defaults register the keys so environment overrides reach
	// Unmarshal even without a config file.
	v.SetDefault("mail.host", "")
	v.SetDefault("mail.username", "")
	v.SetDefault("mail.password", "")
	v.SetDefault("mail.port", 143)
	v.SetDefault("mail.folder", "INBOX")
	v.SetDefault("mail.use_tls", false)
	v.SetDefault("mail.force_ipv4", false)
	v.SetDefault("mail.dial_timeout", 5*time.Second)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "preventdb")
	v.SetDefault("mongo.alarms_collection", "alarms")
	v.SetDefault("mongo.patterns_collection", "alarm_patterns")
	v.SetDefault("mongo.config_collection", "configurations")
	v.SetDefault("mongo.timeout", 10*time.Second)

	v.SetDefault("ingest.interval", time.Minute)
	v.SetDefault("ingest.retries", 3)
	v.SetDefault("ingest.backoff_base", 600*time.Millisecond)
	v.SetDefault("ingest.min_reconnect_interval", 5*time.Second)
	v.SetDefault("ingest.archive_lag_days", 5)
	v.SetDefault("ingest.archive_root", "INBOX")
	v.SetDefault("ingest.processed_label", "Procesados")
	v.SetDefault("ingest.blacklist_label", "blacklist")
	v.SetDefault("ingest.since", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks the settings the daemon cannot run without.
func (c *Config) Validate() error {
	if c.Mail.Host == "" {
		return errors.New("mail.host is required")
	}
	if c.Mail.Username == "" || c.Mail.Password == "" {
		return errors.New("mail credentials are required")
	}
	if c.Ingest.Since != "" {
		if _, err := time.Parse("2006-01-02", c.Ingest.Since); err != nil {
			return fmt.Errorf("ingest.since: %w", err)
		}
	}
	return nil
}

// SinceTime returns the parsed search cutoff, zero when unset.
func (c *IngestConfig) SinceTime() time.Time {
	if c.Since == "" {
		return time.Time{}
	}
	t, _ := time.Parse("2006-01-02", c.Since)
	return t
}
