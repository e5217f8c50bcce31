package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
)

// Config represents the application configuration
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	IMAP     IMAPConfig     `mapstructure:"imap"`
	Crypto   CryptoConfig   `mapstructure:"crypto"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Sync     SyncConfig     `mapstructure:"sync"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Env         string `mapstructure:"env"`
	Debug       bool   `mapstructure:"debug"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	FlagTTL      time.Duration `mapstructure:"flag_ttl"`
	FilterTTL    time.Duration `mapstructure:"filter_ttl"`
}

// IMAPConfig carries every timeout of the watcher state machine.
type IMAPConfig struct {
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	IdleCeiling    time.Duration `mapstructure:"idle_ceiling"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

type CryptoConfig struct {
	// Key is the base64-encoded 32-byte AES key used for mailbox
	// credentials.
	Key string `mapstructure:"key"`
}

type NotifyConfig struct {
	BodyLimit   int `mapstructure:"body_limit"`
	RenderWidth int `mapstructure:"render_width"`
	// RendererURL and SenderURL point at the external rendering and
	// delivery services. Empty values fall back to log-only delivery.
	RendererURL string `mapstructure:"renderer_url"`
	SenderURL   string `mapstructure:"sender_url"`
}

type SyncConfig struct {
	// Schedule is a robfig/cron spec, e.g. "@every 1m".
	Schedule string `mapstructure:"schedule"`
}

// Load initializes the configuration with hot reload support
func Load(configPath string) error {
	var err error
	once.Do(func() {
		v := viper.New()
		v.SetConfigType("yaml")
		v.SetConfigName("config")
		v.AddConfigPath(configPath)
		setDefaults(v)

		if readErr := v.ReadInConfig(); readErr != nil {
			// Config file is optional; environment variables and
			// defaults still apply.
			if _, ok := readErr.(viper.ConfigFileNotFoundError); !ok {
				err = fmt.Errorf("failed to read config: %w", readErr)
				return
			}
		}

		v.SetEnvPrefix("MAILGRAM")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		cfg = &Config{}
		if err = v.Unmarshal(cfg); err != nil {
			err = fmt.Errorf("failed to unmarshal config: %w", err)
			return
		}

		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			mu.Lock()
			defer mu.Unlock()

			newCfg := &Config{}
			if err := v.Unmarshal(newCfg); err != nil {
				fmt.Printf("Failed to reload config: %v\n", err)
				return
			}
			cfg = newCfg
		})
	})

	return err
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "mailgram")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.metrics_addr", ":9090")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "mailgram")
	v.SetDefault("database.user", "mailgram")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.key_prefix", "mailgram:")
	v.SetDefault("redis.flag_ttl", time.Duration(0))
	v.SetDefault("redis.filter_ttl", time.Hour)

	v.SetDefault("imap.dial_timeout", 60*time.Second)
	v.SetDefault("imap.idle_timeout", 59*time.Second)
	v.SetDefault("imap.idle_ceiling", 300*time.Second)
	v.SetDefault("imap.reconnect_delay", 10*time.Second)
	v.SetDefault("imap.max_retries", 5)

	v.SetDefault("notify.body_limit", 500)
	v.SetDefault("notify.render_width", 1920)

	v.SetDefault("sync.schedule", "@every 1m")
}

// Get returns the current configuration (thread-safe)
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis server address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadFromFile loads configuration from a specific file (useful for testing)
func LoadFromFile(configFile string) error {
	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()

	cfg = &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return nil
}
