package config

import (
	"fmt"
	"log"
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
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	IMAP     IMAPConfig     `mapstructure:"imap"`
	Rules    RulesConfig    `mapstructure:"rules"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Server   ServerConfig   `mapstructure:"server"`
	Cache    CacheConfig    `mapstructure:"cache"`
}

type MonitorConfig struct {
	Enabled             bool `mapstructure:"enabled"`
	PollIntervalSeconds int  `mapstructure:"poll_interval_seconds"`
	MaxSessionErrors    int  `mapstructure:"max_session_errors"`
}

type IMAPConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	Folder      string        `mapstructure:"folder"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type RulesConfig struct {
	Patterns     string `mapstructure:"patterns"`
	DefaultRoute string `mapstructure:"default_route"`
	File         string `mapstructure:"file"`
}

type DeliveryConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

type CacheConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.poll_interval_seconds", 60)
	v.SetDefault("monitor.max_session_errors", 3)

	v.SetDefault("imap.host", "imap.gmail.com")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.username", "")
	v.SetDefault("imap.password", "")
	v.SetDefault("imap.folder", "INBOX")
	v.SetDefault("imap.dial_timeout", 10*time.Second)

	v.SetDefault("rules.patterns", "alerts@")
	v.SetDefault("rules.default_route", "/commute_alert")
	v.SetDefault("rules.file", "")

	v.SetDefault("delivery.base_url", "http://localhost:8000")
	v.SetDefault("delivery.token", "")
	v.SetDefault("delivery.timeout", 10*time.Second)

	v.SetDefault("storage.path", "storage")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.key_prefix", "mailsink:")
	v.SetDefault("cache.ttl", 10*time.Minute)
}

// Load initializes the configuration with hot reload support. The
// mailsink.yaml file is optional; defaults plus MAILSINK_* environment
// variables are enough to run.
func Load(configPath string) error {
	var err error
	once.Do(func() {
		v := viper.New()
		setDefaults(v)

		v.SetConfigName("mailsink")
		v.SetConfigType("yaml")
		if configPath != "" {
			v.AddConfigPath(configPath)
		}
		v.AddConfigPath(".")

		fileLoaded := true
		if err = v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				err = fmt.Errorf("failed to read config: %w", err)
				return
			}
			// No config file is fine; run on defaults and env.
			err = nil
			fileLoaded = false
		}

		// Environment variable overrides
		v.SetEnvPrefix("MAILSINK")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		cfg = &Config{}
		if err = v.Unmarshal(cfg); err != nil {
			err = fmt.Errorf("failed to unmarshal config: %w", err)
			return
		}

		// Watch for config changes. Running components keep the
		// dependencies they were constructed with; a reload only
		// refreshes the snapshot behind Get.
		if fileLoaded {
			v.WatchConfig()
			v.OnConfigChange(func(e fsnotify.Event) {
				log.Printf("config: file changed: %s", e.Name)
				newCfg := &Config{}
				if err := v.Unmarshal(newCfg); err != nil {
					log.Printf("config: reload failed: %v", err)
					return
				}

				mu.Lock()
				cfg = newCfg
				mu.Unlock()
				log.Printf("config: reloaded")
			})
		}
	})

	return err
}

// Get returns the current configuration (thread-safe)
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Validate checks the invariants the poll loop depends on. Rule table
// emptiness surfaces separately from the rules loader.
func (c *Config) Validate() error {
	if !c.Monitor.Enabled {
		return nil
	}
	if c.IMAP.Username == "" || c.IMAP.Password == "" {
		return fmt.Errorf("monitor enabled but imap.username/imap.password not set")
	}
	if c.Delivery.BaseURL == "" {
		return fmt.Errorf("monitor enabled but delivery.base_url not set")
	}
	if c.Monitor.PollIntervalSeconds <= 0 {
		return fmt.Errorf("monitor.poll_interval_seconds must be positive, got %d", c.Monitor.PollIntervalSeconds)
	}
	return nil
}

// PollInterval returns the poll tick period.
func (c *MonitorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// GetIMAPAddr returns the IMAP server address
func (c *IMAPConfig) GetIMAPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetServerAddr returns the server listen address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadFromFile loads configuration from a specific file (useful for testing)
func LoadFromFile(configFile string) error {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvPrefix("MAILSINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	mu.Lock()
	defer mu.Unlock()

	cfg = &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return nil
}

// MustLoad loads configuration and panics on error
func MustLoad(configPath string) {
	if err := Load(configPath); err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
}
