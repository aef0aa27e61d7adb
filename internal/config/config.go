// Package config loads application configuration from an optional YAML file
// and NIMLYKODER_ environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/FredrikElliot/ha-nimly-manager/internal/adapter/driven/lock"
	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/model"
	"github.com/FredrikElliot/ha-nimly-manager/internal/treemerge"
)

const (
	envPrefix  = "NIMLYKODER"
	configName = "nimlykoder"

	AdapterMQTT   = "mqtt"
	AdapterMemory = "memory"
)

// ErrNoConfigFile is returned by Watch when Load found no file to watch.
var ErrNoConfigFile = errors.New("no config file in use")

// Config holds the application configuration.
type Config struct {
	ListenAddr string       `mapstructure:"listen_addr"`
	DBPath     string       `mapstructure:"db_path"`
	LogLevel   string       `mapstructure:"log_level"`
	LogFormat  string       `mapstructure:"log_format"`
	Lock       LockConfig   `mapstructure:"lock"`
	MQTT       MQTTConfig   `mapstructure:"mqtt"`
	Expiry     ExpiryConfig `mapstructure:"expiry"`

	cleanupTime model.TimeOfDay
}

// LockConfig selects the lock model and adapter and bounds hardware commands.
type LockConfig struct {
	Model         string        `mapstructure:"model"`
	Adapter       string        `mapstructure:"adapter"`
	Capacity      int           `mapstructure:"capacity"`
	PINLength     int           `mapstructure:"pin_length"`
	ReservedSlots []int         `mapstructure:"reserved_slots"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Attempts      int           `mapstructure:"attempts"`
	Backoff       time.Duration `mapstructure:"backoff"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
}

// MQTTConfig addresses the Zigbee2MQTT bridge.
type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	QoS      int    `mapstructure:"qos"`
}

// ExpiryConfig controls the nightly sweep.
type ExpiryConfig struct {
	AutoExpire  bool   `mapstructure:"auto_expire"`
	CleanupTime string `mapstructure:"cleanup_time"`
}

// baseDefaults is the default tree every lock profile is layered on.
func baseDefaults() map[string]any {
	return map[string]any{
		"listen_addr": "127.0.0.1:8080",
		"db_path":     "nimlykoder.db",
		"log_level":   "info",
		"log_format":  "text",
		"lock": map[string]any{
			"model":          "nimly",
			"adapter":        AdapterMQTT,
			"capacity":       100,
			"pin_length":     6,
			"reserved_slots": []int{},
			"timeout":        "5s",
			"attempts":       3,
			"backoff":        "500ms",
			"max_backoff":    "4s",
		},
		"mqtt": map[string]any{
			"broker":    "tcp://localhost:1883",
			"topic":     "zigbee2mqtt/nimly_lock",
			"client_id": "nimlykoder",
			"username":  "",
			"password":  "",
			"qos":       1,
		},
		"expiry": map[string]any{
			"auto_expire":  true,
			"cleanup_time": "03:00:00",
		},
	}
}

// lockProfiles holds the hardware defaults of each supported lock model.
// Explicit file or environment values still win over a profile.
var lockProfiles = map[string]map[string]any{
	"nimly": {
		"lock": map[string]any{"capacity": 100, "pin_length": 6},
	},
	"generic": {
		"lock": map[string]any{"capacity": 20, "pin_length": 4},
		"mqtt": map[string]any{"topic": "zigbee2mqtt/lock"},
	},
}

// Loader reads the configuration and watches the config file for changes.
type Loader struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	file string
}

// NewLoader creates a Loader. An empty path searches for nimlykoder.yaml in
// the working directory and /etc/nimlykoder; a missing file is not an error.
// A nil logger logs reloads to slog.Default at the time of the reload.
func NewLoader(path string, logger *slog.Logger) *Loader {
	return &Loader{path: path, logger: logger}
}

// Load reads the file and environment and returns a validated Config.
// Precedence, highest first: environment, file, lock profile, base defaults.
func (l *Loader) Load() (*Config, error) {
	cfg, file, err := l.read()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.file = file
	l.mu.Unlock()

	return cfg, nil
}

// Watch calls onChange with the freshly loaded Config whenever the config file
// changes. A change that fails validation is logged and skipped, so the last
// good configuration stays in effect.
func (l *Loader) Watch(onChange func(*Config)) error {
	l.mu.Lock()
	file := l.file
	l.mu.Unlock()
	if file == "" {
		return ErrNoConfigFile
	}

	v := viper.New()
	v.SetConfigFile(file)
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, _, err := l.read()
		if err != nil {
			l.log().Warn("config reload rejected", "file", e.Name, "error", err)
			return
		}
		l.log().Info("config reloaded", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()

	return nil
}

func (l *Loader) log() *slog.Logger {
	if l.logger == nil {
		return slog.Default()
	}
	return l.logger
}

func (l *Loader) read() (*Config, string, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if l.path != "" {
		v.SetConfigFile(l.path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/nimlykoder")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Base defaults first so lock.model resolves from file, env or default.
	setDefaults(v, baseDefaults())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("read config: %w", err)
		}
	}

	modelName := v.GetString("lock.model")
	profile, ok := lockProfiles[modelName]
	if !ok {
		return nil, "", fmt.Errorf("lock.model %q is not supported (known: %s)",
			modelName, strings.Join(knownModels(), ", "))
	}
	setDefaults(v, treemerge.Merge(baseDefaults(), profile))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, "", err
	}

	return &cfg, v.ConfigFileUsed(), nil
}

func setDefaults(v *viper.Viper, tree map[string]any) {
	for key, value := range treemerge.Flatten(tree) {
		v.SetDefault(key, value)
	}
}

func knownModels() []string {
	names := make([]string, 0, len(lockProfiles))
	for name := range lockProfiles {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr must not be empty")
	}
	if c.DBPath == "" {
		return errors.New("db_path must not be empty")
	}

	switch c.Lock.Adapter {
	case AdapterMQTT, AdapterMemory:
	default:
		return fmt.Errorf("lock.adapter %q must be %q or %q", c.Lock.Adapter, AdapterMQTT, AdapterMemory)
	}
	if c.Lock.ReservedSlots == nil {
		c.Lock.ReservedSlots = []int{}
	}
	if err := c.SlotLayout().Validate(); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	if c.Lock.Attempts < 1 {
		return fmt.Errorf("lock.attempts must be at least 1, got %d", c.Lock.Attempts)
	}
	if c.Lock.Timeout <= 0 {
		return fmt.Errorf("lock.timeout must be positive, got %s", c.Lock.Timeout)
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.Lock.Adapter == AdapterMQTT && (c.MQTT.Broker == "" || c.MQTT.Topic == "") {
		return errors.New("mqtt.broker and mqtt.topic are required for the mqtt adapter")
	}

	t, err := model.ParseTimeOfDay(c.Expiry.CleanupTime)
	if err != nil {
		return fmt.Errorf("expiry.cleanup_time: %w", err)
	}
	c.cleanupTime = t

	return nil
}

// SlotLayout returns the slot geometry of the configured lock.
func (c *Config) SlotLayout() model.SlotLayout {
	return model.SlotLayout{
		Capacity:  c.Lock.Capacity,
		PINLength: c.Lock.PINLength,
		Reserved:  slices.Clone(c.Lock.ReservedSlots),
	}
}

// ExpirySettings returns the sweep settings.
func (c *Config) ExpirySettings() model.ExpirySettings {
	return model.ExpirySettings{
		AutoExpire:  c.Expiry.AutoExpire,
		CleanupTime: c.cleanupTime,
	}
}

// RetryPolicy returns the bounds applied to every lock command.
func (c *Config) RetryPolicy() lock.RetryPolicy {
	return lock.RetryPolicy{
		Attempts:       c.Lock.Attempts,
		Timeout:        c.Lock.Timeout,
		InitialBackoff: c.Lock.Backoff,
		MaxBackoff:     c.Lock.MaxBackoff,
	}
}

// MQTTOptions returns the broker connection settings.
func (c *Config) MQTTOptions() lock.MQTTOptions {
	return lock.MQTTOptions{
		Broker:         c.MQTT.Broker,
		ClientID:       c.MQTT.ClientID,
		Username:       c.MQTT.Username,
		Password:       c.MQTT.Password,
		ConnectTimeout: c.Lock.Timeout,
	}
}

// Level returns the slog level named by LogLevel, defaulting to info.
func (c *Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
