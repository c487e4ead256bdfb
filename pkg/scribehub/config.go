package scribehub

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/harunnryd/scribehub/pkg/broker"
	"github.com/harunnryd/scribehub/pkg/configutil"
	"github.com/harunnryd/scribehub/pkg/offlinequeue"
	"github.com/harunnryd/scribehub/pkg/upstream"
)

const envPrefix = "SCRIBEHUB"

type Config struct {
	Server        ServerConfig        `mapstructure:"server" yaml:"server" toml:"server" json:"server"`
	Upstream      UpstreamConfig      `mapstructure:"upstream" yaml:"upstream" toml:"upstream" json:"upstream"`
	Storage       StorageConfig       `mapstructure:"storage" yaml:"storage" toml:"storage" json:"storage"`
	OfflineQueue  OfflineQueueConfig  `mapstructure:"offline_queue" yaml:"offline_queue" toml:"offline_queue" json:"offline_queue"`
	Windows       WindowsConfig       `mapstructure:"windows" yaml:"windows" toml:"windows" json:"windows"`
	Session       SessionConfig       `mapstructure:"session" yaml:"session" toml:"session" json:"session"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability" toml:"observability" json:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy" yaml:"privacy" toml:"privacy" json:"privacy"`
	Environment   string              `mapstructure:"environment" yaml:"environment" toml:"environment" json:"environment"`
	LogLevel      string              `mapstructure:"log_level" yaml:"log_level" toml:"log_level" json:"log_level"`
	LogFormat     string              `mapstructure:"log_format" yaml:"log_format" toml:"log_format" json:"log_format"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr" yaml:"addr" toml:"addr" json:"addr"`
	WSPath         string   `mapstructure:"ws_path" yaml:"ws_path" toml:"ws_path" json:"ws_path"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins" json:"allowed_origins"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin" yaml:"allow_any_origin" toml:"allow_any_origin" json:"allow_any_origin"`
	ReadLimitBytes int64    `mapstructure:"read_limit_bytes" yaml:"read_limit_bytes" toml:"read_limit_bytes" json:"read_limit_bytes"`
	SendBuffer     int      `mapstructure:"send_buffer" yaml:"send_buffer" toml:"send_buffer" json:"send_buffer"`
	DrainTimeoutMS int      `mapstructure:"drain_timeout_ms" yaml:"drain_timeout_ms" toml:"drain_timeout_ms" json:"drain_timeout_ms"`
}

type UpstreamConfig struct {
	Provider  string          `mapstructure:"provider" yaml:"provider" toml:"provider" json:"provider"`
	Settings  map[string]any  `mapstructure:"settings" yaml:"settings" toml:"settings" json:"settings"`
	Reconnect ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect" toml:"reconnect" json:"reconnect"`
}

type ReconnectConfig struct {
	MaxRetries          int  `mapstructure:"max_retries" yaml:"max_retries" toml:"max_retries" json:"max_retries"`
	BaseDelayMS         int  `mapstructure:"base_delay_ms" yaml:"base_delay_ms" toml:"base_delay_ms" json:"base_delay_ms"`
	MaxDelayMS          int  `mapstructure:"max_delay_ms" yaml:"max_delay_ms" toml:"max_delay_ms" json:"max_delay_ms"`
	Jitter              bool `mapstructure:"jitter" yaml:"jitter" toml:"jitter" json:"jitter"`
	ConnectTimeoutMS    int  `mapstructure:"connect_timeout_ms" yaml:"connect_timeout_ms" toml:"connect_timeout_ms" json:"connect_timeout_ms"`
	RateLimitCooldownMS int  `mapstructure:"rate_limit_cooldown_ms" yaml:"rate_limit_cooldown_ms" toml:"rate_limit_cooldown_ms" json:"rate_limit_cooldown_ms"`
	BufferAudio         bool `mapstructure:"buffer_audio" yaml:"buffer_audio" toml:"buffer_audio" json:"buffer_audio"`
	MaxBufferFrames     int  `mapstructure:"max_buffer_frames" yaml:"max_buffer_frames" toml:"max_buffer_frames" json:"max_buffer_frames"`
}

type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path" toml:"path" json:"path"`
}

type OfflineQueueConfig struct {
	Path             string   `mapstructure:"path" yaml:"path" toml:"path" json:"path"`
	MaxSize          int      `mapstructure:"max_size" yaml:"max_size" toml:"max_size" json:"max_size"`
	MaxRetries       int      `mapstructure:"max_retries" yaml:"max_retries" toml:"max_retries" json:"max_retries"`
	HealthIntervalMS int      `mapstructure:"health_interval_ms" yaml:"health_interval_ms" toml:"health_interval_ms" json:"health_interval_ms"`
	OpTimeoutMS      int      `mapstructure:"op_timeout_ms" yaml:"op_timeout_ms" toml:"op_timeout_ms" json:"op_timeout_ms"`
	ProtectedTables  []string `mapstructure:"protected_tables" yaml:"protected_tables" toml:"protected_tables" json:"protected_tables"`
}

type WindowsConfig struct {
	StaleAfterMS      int `mapstructure:"stale_after_ms" yaml:"stale_after_ms" toml:"stale_after_ms" json:"stale_after_ms"`
	CleanupIntervalMS int `mapstructure:"cleanup_interval_ms" yaml:"cleanup_interval_ms" toml:"cleanup_interval_ms" json:"cleanup_interval_ms"`
}

type SessionConfig struct {
	FlushIntervalMS int `mapstructure:"flush_interval_ms" yaml:"flush_interval_ms" toml:"flush_interval_ms" json:"flush_interval_ms"`
}

type ObservabilityConfig struct {
	MetricsPath string `mapstructure:"metrics_path" yaml:"metrics_path" toml:"metrics_path" json:"metrics_path"`
	AsyncBuffer int    `mapstructure:"async_buffer" yaml:"async_buffer" toml:"async_buffer" json:"async_buffer"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii" yaml:"redact_pii" toml:"redact_pii" json:"redact_pii"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.ws_path", "/ws")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.allow_any_origin", false)
	v.SetDefault("server.read_limit_bytes", 1<<20)
	v.SetDefault("server.send_buffer", 256)
	v.SetDefault("server.drain_timeout_ms", 10000)
	v.SetDefault("upstream.provider", "deepgram")
	v.SetDefault("upstream.reconnect.max_retries", 10)
	v.SetDefault("upstream.reconnect.base_delay_ms", 1000)
	v.SetDefault("upstream.reconnect.max_delay_ms", 30000)
	v.SetDefault("upstream.reconnect.jitter", true)
	v.SetDefault("upstream.reconnect.connect_timeout_ms", 10000)
	v.SetDefault("upstream.reconnect.rate_limit_cooldown_ms", 60000)
	v.SetDefault("upstream.reconnect.buffer_audio", true)
	v.SetDefault("upstream.reconnect.max_buffer_frames", 100)
	v.SetDefault("storage.path", "data/scribehub.db")
	v.SetDefault("offline_queue.path", "data/offline-queue.json")
	v.SetDefault("offline_queue.max_size", 1000)
	v.SetDefault("offline_queue.max_retries", 3)
	v.SetDefault("offline_queue.health_interval_ms", 30000)
	v.SetDefault("offline_queue.op_timeout_ms", 10000)
	v.SetDefault("offline_queue.protected_tables", []string{"consents", "audit_log"})
	v.SetDefault("windows.stale_after_ms", 60000)
	v.SetDefault("windows.cleanup_interval_ms", 15000)
	v.SetDefault("session.flush_interval_ms", 5000)
	v.SetDefault("observability.metrics_path", "")
	v.SetDefault("observability.async_buffer", 1024)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "auto")
}

// Loader reads one config file and can watch it for changes.
type Loader struct {
	v *viper.Viper
}

// NewLoader reads path. An empty path loads defaults and environment only.
func NewLoader(path string) (*Loader, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return &Loader{v: v}, nil
}

// Load decodes, expands and validates the current config.
func (l *Loader) Load() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Watch calls fn with the reloaded config after every change to the file.
// A config that fails to load is passed as an error and not applied.
func (l *Loader) Watch(fn func(Config, error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(l.Load())
	})
	l.v.WatchConfig()
}

// File returns the config file in use, if any.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

func LoadConfig(path string) (Config, error) {
	l, err := NewLoader(path)
	if err != nil {
		return Config{}, err
	}
	return l.Load()
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		errs = append(errs, fmt.Errorf("server.ws_path must start with /: %q", c.Server.WSPath))
	}
	if strings.TrimSpace(c.Upstream.Provider) == "" {
		errs = append(errs, errors.New("upstream.provider is required"))
	}
	if c.Upstream.Reconnect.MaxRetries < 0 {
		errs = append(errs, errors.New("upstream.reconnect.max_retries must be >= 0"))
	}
	if c.Upstream.Reconnect.MaxDelayMS > 0 && c.Upstream.Reconnect.MaxDelayMS < c.Upstream.Reconnect.BaseDelayMS {
		errs = append(errs, errors.New("upstream.reconnect.max_delay_ms must be >= base_delay_ms"))
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if strings.TrimSpace(c.OfflineQueue.Path) == "" {
		errs = append(errs, errors.New("offline_queue.path is required"))
	}
	if c.OfflineQueue.MaxSize <= 0 {
		errs = append(errs, errors.New("offline_queue.max_size must be > 0"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "auto", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log_format must be auto, json or text: %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// BrokerConfig maps the server, window and session sections onto the broker.
func (c Config) BrokerConfig() broker.Config {
	r := c.Upstream.Reconnect
	return broker.Config{
		Addr:            c.Server.Addr,
		WSPath:          c.Server.WSPath,
		AllowAnyOrigin:  c.Server.AllowAnyOrigin,
		AllowedOrigins:  c.Server.AllowedOrigins,
		ReadLimitBytes:  c.Server.ReadLimitBytes,
		SendBuffer:      c.Server.SendBuffer,
		FlushInterval:   configutil.Millis(c.Session.FlushIntervalMS, 5*time.Second),
		StaleAfter:      configutil.Millis(c.Windows.StaleAfterMS, 60*time.Second),
		CleanupInterval: configutil.Millis(c.Windows.CleanupIntervalMS, 15*time.Second),
		Reconnect: upstream.Config{
			MaxRetries:        r.MaxRetries,
			BaseDelay:         configutil.Millis(r.BaseDelayMS, time.Second),
			MaxDelay:          configutil.Millis(r.MaxDelayMS, 30*time.Second),
			Jitter:            r.Jitter,
			ConnectTimeout:    configutil.Millis(r.ConnectTimeoutMS, 10*time.Second),
			RateLimitCooldown: configutil.Millis(r.RateLimitCooldownMS, 60*time.Second),
			BufferAudio:       r.BufferAudio,
			MaxBufferFrames:   r.MaxBufferFrames,
		},
	}
}

// QueueConfig maps the offline_queue section. Observer and logger are set by
// the engine.
func (c Config) QueueConfig() offlinequeue.Config {
	q := c.OfflineQueue
	def := offlinequeue.DefaultConfig()
	return offlinequeue.Config{
		Path:            q.Path,
		MaxSize:         q.MaxSize,
		MaxRetries:      q.MaxRetries,
		HealthInterval:  configutil.Millis(q.HealthIntervalMS, def.HealthInterval),
		OpTimeout:       configutil.Millis(q.OpTimeoutMS, def.OpTimeout),
		ProtectedTables: q.ProtectedTables,
	}
}

func (c Config) DrainTimeout() time.Duration {
	return configutil.Millis(c.Server.DrainTimeoutMS, 10*time.Second)
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Upstream.Settings = expandSettings(cfg.Upstream.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
