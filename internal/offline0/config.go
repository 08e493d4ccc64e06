package offline0

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port" env:"PORT"`
		Origin string `yaml:"origin" env:"ORIGIN"`
	} `yaml:"server"`

	Storage struct {
		// Kind is one of leveldb, memory, redis.
		Kind string `yaml:"kind" env:"STORAGE_KIND"`
		Path string `yaml:"path" env:"STORAGE_PATH"`
		RAM  struct {
			Max string `yaml:"max" env:"STORAGE_RAM_MAX"`
		} `yaml:"ram"`
		Redis struct {
			URL    string `yaml:"url" env:"REDIS_URL"`
			Prefix string `yaml:"prefix" env:"REDIS_PREFIX"`
		} `yaml:"redis"`

		ramMaxBytes int64
	} `yaml:"storage"`

	Cache struct {
		Version     string   `yaml:"version" env:"CACHE_VERSION"`
		Essential   []string `yaml:"essential"`
		Pages       []string `yaml:"pages"`
		OfflinePage string   `yaml:"offlinePage"`
		AllowHosts  []string `yaml:"allowHosts" env:"ALLOW_HOSTS"`
	} `yaml:"cache"`

	Lifecycle struct {
		SkipWaiting        bool   `yaml:"skipWaiting" env:"SKIP_WAITING"`
		InstallTimeout     string `yaml:"installTimeout"`
		InstallConcurrency int    `yaml:"installConcurrency"`

		installTimeoutDur time.Duration
	} `yaml:"lifecycle"`

	Fetch struct {
		// HeaderTimeout bounds the wait for response headers only. Empty
		// leaves it to the transport.
		HeaderTimeout      string `yaml:"headerTimeout"`
		MaxBodyBytes       string `yaml:"maxBodyBytes"`
		WriteBehindWorkers int    `yaml:"writeBehindWorkers"`

		headerTimeoutDur time.Duration
		maxBodyBytes     int64
	} `yaml:"fetch"`

	Background struct {
		OpenURL string `yaml:"openURL"`
		Sync    struct {
			// MaxAttempts bounds how often a failing job is retried across
			// wakes. Zero keeps retrying forever.
			MaxAttempts int               `yaml:"maxAttempts" env:"SYNC_MAX_ATTEMPTS"`
			Endpoints   map[string]string `yaml:"endpoints"`
		} `yaml:"sync"`
		Push struct {
			Title              string               `yaml:"title"`
			DefaultBody        string               `yaml:"defaultBody"`
			Icon               string               `yaml:"icon"`
			Badge              string               `yaml:"badge"`
			Tag                string               `yaml:"tag"`
			Vibrate            []int                `yaml:"vibrate"`
			RequireInteraction bool                 `yaml:"requireInteraction"`
			Actions            []NotificationAction `yaml:"actions"`
			Outbox             int                  `yaml:"outbox"`
		} `yaml:"push"`
	} `yaml:"background"`

	Prewarm struct {
		Sitemaps     []string `yaml:"sitemaps"`
		InitialDelay string   `yaml:"initialDelay"`
		Every        string   `yaml:"every"`

		initialDelayDur time.Duration
		everyDur        time.Duration
	} `yaml:"prewarm"`

	Logging struct {
		Level         string `yaml:"level" env:"LOG_LEVEL"`
		Format        string `yaml:"format" env:"LOG_FORMAT"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	Metrics struct {
		Enabled  bool   `yaml:"enabled" env:"METRICS_ENABLED"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"metrics"`
}

// EnvPrefix prefixes every environment override, e.g. OFFLINE0_ORIGIN.
const EnvPrefix = "OFFLINE0_"

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies environment overrides and defaults, and
// validates the result.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	cfg.Server.Origin = strings.TrimRight(strings.TrimSpace(cfg.Server.Origin), "/")

	if cfg.Storage.Kind == "" {
		cfg.Storage.Kind = "leveldb"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "64mb"
	}

	if cfg.Lifecycle.InstallTimeout == "" {
		cfg.Lifecycle.InstallTimeout = "30s"
	}
	if cfg.Lifecycle.InstallConcurrency == 0 {
		cfg.Lifecycle.InstallConcurrency = 4
	}
	if cfg.Fetch.MaxBodyBytes == "" {
		cfg.Fetch.MaxBodyBytes = "32MiB"
	}
	if cfg.Fetch.WriteBehindWorkers == 0 {
		cfg.Fetch.WriteBehindWorkers = 32
	}

	bg := &cfg.Background
	if bg.OpenURL == "" {
		bg.OpenURL = "/"
	}
	if bg.Push.Title == "" {
		bg.Push.Title = "offline0"
	}
	if bg.Push.DefaultBody == "" {
		bg.Push.DefaultBody = "New notification"
	}
	if bg.Push.Tag == "" {
		bg.Push.Tag = "offline0-notification"
	}
	if bg.Push.Vibrate == nil {
		bg.Push.Vibrate = []int{200, 100, 200}
	}
	if bg.Push.Outbox == 0 {
		bg.Push.Outbox = 50
	}

	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Endpoint == "" {
		cfg.Metrics.Endpoint = "/metrics"
	}
}

func (cfg *Config) validate() error {
	if err := validation.ValidateStruct(&cfg.Server,
		validation.Field(&cfg.Server.Port, validation.Min(1), validation.Max(65535)),
		validation.Field(&cfg.Server.Origin, validation.Required, is.URL),
	); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := validation.ValidateStruct(&cfg.Storage,
		validation.Field(&cfg.Storage.Kind, validation.In("leveldb", "memory", "redis")),
	); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := validation.ValidateStruct(&cfg.Storage.Redis,
		validation.Field(&cfg.Storage.Redis.URL, validation.When(cfg.Storage.Kind == "redis", validation.Required)),
	); err != nil {
		return fmt.Errorf("storage.redis: %w", err)
	}
	if err := validation.ValidateStruct(&cfg.Cache,
		validation.Field(&cfg.Cache.Version, validation.Required),
	); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := validation.ValidateStruct(&cfg.Lifecycle,
		validation.Field(&cfg.Lifecycle.InstallConcurrency, validation.Min(1)),
	); err != nil {
		return fmt.Errorf("lifecycle: %w", err)
	}
	if err := validation.ValidateStruct(&cfg.Fetch,
		validation.Field(&cfg.Fetch.WriteBehindWorkers, validation.Min(1)),
	); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if err := validation.ValidateStruct(&cfg.Background.Sync,
		validation.Field(&cfg.Background.Sync.MaxAttempts, validation.Min(0)),
	); err != nil {
		return fmt.Errorf("background.sync: %w", err)
	}
	if err := validation.ValidateStruct(&cfg.Logging,
		validation.Field(&cfg.Logging.Format, validation.In("text", "json")),
	); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}

func (cfg *Config) compile() error {
	n, err := humanize.ParseBytes(cfg.Storage.RAM.Max)
	if err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	cfg.Storage.ramMaxBytes = int64(n)

	n, err = humanize.ParseBytes(cfg.Fetch.MaxBodyBytes)
	if err != nil {
		return fmt.Errorf("fetch.maxBodyBytes: %w", err)
	}
	cfg.Fetch.maxBodyBytes = int64(n)

	durations := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"lifecycle.installTimeout", cfg.Lifecycle.InstallTimeout, &cfg.Lifecycle.installTimeoutDur},
		{"fetch.headerTimeout", cfg.Fetch.HeaderTimeout, &cfg.Fetch.headerTimeoutDur},
		{"prewarm.initialDelay", cfg.Prewarm.InitialDelay, &cfg.Prewarm.initialDelayDur},
		{"prewarm.every", cfg.Prewarm.Every, &cfg.Prewarm.everyDur},
		{"logging.logStatsEvery", cfg.Logging.LogStatsEvery, &cfg.Logging.logStatsEveryDur},
	}
	for _, d := range durations {
		if d.src == "" {
			continue
		}
		v, err := time.ParseDuration(d.src)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if v < 0 {
			return fmt.Errorf("%s: negative duration", d.name)
		}
		*d.dst = v
	}
	return nil
}

func (cfg Config) RAMMaxBytes() int64 { return cfg.Storage.ramMaxBytes }

func (cfg Config) InstallTimeout() time.Duration { return cfg.Lifecycle.installTimeoutDur }

func (cfg Config) FetchHeaderTimeout() time.Duration { return cfg.Fetch.headerTimeoutDur }

// FetchMaxBodyBytes is the largest body captured for the cache; zero means no cap.
func (cfg Config) FetchMaxBodyBytes() int64 { return cfg.Fetch.maxBodyBytes }

func (cfg Config) LogStatsEvery() time.Duration { return cfg.Logging.logStatsEveryDur }

func (cfg Config) PrewarmInitialDelay() time.Duration { return cfg.Prewarm.initialDelayDur }

func (cfg Config) PrewarmEvery() time.Duration { return cfg.Prewarm.everyDur }
