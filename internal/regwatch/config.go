package regwatch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultResourceURL is the page that links the current register document.
const DefaultResourceURL = "https://www.communicatierijk.nl/documenten/2016/05/26/websiteregister"

type Config struct {
	Server struct {
		Port int `yaml:"port"`

		// AllowedOrigins feeds the CORS middleware. Default: any origin.
		AllowedOrigins []string `yaml:"allowedOrigins"`
	} `yaml:"server"`

	Source struct {
		ResourceURL string `yaml:"resourceURL"`
		CheckEvery  string `yaml:"checkEvery"`
		TempDir     string `yaml:"tempDir"`
	} `yaml:"source"`

	Fetch struct {
		Timeout   string `yaml:"timeout"`
		MaxSize   string `yaml:"maxSize"`
		UserAgent string `yaml:"userAgent"`
	} `yaml:"fetch"`

	Parse struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"parse"`

	Callback struct {
		URL       string `yaml:"url"`
		Parameter string `yaml:"parameter"`
		Timeout   string `yaml:"timeout"`
	} `yaml:"callback"`

	Cache struct {
		// ExpireAfterAccess drops the snapshot after this much read
		// inactivity; the next read reloads it. Empty disables expiry.
		ExpireAfterAccess string `yaml:"expireAfterAccess"`
	} `yaml:"cache"`

	Journal struct {
		Path       string `yaml:"path"`
		MaxEntries int    `yaml:"maxEntries"`
	} `yaml:"journal"`

	Logging struct {
		Level         string `yaml:"level"`
		Pretty        bool   `yaml:"pretty"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	// compiled
	checkEvery        time.Duration
	fetchTimeout      time.Duration
	parseTimeout      time.Duration
	callbackTimeout   time.Duration
	expireAfterAccess time.Duration
	logStatsEvery     time.Duration
	maxSize           int64
}

// LoadConfig reads the YAML file at path, applies environment overrides and
// compiles the result. A missing file is not an error: every key has a
// default.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Config{}, err
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("REGWATCH_RESOURCE_URL"); v != "" {
		c.Source.ResourceURL = v
	}
	if v := getenv("REGWATCH_CALLBACK_URL"); v != "" {
		c.Callback.URL = v
	}
	if v := getenv("REGWATCH_CALLBACK_PARAMETER"); v != "" {
		c.Callback.Parameter = v
	}
	if v := getenv("REGWATCH_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
	if v := getenv("REGWATCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Compile fills defaults and parses the duration and size strings. It must
// be called on a Config built in code before handing it to NewService.
func (c *Config) Compile() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	c.Source.ResourceURL = strings.TrimSpace(c.Source.ResourceURL)
	if c.Source.ResourceURL == "" {
		c.Source.ResourceURL = DefaultResourceURL
	}
	if c.Source.TempDir == "" {
		c.Source.TempDir = filepath.Join(os.TempDir(), "regwatch")
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "regwatch/1.0"
	}
	if c.Journal.MaxEntries <= 0 {
		c.Journal.MaxEntries = 1000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Callback.URL = strings.TrimSpace(c.Callback.URL)
	c.Callback.Parameter = strings.TrimSpace(c.Callback.Parameter)

	durations := []struct {
		key  string
		raw  string
		def  time.Duration
		dst  *time.Duration
		zero bool // empty or "0" disables
	}{
		{"source.checkEvery", c.Source.CheckEvery, time.Hour, &c.checkEvery, false},
		{"fetch.timeout", c.Fetch.Timeout, 2 * time.Minute, &c.fetchTimeout, false},
		{"parse.timeout", c.Parse.Timeout, 2 * time.Minute, &c.parseTimeout, false},
		{"callback.timeout", c.Callback.Timeout, 30 * time.Second, &c.callbackTimeout, false},
		{"cache.expireAfterAccess", c.Cache.ExpireAfterAccess, 0, &c.expireAfterAccess, true},
		{"logging.logStatsEvery", c.Logging.LogStatsEvery, 0, &c.logStatsEvery, true},
	}
	for _, d := range durations {
		raw := strings.TrimSpace(d.raw)
		if raw == "" {
			*d.dst = d.def
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		if v < 0 || (v == 0 && !d.zero) {
			return fmt.Errorf("%s: must be positive, got %s", d.key, raw)
		}
		*d.dst = v
	}

	c.maxSize = 100 * 1024 * 1024
	if c.Fetch.MaxSize != "" {
		n, err := parseBytes(c.Fetch.MaxSize)
		if err != nil {
			return fmt.Errorf("fetch.maxSize: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("fetch.maxSize: must be positive")
		}
		c.maxSize = n
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// CheckEvery is the interval between scheduled refresh cycles.
func (c Config) CheckEvery() time.Duration { return c.checkEvery }

// MaxSize is the largest response body the fetcher accepts, in bytes.
func (c Config) MaxSize() int64 { return c.maxSize }
