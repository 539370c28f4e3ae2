// Package config loads and validates archiver configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/trenchlabs/trench/internal/archive"
)

// Config captures every knob the CLI and engine consume. Values come from
// defaults, an optional config file, TRENCH_* environment variables, and
// command-line flags, in increasing precedence.
type Config struct {
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	Render  RenderConfig  `mapstructure:"render"`
	Replay  ReplayConfig  `mapstructure:"replay"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// CrawlConfig governs frontier budgets and capture behavior.
type CrawlConfig struct {
	OutputDir        string   `mapstructure:"output_dir"`
	MaxDepth         int      `mapstructure:"max_depth"`
	MaxPages         int      `mapstructure:"max_pages"`
	Concurrency      int      `mapstructure:"concurrency"`
	TimeoutSeconds   int      `mapstructure:"timeout_seconds"`
	FullAssets       bool     `mapstructure:"full_assets"`
	FollowPagination bool     `mapstructure:"follow_pagination"`
	AllowHosts       []string `mapstructure:"allow_hosts"`
	RespectRobots    bool     `mapstructure:"respect_robots"`
	UserAgent        string   `mapstructure:"user_agent"`
	MaxRetries       int      `mapstructure:"max_retries"`
	DomainQPS        float64  `mapstructure:"domain_qps"`
}

// RenderConfig configures the headless rendering subsystem.
type RenderConfig struct {
	JS         bool `mapstructure:"js"`
	ScrollPage bool `mapstructure:"scroll_page"`
}

// ReplayConfig controls the replay server.
type ReplayConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from defaults, an optional file, and environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawl.output_dir", "")
	v.SetDefault("crawl.max_depth", 2)
	v.SetDefault("crawl.max_pages", 100)
	v.SetDefault("crawl.concurrency", 4)
	v.SetDefault("crawl.timeout_seconds", 30)
	v.SetDefault("crawl.full_assets", false)
	v.SetDefault("crawl.follow_pagination", true)
	v.SetDefault("crawl.respect_robots", true)
	v.SetDefault("crawl.user_agent", "trench/1.0 (+https://github.com/trenchlabs/trench)")
	v.SetDefault("crawl.max_retries", 2)
	v.SetDefault("crawl.domain_qps", 4.0)
	v.SetDefault("render.js", true)
	v.SetDefault("render.scroll_page", false)
	v.SetDefault("replay.host", "127.0.0.1")
	v.SetDefault("replay.port", 8080)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawl.MaxDepth < 0 {
		return fmt.Errorf("crawl.max_depth must be >= 0")
	}
	if c.Crawl.MaxPages < 0 {
		return fmt.Errorf("crawl.max_pages must be >= 0")
	}
	if c.Crawl.Concurrency <= 0 {
		return fmt.Errorf("crawl.concurrency must be > 0")
	}
	if c.Crawl.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawl.timeout_seconds must be > 0")
	}
	if c.Crawl.MaxRetries < 0 {
		return fmt.Errorf("crawl.max_retries must be >= 0")
	}
	if c.Replay.Port <= 0 || c.Replay.Port > 65535 {
		return fmt.Errorf("replay.port must be in 1..65535")
	}
	return nil
}

// Options converts the crawl and render sections into engine options.
func (c Config) Options() archive.Options {
	return archive.Options{
		OutputDir:        c.Crawl.OutputDir,
		MaxDepth:         c.Crawl.MaxDepth,
		MaxPages:         c.Crawl.MaxPages,
		Concurrency:      c.Crawl.Concurrency,
		Timeout:          time.Duration(c.Crawl.TimeoutSeconds) * time.Second,
		FullAssets:       c.Crawl.FullAssets,
		FollowPagination: c.Crawl.FollowPagination,
		AllowHosts:       c.Crawl.AllowHosts,
		RespectRobots:    c.Crawl.RespectRobots,
		UserAgent:        c.Crawl.UserAgent,
		RenderJS:         c.Render.JS,
		ScrollPage:       c.Render.ScrollPage,
		MaxRetries:       c.Crawl.MaxRetries,
		DomainQPS:        c.Crawl.DomainQPS,
	}
}
