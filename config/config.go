// Package config loads heromedia configuration from a YAML file, an optional
// .env file and HEROMEDIA_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/heromedia/browser"
	"github.com/hazyhaar/heromedia/domwatch"
	"github.com/hazyhaar/heromedia/playback"
)

// Config is the top-level heromedia configuration.
type Config struct {
	Hero        HeroConfig        `yaml:"hero"`
	Reprocessor ReprocessorConfig `yaml:"reprocessor"`
	Browser     BrowserConfig     `yaml:"browser"`
	Page        PageConfig        `yaml:"page"`
	HTTP        HTTPConfig        `yaml:"http"`
	Sinks       []SinkConfig      `yaml:"sinks"`
	Journal     JournalConfig     `yaml:"journal"`
	LogLevel    string            `yaml:"log_level"`  // debug | info | warn | error
	LogFormat   string            `yaml:"log_format"` // text | json
}

// HeroConfig drives the playback controller.
type HeroConfig struct {
	Selector          string         `yaml:"selector"`
	Sources           []SourceConfig `yaml:"sources"`
	MaxAttempts       int            `yaml:"max_attempts"`
	BaseDelayMs       int            `yaml:"base_delay_ms"`
	BackoffMultiplier float64        `yaml:"backoff_multiplier"`
	ResumeDelayMs     int            `yaml:"resume_delay_ms"`
	OpTimeoutMs       int            `yaml:"op_timeout_ms"`
	DisableLoop       bool           `yaml:"disable_loop"`
}

// SourceConfig is one candidate source for the hero video.
type SourceConfig struct {
	URL  string `yaml:"url"`
	Type string `yaml:"type"`
}

// ReprocessorConfig drives the DOM reprocessor.
type ReprocessorConfig struct {
	LazyLoadMarginPx   float64 `yaml:"lazy_load_margin_px"`
	ImageLoadTimeoutMs int     `yaml:"image_load_timeout_ms"`
	MaxCacheSize       int     `yaml:"max_cache_size"`
}

// BrowserConfig controls Chrome.
type BrowserConfig struct {
	Remote         string `yaml:"remote"`
	Headful        bool   `yaml:"headful"`
	XvfbDisplay    string `yaml:"xvfb_display"`
	XvfbScreen     string `yaml:"xvfb_screen"`
	AutoplayPolicy string `yaml:"autoplay_policy"`
	Bin            string `yaml:"bin"`
}

// PageConfig is the page to run.
type PageConfig struct {
	URL          string           `yaml:"url"`
	Stealth      bool             `yaml:"stealth"`
	Viewport     browser.Viewport `yaml:"viewport"`
	Block        []string         `yaml:"block"`
	NavTimeoutMs int              `yaml:"nav_timeout_ms"`
}

// HTTPConfig controls the status server. An empty Addr disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// SinkConfig defines an event output.
type SinkConfig struct {
	Type    string `yaml:"type"` // stdout | webhook
	URL     string `yaml:"url"`
	Retries int    `yaml:"retries"`
}

// JournalConfig controls the SQLite event journal. An empty Path disables it.
type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load builds a Config. path may be empty to start from defaults. envFiles
// are read with godotenv before environment overrides apply; missing files
// are ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: env file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Hero.Selector == "" {
		c.Hero.Selector = "video"
	}
	if c.Hero.MaxAttempts <= 0 {
		c.Hero.MaxAttempts = 3
	}
	if c.Hero.BaseDelayMs <= 0 {
		c.Hero.BaseDelayMs = 300
	}
	if c.Hero.BackoffMultiplier < 1 {
		c.Hero.BackoffMultiplier = 1.5
	}
	if c.Hero.ResumeDelayMs == 0 {
		c.Hero.ResumeDelayMs = 100
	}
	if c.Hero.OpTimeoutMs <= 0 {
		c.Hero.OpTimeoutMs = 15_000
	}
	if c.Reprocessor.ImageLoadTimeoutMs <= 0 {
		c.Reprocessor.ImageLoadTimeoutMs = 10_000
	}
	if c.Reprocessor.MaxCacheSize <= 0 {
		c.Reprocessor.MaxCacheSize = 50
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Page.Viewport.Width <= 0 {
		c.Page.Viewport.Width = 390
	}
	if c.Page.Viewport.Height <= 0 {
		c.Page.Viewport.Height = 844
	}
	if c.Page.Viewport.Scale <= 0 {
		c.Page.Viewport.Scale = 3
	}
	if c.Page.NavTimeoutMs <= 0 {
		c.Page.NavTimeoutMs = 30_000
	}
	for i := range c.Sinks {
		if c.Sinks[i].Type == "webhook" && c.Sinks[i].Retries == 0 {
			c.Sinks[i].Retries = 3
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	for i, s := range c.Sinks {
		switch s.Type {
		case "stdout":
		case "webhook":
			if s.URL == "" {
				return fmt.Errorf("config: sinks[%d]: webhook requires url", i)
			}
		default:
			return fmt.Errorf("config: sinks[%d]: unknown type %q", i, s.Type)
		}
	}
	for i, s := range c.Hero.Sources {
		if s.URL == "" {
			return fmt.Errorf("config: hero.sources[%d]: empty url", i)
		}
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log_format %q", c.LogFormat)
	}
	return nil
}

// Budget returns the retry budget.
func (h HeroConfig) Budget() playback.Budget {
	return playback.Budget{
		MaxAttempts:       h.MaxAttempts,
		BaseDelay:         time.Duration(h.BaseDelayMs) * time.Millisecond,
		BackoffMultiplier: h.BackoffMultiplier,
	}
}

// ControllerOptions returns controller options without clock or logger.
func (h HeroConfig) ControllerOptions() playback.Options {
	return playback.Options{
		ResumeDelay: time.Duration(h.ResumeDelayMs) * time.Millisecond,
		OpTimeout:   time.Duration(h.OpTimeoutMs) * time.Millisecond,
		DisableLoop: h.DisableLoop,
	}
}

// PlaybackSources converts the configured sources.
func (h HeroConfig) PlaybackSources() []playback.Source {
	out := make([]playback.Source, 0, len(h.Sources))
	for _, s := range h.Sources {
		out = append(out, playback.Source{URL: s.URL, MIMEType: s.Type})
	}
	return out
}

// Options returns reprocessor options without clock, frames or callbacks.
func (r ReprocessorConfig) Options() domwatch.Options {
	return domwatch.Options{
		LazyLoadMarginPx: r.LazyLoadMarginPx,
		ImageLoadTimeout: time.Duration(r.ImageLoadTimeoutMs) * time.Millisecond,
		MaxCacheSize:     r.MaxCacheSize,
	}
}

// Manager returns the browser manager configuration.
func (b BrowserConfig) Manager() browser.Config {
	return browser.Config{
		RemoteURL:      b.Remote,
		Headful:        b.Headful,
		XvfbDisplay:    b.XvfbDisplay,
		XvfbScreen:     b.XvfbScreen,
		AutoplayPolicy: b.AutoplayPolicy,
		Bin:            b.Bin,
	}
}

// Tab returns the tab options.
func (p PageConfig) Tab() browser.TabOptions {
	return browser.TabOptions{
		URL:        p.URL,
		Stealth:    p.Stealth,
		Viewport:   p.Viewport,
		Block:      p.Block,
		NavTimeout: time.Duration(p.NavTimeoutMs) * time.Millisecond,
	}
}
