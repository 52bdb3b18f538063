package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	b := cfg.Hero.Budget()
	if b.MaxAttempts != 3 || b.BaseDelay != 300*time.Millisecond || b.BackoffMultiplier != 1.5 {
		t.Errorf("budget: got %+v", b)
	}
	o := cfg.Reprocessor.Options()
	if o.ImageLoadTimeout != 10*time.Second || o.MaxCacheSize != 50 || o.LazyLoadMarginPx != 0 {
		t.Errorf("reprocessor: got %+v", o)
	}
	if cfg.Hero.ControllerOptions().ResumeDelay != 100*time.Millisecond {
		t.Errorf("resume delay: got %v", cfg.Hero.ControllerOptions().ResumeDelay)
	}
	if cfg.Page.Viewport.Width != 390 || !strings.HasPrefix(cfg.Browser.XvfbDisplay, ":") {
		t.Errorf("page/browser defaults: %+v %+v", cfg.Page, cfg.Browser)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("log: got %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "heromedia.yaml", `
hero:
  selector: "video.hero"
  max_attempts: 5
  base_delay_ms: 200
  backoff_multiplier: 2
  sources:
    - url: https://cdn.example/hero.webm
      type: video/webm
    - url: https://cdn.example/hero.mp4
      type: video/mp4
reprocessor:
  lazy_load_margin_px: 1200
  image_load_timeout_ms: 5000
  max_cache_size: 10
page:
  url: https://example.com
  viewport: {width: 1280, height: 720, scale: 1}
  block: [font, stylesheet]
http:
  addr: ":8089"
sinks:
  - type: stdout
  - type: webhook
    url: http://localhost:9000/events
journal:
  path: /tmp/heromedia.db
  retention_days: 7
log_format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Hero.Selector != "video.hero" {
		t.Errorf("selector: got %q", cfg.Hero.Selector)
	}
	b := cfg.Hero.Budget()
	if b.MaxAttempts != 5 || b.BaseDelay != 200*time.Millisecond || b.BackoffMultiplier != 2 {
		t.Errorf("budget: got %+v", b)
	}
	srcs := cfg.Hero.PlaybackSources()
	if len(srcs) != 2 || srcs[1].MIMEType != "video/mp4" {
		t.Errorf("sources: got %+v", srcs)
	}
	if o := cfg.Reprocessor.Options(); o.LazyLoadMarginPx != 1200 || o.MaxCacheSize != 10 || o.ImageLoadTimeout != 5*time.Second {
		t.Errorf("reprocessor: got %+v", o)
	}
	tab := cfg.Page.Tab()
	if tab.Viewport.Width != 1280 || tab.NavTimeout != 30*time.Second || len(tab.Block) != 2 {
		t.Errorf("tab: got %+v", tab)
	}
	if cfg.Sinks[1].Retries != 3 {
		t.Errorf("webhook retries: got %d, want 3", cfg.Sinks[1].Retries)
	}
	if cfg.Journal.RetentionDays != 7 || cfg.LogFormat != "json" {
		t.Errorf("journal/log: %+v %q", cfg.Journal, cfg.LogFormat)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeFile(t, "c.yaml", "hero:\n  max_attempts: 5\n")
	t.Setenv("HEROMEDIA_MAX_ATTEMPTS", "7")
	t.Setenv("HEROMEDIA_BACKOFF_MULTIPLIER", "2.5")
	t.Setenv("HEROMEDIA_URL", "https://env.example")
	t.Setenv("HEROMEDIA_HEADFUL", "true")
	t.Setenv("HEROMEDIA_WEBHOOK_URL", "http://hook.example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Hero.MaxAttempts != 7 {
		t.Errorf("max attempts: got %d, want 7", cfg.Hero.MaxAttempts)
	}
	if cfg.Hero.BackoffMultiplier != 2.5 {
		t.Errorf("multiplier: got %v", cfg.Hero.BackoffMultiplier)
	}
	if cfg.Page.URL != "https://env.example" || !cfg.Browser.Headful {
		t.Errorf("page/browser: %+v %+v", cfg.Page, cfg.Browser)
	}
	if len(cfg.Sinks) != 1 || cfg.Sinks[0].URL != "http://hook.example" {
		t.Errorf("sinks: %+v", cfg.Sinks)
	}
}

func TestEnvFile(t *testing.T) {
	env := writeFile(t, ".env", "HEROMEDIA_MAX_CACHE_SIZE=12\nHEROMEDIA_HTTP_ADDR=:9999\n")
	t.Setenv("HEROMEDIA_MAX_CACHE_SIZE", "")
	t.Setenv("HEROMEDIA_HTTP_ADDR", "")
	os.Unsetenv("HEROMEDIA_MAX_CACHE_SIZE")
	os.Unsetenv("HEROMEDIA_HTTP_ADDR")

	cfg, err := Load("", env, filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Reprocessor.MaxCacheSize != 12 || cfg.HTTP.Addr != ":9999" {
		t.Errorf("got cache=%d addr=%q", cfg.Reprocessor.MaxCacheSize, cfg.HTTP.Addr)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
		want string
	}{
		{"bad yaml", "hero: [", nil, "parse"},
		{"unknown sink", "sinks:\n  - type: nats\n", nil, "unknown type"},
		{"webhook without url", "sinks:\n  - type: webhook\n", nil, "requires url"},
		{"empty source", "hero:\n  sources:\n    - type: video/mp4\n", nil, "empty url"},
		{"bad log format", "log_format: xml\n", nil, "log_format"},
		{"bad env int", "", map[string]string{"HEROMEDIA_MAX_ATTEMPTS": "many"}, "HEROMEDIA_MAX_ATTEMPTS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeFile(t, "c.yaml", tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error")
	}
}
