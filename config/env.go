package config

import (
	"fmt"
	"os"
	"strconv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HEROMEDIA_"

func getEnv(key string) (string, bool) {
	v := os.Getenv(EnvPrefix + key)
	return v, v != ""
}

func envInt(key string, dst *int) error {
	s, ok := getEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	s, ok := getEnv(key)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err)
	}
	*dst = f
	return nil
}

func envBool(key string, dst *bool) error {
	s, ok := getEnv(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err)
	}
	*dst = b
	return nil
}

func envString(key string, dst *string) {
	if s, ok := getEnv(key); ok {
		*dst = s
	}
}

func (c *Config) applyEnv() error {
	envString("URL", &c.Page.URL)
	envString("REMOTE", &c.Browser.Remote)
	envString("AUTOPLAY_POLICY", &c.Browser.AutoplayPolicy)
	envString("CHROME_BIN", &c.Browser.Bin)
	envString("HTTP_ADDR", &c.HTTP.Addr)
	envString("JOURNAL_PATH", &c.Journal.Path)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("LOG_FORMAT", &c.LogFormat)
	envString("HERO_SELECTOR", &c.Hero.Selector)

	if url, ok := getEnv("WEBHOOK_URL"); ok {
		c.Sinks = append(c.Sinks, SinkConfig{Type: "webhook", URL: url})
	}

	for _, f := range []func() error{
		func() error { return envInt("MAX_ATTEMPTS", &c.Hero.MaxAttempts) },
		func() error { return envInt("BASE_DELAY_MS", &c.Hero.BaseDelayMs) },
		func() error { return envFloat("BACKOFF_MULTIPLIER", &c.Hero.BackoffMultiplier) },
		func() error { return envInt("RESUME_DELAY_MS", &c.Hero.ResumeDelayMs) },
		func() error { return envFloat("LAZY_LOAD_MARGIN_PX", &c.Reprocessor.LazyLoadMarginPx) },
		func() error { return envInt("IMAGE_LOAD_TIMEOUT_MS", &c.Reprocessor.ImageLoadTimeoutMs) },
		func() error { return envInt("MAX_CACHE_SIZE", &c.Reprocessor.MaxCacheSize) },
		func() error { return envInt("JOURNAL_RETENTION_DAYS", &c.Journal.RetentionDays) },
		func() error { return envBool("HEADFUL", &c.Browser.Headful) },
		func() error { return envBool("STEALTH", &c.Page.Stealth) },
	} {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}
