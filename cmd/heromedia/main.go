// Command heromedia runs a page's hero video and media reprocessing in
// Chrome and reports what happens.
//
// Usage:
//
//	heromedia -config heromedia.yaml               # run the configured page
//	heromedia -url https://example.com             # run a single page with defaults
//	heromedia -url https://example.com -mcp        # same, controlled over MCP stdio
//	heromedia -rewrite page.html > optimised.html  # apply the initial pass to static HTML
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/heromedia/browser"
	"github.com/hazyhaar/heromedia/config"
	"github.com/hazyhaar/heromedia/domwatch"
	"github.com/hazyhaar/heromedia/domwatch/htmldoc"
	"github.com/hazyhaar/heromedia/domwatch/mutation"
	"github.com/hazyhaar/heromedia/hero"
	"github.com/hazyhaar/heromedia/idgen"
	"github.com/hazyhaar/heromedia/metrics"
	"github.com/hazyhaar/heromedia/server"
	"github.com/hazyhaar/heromedia/sink"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to heromedia.yaml")
	envFile := flag.String("env", ".env", "optional .env file with HEROMEDIA_* overrides")
	pageURL := flag.String("url", "", "page to run (overrides page.url)")
	rewritePath := flag.String("rewrite", "", "rewrite a static HTML file and print it")
	snapshot := flag.Bool("snapshot", false, "with -rewrite, print a JSON snapshot instead of HTML")
	mcpMode := flag.Bool("mcp", false, "serve MCP tools over stdio")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *pageURL != "" {
		cfg.Page.URL = *pageURL
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *rewritePath != "" {
		err = runRewrite(ctx, logger, cfg, *rewritePath, *snapshot, os.Stdout)
	} else {
		err = run(ctx, logger, cfg, *mcpMode)
	}
	if err != nil {
		logger.Error("heromedia: fatal", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// buildSinks creates the configured event sinks. Stdout sinks are skipped
// when stdout carries the MCP transport.
func buildSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdoutFree bool) (*sink.Router, *sink.Journal, error) {
	var sinks []sink.Sink
	for _, sc := range cfg.Sinks {
		switch sc.Type {
		case "stdout":
			if !stdoutFree {
				logger.Warn("heromedia: stdout sink disabled in MCP mode")
				continue
			}
			sinks = append(sinks, sink.NewStdout(nil))
		case "webhook":
			sinks = append(sinks, sink.NewWebhook(sc.URL,
				sink.WithWebhookRetries(sc.Retries),
				sink.WithWebhookLogger(logger)))
		}
	}

	var journal *sink.Journal
	if cfg.Journal.Path != "" {
		j, err := sink.OpenJournal(ctx, cfg.Journal.Path)
		if err != nil {
			return nil, nil, err
		}
		journal = j
		sinks = append(sinks, j)
	}
	return sink.NewRouter(logger, sinks...), journal, nil
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config, mcpMode bool) error {
	if cfg.Page.URL == "" {
		fmt.Fprintln(os.Stderr, "usage: heromedia -config <file> | -url <url> [-mcp] | -rewrite <file>")
		os.Exit(2)
	}

	router, journal, err := buildSinks(ctx, cfg, logger, !mcpMode)
	if err != nil {
		return fmt.Errorf("sinks: %w", err)
	}
	defer router.Close()
	if journal != nil && cfg.Journal.RetentionDays > 0 {
		go retention(ctx, logger, journal, cfg.Journal.RetentionDays)
	}

	bcfg := cfg.Browser.Manager()
	bcfg.Logger = logger
	mgr := browser.NewManager(bcfg)
	if _, err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("browser: %w", err)
	}
	defer mgr.Close()

	tab, err := browser.OpenTab(ctx, mgr, cfg.Page.Tab())
	if err != nil {
		return err
	}
	defer tab.Close()

	doc, err := browser.NewDocument(ctx, tab.Page, 5*time.Second, logger)
	if err != nil {
		return err
	}
	defer doc.Close()

	m := metrics.New()
	copts := cfg.Hero.ControllerOptions()
	stage := hero.New(doc, hero.Options{
		Budget:      cfg.Hero.Budget(),
		Controller:  copts,
		Reprocessor: cfg.Reprocessor.Options(),
		Sink:        router,
		Metrics:     m,
		Source:      tab.PageURL,
		Logger:      logger,
	})
	defer stage.Close()

	if err := stage.Start(ctx); err != nil {
		return err
	}

	video := browser.NewVideo(tab.Page, cfg.Hero.Selector, cfg.Hero.PlaybackSources(), logger)
	if err := video.Listen(ctx, stage); err != nil {
		logger.Warn("heromedia: no hero video on page", "selector", cfg.Hero.Selector, "error", err)
	} else if err := stage.Mount(video); err != nil {
		return err
	}

	if cfg.HTTP.Addr != "" {
		h := server.New(stage, server.Options{
			Metrics: m.Handler(stage.RefreshMetrics),
			Journal: journal,
			Logger:  logger,
		})
		go func() {
			if err := server.Serve(ctx, cfg.HTTP.Addr, h, logger); err != nil {
				logger.Error("heromedia: http server", "error", err)
			}
		}()
	}

	if mcpMode {
		srv := mcp.NewServer(&mcp.Implementation{Name: "heromedia", Version: version}, nil)
		stage.RegisterMCP(srv)
		logger.Info("heromedia: serving MCP on stdio")
		if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
			return fmt.Errorf("mcp: %w", err)
		}
		return nil
	}

	<-ctx.Done()
	return nil
}

func retention(ctx context.Context, logger *slog.Logger, j *sink.Journal, days int) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		if n, err := j.Cleanup(ctx, days, false); err != nil {
			logger.Warn("heromedia: journal cleanup", "error", err)
		} else if n > 0 {
			logger.Info("heromedia: journal cleanup", "deleted", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func runRewrite(ctx context.Context, logger *slog.Logger, cfg *config.Config, path string, asSnapshot bool, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("rewrite: %w", err)
	}
	defer f.Close()
	if !asSnapshot {
		_, err := rewrite(ctx, logger, cfg, f, out)
		return err
	}

	var buf bytes.Buffer
	optimized, err := rewrite(ctx, logger, cfg, f, &buf)
	if err != nil {
		return err
	}
	pageURL := cfg.Page.URL
	if pageURL == "" {
		pageURL = "file://" + path
	}
	snap := &mutation.Snapshot{
		ID:        idgen.New(),
		PageURL:   pageURL,
		HTML:      buf.Bytes(),
		HTMLHash:  mutation.HashHTML(buf.Bytes()),
		Optimized: optimized,
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := mutation.MarshalSnapshot(snap)
	if err != nil {
		return fmt.Errorf("rewrite: snapshot: %w", err)
	}
	_, err = out.Write(append(data, '\n'))
	return err
}

// rewrite applies the reprocessor's initial pass to a static document and
// returns the number of elements it optimised.
func rewrite(ctx context.Context, logger *slog.Logger, cfg *config.Config, in io.Reader, out io.Writer) (int, error) {
	doc, err := htmldoc.Parse(in, htmldoc.WithViewport(float64(cfg.Page.Viewport.Height)))
	if err != nil {
		return 0, fmt.Errorf("rewrite: parse: %w", err)
	}
	opts := cfg.Reprocessor.Options()
	opts.Logger = logger
	rp := domwatch.New(doc, opts)
	if err := rp.Start(ctx); err != nil {
		return 0, fmt.Errorf("rewrite: %w", err)
	}
	st := rp.Stats()
	rp.Stop()
	logger.Info("heromedia: rewritten", "optimized", st.Optimized, "excluded", st.Excluded)
	return st.Optimized, doc.Render(out)
}
