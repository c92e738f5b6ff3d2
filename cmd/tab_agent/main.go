package main

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/miyaichi/adfit-checker/internal/browser"
	"github.com/miyaichi/adfit-checker/internal/cdppeer"
	"github.com/miyaichi/adfit-checker/internal/config"
	"github.com/miyaichi/adfit-checker/internal/logging"
	"github.com/miyaichi/adfit-checker/internal/tabagent"
	"github.com/miyaichi/adfit-checker/internal/wire"
)

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		slog.Error("failed to load agent config", "error", err)
		os.Exit(1)
	}

	if err := logging.Setup(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	bindings, err := config.LoadBindings(cfg.BindingsFile)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("bindings file not found, binding every tab", "path", cfg.BindingsFile)
		bindings = config.DefaultBindings()
	} else if err != nil {
		slog.Error("failed to load bindings", "path", cfg.BindingsFile, "error", err)
		os.Exit(1)
	}

	slog.Info("agent config loaded",
		"hub_url", cfg.HubURL,
		"bindings_file", cfg.BindingsFile,
		"url_patterns", bindings.URLPatterns,
		"exclude_patterns", bindings.ExcludePatterns,
		"sync_interval_ms", cfg.SyncInterval.Milliseconds(),
		"probe_interval_ms", cfg.ProbeInterval.Milliseconds(),
		"cdp_url", cfg.CDPURL(),
		"launch_browser", cfg.LaunchBrowser,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			StartURL:   cfg.StartURL,
			ProfileDir: cfg.ProfileDir,
			WindowSize: cfg.WindowSize,
			Headless:   cfg.Headless,
		})
		if err := launcher.Launch(ctx); err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	b := cdppeer.NewBrowser(cfg.CDPURL(), bindings.Allows, nil)
	if err := b.Connect(ctx); err != nil {
		slog.Error("failed to connect to browser", "cdp_url", cfg.CDPURL(), "error", err)
		os.Exit(1)
	}
	defer func() { _ = b.Close() }()

	agent := tabagent.New(tabagent.Config{
		Dialer: func(ctx context.Context) (wire.Transport, error) {
			return wire.DialWebSocket(ctx, cfg.HubURL)
		},
		ProbeInterval: cfg.ProbeInterval,
	}, b)

	done := make(chan struct{})
	go func() {
		agent.Run(ctx, cfg.SyncInterval)
		close(done)
	}()
	slog.Info("tab agent running", "hub_url", cfg.HubURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	stop()
	<-done
}
