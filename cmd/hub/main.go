package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miyaichi/adfit-checker/internal/cdppeer"
	"github.com/miyaichi/adfit-checker/internal/config"
	"github.com/miyaichi/adfit-checker/internal/hub"
	"github.com/miyaichi/adfit-checker/internal/hubapi"
	"github.com/miyaichi/adfit-checker/internal/logging"
	"github.com/miyaichi/adfit-checker/internal/netutil"
)

func main() {
	cfg, err := config.LoadHub()
	if err != nil {
		slog.Error("failed to load hub config", "error", err)
		os.Exit(1)
	}

	if err := logging.Setup(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("hub config loaded",
		"bind_addr", cfg.BindAddr,
		"port_auto_fallback", cfg.PortAutoFallback,
		"port_candidates", cfg.PortCandidates,
		"teardown_tabs_on_panel_close", cfg.TeardownTabsOnPanelClose,
		"outbound_buffer", cfg.OutboundBuffer,
		"capture_enabled", cfg.CaptureEnabled,
		"cdp_url", cfg.CDPURL(),
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	router := hub.NewServer(hub.Config{
		OutboundBuffer:           cfg.OutboundBuffer,
		TeardownTabsOnPanelClose: cfg.TeardownTabsOnPanelClose,
	})
	defer router.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var tabs hubapi.TabLister
	if cfg.CaptureEnabled {
		browser := cdppeer.NewBrowser(cfg.CDPURL(), nil, nil)
		if err := browser.Connect(ctx); err != nil {
			slog.Error("failed to connect capture browser", "cdp_url", cfg.CDPURL(), "error", err)
			os.Exit(1)
		}
		defer func() { _ = browser.Close() }()

		router.SetLocalHandler(cdppeer.NewCapturePeer(browser, router).Handle)
		go syncTabs(ctx, browser, cfg.TabSyncInterval)
		tabs = browser
	}

	srv := &http.Server{Addr: bindAddr, Handler: hubapi.NewServer(router, tabs)}

	go func() {
		slog.Info("hub listening", "addr", bindAddr, "ws", "ws://"+bindAddr+"/ws", "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("hub server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("hub shutdown failed", "error", err)
	}
}

// syncTabs keeps the capture browser attached to the current page targets.
func syncTabs(ctx context.Context, browser *cdppeer.Browser, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		tabs, err := browser.SyncTabs(ctx)
		if err != nil {
			slog.Warn("capture tab sync failed", "error", err)
		} else {
			slog.Debug("capture tabs synced", "count", len(tabs))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
