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

	"github.com/miyaichi/adfit-checker/internal/api"
	"github.com/miyaichi/adfit-checker/internal/capture"
	"github.com/miyaichi/adfit-checker/internal/config"
	"github.com/miyaichi/adfit-checker/internal/events"
	"github.com/miyaichi/adfit-checker/internal/logging"
	"github.com/miyaichi/adfit-checker/internal/netutil"
	"github.com/miyaichi/adfit-checker/internal/notify"
	"github.com/miyaichi/adfit-checker/internal/panel"
	"github.com/miyaichi/adfit-checker/internal/snapshot"
	"github.com/miyaichi/adfit-checker/internal/wire"
)

func main() {
	cfg, err := config.LoadPanel()
	if err != nil {
		slog.Error("failed to load panel config", "error", err)
		os.Exit(1)
	}

	if err := logging.Setup(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("panel config loaded",
		"bind_addr", cfg.BindAddr,
		"port_auto_fallback", cfg.PortAutoFallback,
		"port_candidates", cfg.PortCandidates,
		"hub_url", cfg.HubURL,
		"capture_peer", cfg.CapturePeer,
		"settle_delay_ms", cfg.SettleDelay.Milliseconds(),
		"slice_timeout_ms", cfg.SliceTimeout.Milliseconds(),
		"geometry_timeout_ms", cfg.GeometryTimeout.Milliseconds(),
		"probe_interval_ms", cfg.ProbeInterval.Milliseconds(),
		"snapshot_dir", cfg.SnapshotDir,
		"notify_url", cfg.NotifyURL,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	store, err := snapshot.NewStore(cfg.SnapshotDir)
	if err != nil {
		slog.Error("failed to open snapshot store", "dir", cfg.SnapshotDir, "error", err)
		os.Exit(1)
	}

	broker := events.NewBroker()
	link := panel.NewLink(panel.LinkConfig{
		Dialer: func(ctx context.Context) (wire.Transport, error) {
			return wire.DialWebSocket(ctx, cfg.HubURL)
		},
		ProbeInterval: cfg.ProbeInterval,
		OnStateChange: panel.ConnectionEvents(broker),
	})
	defer link.Close()

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 10*time.Second)
	if err := link.Connect(connectCtx); err != nil {
		// The panel still serves snapshots; POST /api/v1/connection/reconnect retries.
		slog.Warn("initial hub connect failed", "hub_url", cfg.HubURL, "error", err)
	}
	cancelConnect()

	svc := panel.NewService(capture.Config{
		CapturePeer:     cfg.CapturePeer,
		SettleDelay:     cfg.SettleDelay,
		SliceTimeout:    cfg.SliceTimeout,
		GeometryTimeout: cfg.GeometryTimeout,
		MaxCanvasPixels: cfg.MaxCanvasPixels,
	}, link, store, broker)
	h := api.NewServer(svc, broker)

	notifyCtx, stopNotify := context.WithCancel(context.Background())
	defer stopNotify()
	if cfg.NotifyURL != "" {
		go notify.ForwardCaptures(notifyCtx, &http.Client{Timeout: 10 * time.Second}, cfg.NotifyURL, broker)
	}

	srv := &http.Server{Addr: bindAddr, Handler: h}

	go func() {
		slog.Info("panel listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("panel server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("panel shutdown failed", "error", err)
	}
}
