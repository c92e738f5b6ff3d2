package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/miyaichi/adfit-checker/internal/protocol"
)

// PanelConfig holds configuration for the control panel service.
type PanelConfig struct {
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	HubURL        string
	CapturePeer   protocol.Endpoint
	ProbeInterval time.Duration

	SettleDelay     time.Duration
	SliceTimeout    time.Duration
	GeometryTimeout time.Duration
	MaxCanvasPixels int

	SnapshotDir string
	NotifyURL   string
	LogLevel    string
	LogFile     string
}

// LoadPanel reads panel configuration from environment variables and optional .env file.
func LoadPanel() (*PanelConfig, error) {
	loadDotEnv()

	peer, err := protocol.ParseEndpoint(getEnvOrDefault("PANEL_CAPTURE_PEER", "hub"))
	if err != nil {
		return nil, fmt.Errorf("PANEL_CAPTURE_PEER: %w", err)
	}
	if peer == protocol.Unbound || peer == protocol.Panel {
		return nil, fmt.Errorf("PANEL_CAPTURE_PEER: %q cannot take screenshots", peer)
	}

	cfg := &PanelConfig{
		BindAddr:         getEnvOrDefault("PANEL_BIND_ADDR", "127.0.0.1:8390"),
		PortCandidates:   getEnvListOrDefault("PANEL_PORT_CANDIDATES", []string{"127.0.0.1:8391", "127.0.0.1:8392"}),
		PortAutoFallback: getEnvBoolOrDefault("PANEL_PORT_AUTO_FALLBACK", true),
		HubURL:           getEnvOrDefault("PANEL_HUB_URL", "ws://127.0.0.1:8290/ws"),
		CapturePeer:      peer,
		ProbeInterval:    getEnvDurationMSOrDefault("PANEL_PROBE_INTERVAL_MS", 5000, 100),
		SettleDelay:      getEnvDurationMSOrDefault("PANEL_SETTLE_DELAY_MS", 1000, 0),
		SliceTimeout:     getEnvDurationMSOrDefault("PANEL_SLICE_TIMEOUT_MS", 5000, 500),
		GeometryTimeout:  getEnvDurationMSOrDefault("PANEL_GEOMETRY_TIMEOUT_MS", 5000, 500),
		MaxCanvasPixels:  getEnvIntOrDefault("PANEL_MAX_CANVAS_PIXELS", 16384*16384),
		SnapshotDir:      getEnvOrDefault("SNAPSHOT_DIR", "./snapshots"),
		NotifyURL:        getEnvOrDefault("PANEL_NOTIFY_URL", ""),
		LogLevel:         strings.ToLower(getEnvOrDefault("PANEL_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("PANEL_LOG_FILE", "logs/panel.log"),
	}
	return cfg, nil
}
