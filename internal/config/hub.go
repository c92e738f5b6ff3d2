package config

import (
	"strings"
	"time"
)

// HubConfig holds configuration for the routing hub.
type HubConfig struct {
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	TeardownTabsOnPanelClose bool
	OutboundBuffer           int

	// Capture peer settings
	CaptureEnabled  bool
	CDPAddress      string
	CDPPort         int
	TabSyncInterval time.Duration

	LogLevel string
	LogFile  string
}

// LoadHub reads hub configuration from environment variables and optional .env file.
func LoadHub() (*HubConfig, error) {
	loadDotEnv()

	cfg := &HubConfig{
		BindAddr:                 getEnvOrDefault("HUB_BIND_ADDR", "127.0.0.1:8290"),
		PortCandidates:           getEnvListOrDefault("HUB_PORT_CANDIDATES", []string{"127.0.0.1:8291", "127.0.0.1:8292"}),
		PortAutoFallback:         getEnvBoolOrDefault("HUB_PORT_AUTO_FALLBACK", true),
		TeardownTabsOnPanelClose: getEnvBoolOrDefault("HUB_TEARDOWN_TABS_ON_PANEL_CLOSE", true),
		OutboundBuffer:           getEnvIntOrDefault("HUB_OUTBOUND_BUFFER", 64),
		CaptureEnabled:           getEnvBoolOrDefault("HUB_CAPTURE_ENABLED", true),
		CDPAddress:               getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:                  getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		TabSyncInterval:          getEnvDurationMSOrDefault("HUB_TAB_SYNC_INTERVAL_MS", 2000, 250),
		LogLevel:                 strings.ToLower(getEnvOrDefault("HUB_LOG_LEVEL", "info")),
		LogFile:                  getEnvOrDefault("HUB_LOG_FILE", "logs/hub.log"),
	}
	if cfg.OutboundBuffer < 1 {
		cfg.OutboundBuffer = 1
	}
	return cfg, nil
}

// CDPURL returns the CDP endpoint used by the chromedp remote allocator.
func (c *HubConfig) CDPURL() string {
	return cdpURL(c.CDPAddress, c.CDPPort)
}
