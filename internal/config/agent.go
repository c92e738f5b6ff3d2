package config

import (
	"strings"
	"time"
)

// AgentConfig holds configuration for the per-tab agent.
type AgentConfig struct {
	HubURL        string
	BindingsFile  string
	SyncInterval  time.Duration
	ProbeInterval time.Duration

	CDPAddress string
	CDPPort    int

	// Browser launch settings
	LaunchBrowser bool
	StartURL      string
	ProfileDir    string
	WindowSize    string
	Headless      bool

	LogLevel string
	LogFile  string
}

// LoadAgent reads agent configuration from environment variables and optional .env file.
func LoadAgent() (*AgentConfig, error) {
	loadDotEnv()

	cfg := &AgentConfig{
		HubURL:        getEnvOrDefault("AGENT_HUB_URL", "ws://127.0.0.1:8290/ws"),
		BindingsFile:  getEnvOrDefault("AGENT_BINDINGS_FILE", "./config/bindings.yaml"),
		SyncInterval:  getEnvDurationMSOrDefault("AGENT_SYNC_INTERVAL_MS", 2000, 250),
		ProbeInterval: getEnvDurationMSOrDefault("AGENT_PROBE_INTERVAL_MS", 5000, 100),
		CDPAddress:    getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:       getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		LaunchBrowser: getEnvBoolOrDefault("AGENT_LAUNCH_BROWSER", false),
		StartURL:      getEnvOrDefault("AGENT_START_URL", "about:blank"),
		ProfileDir:    getEnvOrDefault("AGENT_PROFILE_DIR", "./browser_profile"),
		WindowSize:    getEnvOrDefault("AGENT_WINDOW_SIZE", "1280,900"),
		Headless:      getEnvBoolOrDefault("AGENT_HEADLESS", false),
		LogLevel:      strings.ToLower(getEnvOrDefault("AGENT_LOG_LEVEL", "info")),
		LogFile:       getEnvOrDefault("AGENT_LOG_FILE", "logs/tab_agent.log"),
	}
	return cfg, nil
}

// CDPURL returns the CDP endpoint used by the chromedp remote allocator.
func (c *AgentConfig) CDPURL() string {
	return cdpURL(c.CDPAddress, c.CDPPort)
}
