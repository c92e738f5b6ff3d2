package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

// Config holds browser launch configuration.
type Config struct {
	CDPAddress string
	CDPPort    int
	StartURL   string
	ProfileDir string
	WindowSize string
	Headless   bool
}

// Launcher starts a local Chromium with a fixed remote debugging port so the
// hub and the tab agent can both attach to it.
type Launcher struct {
	cfg Config

	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	running       bool
}

// NewLauncher creates a new browser launcher with the given config.
func NewLauncher(cfg Config) *Launcher {
	if cfg.WindowSize == "" {
		cfg.WindowSize = "1280,900"
	}
	return &Launcher{cfg: cfg}
}

// detectBrowser finds an available Chrome/Chromium binary. An empty path
// leaves the lookup to chromedp.
func detectBrowser() string {
	candidates := []string{"chromium-browser", "chromium", "google-chrome"}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	if runtime.GOOS == "darwin" {
		macPath := "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
		if _, err := os.Stat(macPath); err == nil {
			return macPath
		}
	}
	return ""
}

// isPortInUse checks whether a TCP port is already listening.
func isPortInUse(address string, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(address, strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func parseWindowSize(s string) (int, int, error) {
	w, h, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, fmt.Errorf("window size %q: want WIDTH,HEIGHT", s)
	}
	width, err := strconv.Atoi(strings.TrimSpace(w))
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("window size %q: bad width", s)
	}
	height, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("window size %q: bad height", s)
	}
	return width, height, nil
}

func (l *Launcher) allocatorOptions() ([]chromedp.ExecAllocatorOption, error) {
	width, height, err := parseWindowSize(l.cfg.WindowSize)
	if err != nil {
		return nil, err
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", l.cfg.Headless),
		chromedp.Flag("remote-debugging-port", strconv.Itoa(l.cfg.CDPPort)),
		chromedp.Flag("remote-debugging-address", l.cfg.CDPAddress),
		chromedp.Flag("disable-breakpad", true),
		chromedp.UserDataDir(l.cfg.ProfileDir),
		chromedp.WindowSize(width, height),
	)
	if path := detectBrowser(); path != "" {
		slog.Info("detected browser", "path", path)
		opts = append(opts, chromedp.ExecPath(path))
	}
	return opts, nil
}

// Launch starts the browser unless the CDP port is already in use.
func (l *Launcher) Launch(ctx context.Context) error {
	if isPortInUse(l.cfg.CDPAddress, l.cfg.CDPPort) {
		slog.Info("browser already running, skipping launch",
			"address", l.cfg.CDPAddress, "port", l.cfg.CDPPort)
		return nil
	}

	if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	opts, err := l.allocatorOptions()
	if err != nil {
		return err
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	l.allocCancel, l.browserCancel = allocCancel, browserCancel

	var actions []chromedp.Action
	if l.cfg.StartURL != "" && l.cfg.StartURL != "about:blank" {
		actions = append(actions, chromedp.Navigate(l.cfg.StartURL))
	}
	if err := chromedp.Run(browserCtx, actions...); err != nil {
		l.Stop()
		return fmt.Errorf("start browser: %w", err)
	}
	l.running = true
	slog.Info("browser process started", "start_url", l.cfg.StartURL, "headless", l.cfg.Headless)

	if err := l.waitForCDP(ctx); err != nil {
		l.Stop()
		return fmt.Errorf("waiting for CDP: %w", err)
	}
	slog.Info("CDP endpoint ready",
		"address", l.cfg.CDPAddress, "port", l.cfg.CDPPort)

	return nil
}

// waitForCDP polls the CDP /json/version endpoint until it responds.
func (l *Launcher) waitForCDP(ctx context.Context) error {
	url := fmt.Sprintf("http://%s/json/version", net.JoinHostPort(l.cfg.CDPAddress, strconv.Itoa(l.cfg.CDPPort)))
	deadline := time.After(15 * time.Second)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	client := &http.Client{Timeout: time.Second}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("CDP did not become ready within 15s at %s", url)
		case <-ticker.C:
			resp, err := client.Get(url)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

// Running reports whether this launcher spawned a browser process.
func (l *Launcher) Running() bool {
	return l.running
}

// Stop closes the browser this launcher started. chromedp waits for the
// process to exit when the allocator is cancelled.
func (l *Launcher) Stop() {
	if l.browserCancel == nil {
		return
	}
	slog.Info("stopping browser")
	l.browserCancel()
	l.allocCancel()
	l.browserCancel, l.allocCancel = nil, nil
	l.running = false
	slog.Info("browser stopped")
}
