package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultPanelAddr = "http://127.0.0.1:8390"

var (
	panelAddr      string
	requestTimeout time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "capturectl",
	Short: "Drive full-page captures through the control panel",
	Long: "capturectl talks to the control panel HTTP API: it reports the hub connection, " +
		"starts full-page captures of bound tabs and manages the stored snapshots.",
	SilenceUsage: true,
}

func init() {
	addr := os.Getenv("PANEL_ADDR")
	if addr == "" {
		addr = defaultPanelAddr
	}
	rootCmd.PersistentFlags().StringVar(&panelAddr, "addr", addr, "panel API address (env PANEL_ADDR)")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 2*time.Minute, "request timeout")
}

func apiClient() *client {
	return newClient(panelAddr, requestTimeout)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
