//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

var env *Env

// Env holds shared state for all integration tests. The suite needs a running
// hub (with capture enabled), a tab agent bound to at least one tab and a panel.
type Env struct {
	PanelURL string
	HubURL   string
	Client   *http.Client
	TabID    int // discovered from the hub's /api/v1/tabs
}

// tabInfo mirrors the JSON shape from the hub's /api/v1/tabs.
type tabInfo struct {
	ID  int    `json:"id"`
	URL string `json:"url"`
}

// endpointInfo mirrors the JSON shape from the hub's /api/v1/endpoints.
type endpointInfo struct {
	Endpoint  string `json:"endpoint"`
	Delivered int64  `json:"delivered"`
	Dropped   int64  `json:"dropped"`
}

// discoverTab picks the first tab the hub's capture peer is attached to that
// also has a registered content endpoint.
func (e *Env) discoverTab() error {
	resp, err := e.Client.Get(e.HubURL + "/api/v1/tabs")
	if err != nil {
		return fmt.Errorf("hub not reachable at %s: %w", e.HubURL, err)
	}
	defer resp.Body.Close()
	var tabs struct {
		Tabs []tabInfo `json:"tabs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tabs); err != nil {
		return fmt.Errorf("decode tabs: %w", err)
	}

	registered, err := e.endpoints()
	if err != nil {
		return err
	}
	for _, tab := range tabs.Tabs {
		if registered[fmt.Sprintf("tab:%d", tab.ID)] {
			e.TabID = tab.ID
			return nil
		}
	}
	return fmt.Errorf("no bound tab found at %s (%d tabs attached)", e.HubURL, len(tabs.Tabs))
}

func (e *Env) endpoints() (map[string]bool, error) {
	resp, err := e.Client.Get(e.HubURL + "/api/v1/endpoints")
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer resp.Body.Close()
	var listing struct {
		Endpoints []endpointInfo `json:"endpoints"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("decode endpoints: %w", err)
	}
	out := make(map[string]bool, len(listing.Endpoints))
	for _, ep := range listing.Endpoints {
		out[ep.Endpoint] = true
	}
	return out, nil
}

// waitConnected polls the panel until its hub channel reports connected.
func (e *Env) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		resp, err := e.Client.Get(e.PanelURL + "/api/v1/connection")
		if err == nil {
			var st struct {
				State string `json:"state"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&st)
			resp.Body.Close()
			if st.State == "connected" {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("panel at %s did not connect within %s", e.PanelURL, timeout)
		}
		time.Sleep(250 * time.Millisecond)
	}
}

func TestMain(m *testing.M) {
	panelURL := os.Getenv("PANEL_URL")
	if panelURL == "" {
		panelURL = "http://127.0.0.1:8390"
	}
	hubURL := os.Getenv("HUB_HTTP_URL")
	if hubURL == "" {
		hubURL = "http://127.0.0.1:8290"
	}

	env = &Env{
		PanelURL: strings.TrimRight(panelURL, "/"),
		HubURL:   strings.TrimRight(hubURL, "/"),
		Client:   &http.Client{Timeout: 2 * time.Minute},
	}

	if err := env.waitConnected(10 * time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if err := env.discoverTab(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "integration: using tab %d via %s\n", env.TabID, env.PanelURL)

	os.Exit(m.Run())
}

// --- HTTP helpers ---

func (e *Env) GET(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := e.Client.Get(e.PanelURL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func (e *Env) POST(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, e.PanelURL+path, body)
}

func (e *Env) DELETE(t *testing.T, path string) *http.Response {
	t.Helper()
	return e.do(t, http.MethodDelete, e.PanelURL+path, nil)
}

func (e *Env) hubPOST(t *testing.T, path string) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, e.HubURL+path, nil)
}

func (e *Env) do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("%s %s: marshal body: %v", method, url, err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("%s %s: new request: %v", method, url, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

// --- Assertion helpers ---

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, want, body)
	}
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func requireField[T comparable](t *testing.T, got, want T, name string) {
	t.Helper()
	if got != want {
		t.Fatalf("%s = %v, want %v", name, got, want)
	}
}

func (e *Env) capturePath() string {
	return fmt.Sprintf("/api/v1/tabs/%d/capture", e.TabID)
}
