package hubapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/miyaichi/adfit-checker/internal/cdppeer"
	"github.com/miyaichi/adfit-checker/internal/channel"
	"github.com/miyaichi/adfit-checker/internal/dispatch"
	"github.com/miyaichi/adfit-checker/internal/hub"
	"github.com/miyaichi/adfit-checker/internal/protocol"
	"github.com/miyaichi/adfit-checker/internal/wire"
)

type staticTabs []cdppeer.TabInfo

func (s staticTabs) Tabs() []cdppeer.TabInfo { return s }

func startHub(t *testing.T) (*hub.Server, *httptest.Server) {
	t.Helper()
	h := hub.NewServer(hub.Config{})
	srv := httptest.NewServer(NewServer(h, staticTabs{{ID: 11, TargetID: "T11", URL: "https://example.com/"}}))
	t.Cleanup(srv.Close)
	t.Cleanup(h.Close)
	return h, srv
}

func dialPanel(t *testing.T, srv *httptest.Server) *channel.Channel {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ch := channel.New(channel.Options{
		Self: protocol.Panel,
		Dialer: func(ctx context.Context) (wire.Transport, error) {
			return wire.DialWebSocket(ctx, wsURL)
		},
		Inbound:       dispatch.New(),
		ProbeInterval: time.Hour,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(ch.Close)
	return ch
}

func TestEndpointsListsWebSocketClients(t *testing.T) {
	_, srv := startHub(t)
	dialPanel(t, srv)

	resp, err := http.Get(srv.URL + "/api/v1/endpoints")
	if err != nil {
		t.Fatalf("GET endpoints error = %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Endpoints []hub.EndpointInfo `json:"endpoints"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(body.Endpoints) != 1 || body.Endpoints[0].Endpoint != protocol.Panel {
		t.Fatalf("endpoints = %+v; want [panel]", body.Endpoints)
	}
}

func TestTeardownRoute(t *testing.T) {
	_, srv := startHub(t)
	ch := dialPanel(t, srv)

	resp, err := http.Post(srv.URL+"/api/v1/endpoints/panel/teardown?reason=maintenance", "application/json", nil)
	if err != nil {
		t.Fatalf("POST teardown error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("teardown status = %d; want 200", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for ch.Status() != channel.StateDisconnected {
		if time.Now().After(deadline) {
			t.Fatalf("channel state = %s; want disconnected", ch.Status())
		}
		time.Sleep(5 * time.Millisecond)
	}

	for path, want := range map[string]int{
		"/api/v1/endpoints/tab:9/teardown":   http.StatusNotFound,
		"/api/v1/endpoints/bogus/teardown":   http.StatusBadRequest,
		"/api/v1/endpoints/unbound/teardown": http.StatusBadRequest,
	} {
		resp, err := http.Post(srv.URL+path, "application/json", nil)
		if err != nil {
			t.Fatalf("POST %s error = %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("POST %s status = %d; want %d", path, resp.StatusCode, want)
		}
	}
}

func TestTabsAndDocs(t *testing.T) {
	_, srv := startHub(t)

	resp, err := http.Get(srv.URL + "/api/v1/tabs")
	if err != nil {
		t.Fatalf("GET tabs error = %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Tabs []cdppeer.TabInfo `json:"tabs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(body.Tabs) != 1 || body.Tabs[0].ID != 11 {
		t.Fatalf("tabs = %+v", body.Tabs)
	}

	docs, err := http.Get(srv.URL + "/docs")
	if err != nil {
		t.Fatalf("GET docs error = %v", err)
	}
	docs.Body.Close()
	if docs.StatusCode != http.StatusOK {
		t.Fatalf("docs status = %d", docs.StatusCode)
	}
}
