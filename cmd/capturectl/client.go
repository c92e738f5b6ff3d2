package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/miyaichi/adfit-checker/internal/capture"
	"github.com/miyaichi/adfit-checker/internal/panel"
	"github.com/miyaichi/adfit-checker/internal/snapshot"
)

// client talks to the panel HTTP API.
type client struct {
	BaseURL string
	Client  *http.Client
}

func newClient(addr string, timeout time.Duration) *client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &client{BaseURL: base, Client: &http.Client{Timeout: timeout}}
}

// apiError mirrors the problem document huma returns on failures.
type apiError struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func (e *apiError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Title, e.Detail)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Title)
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("panel not reachable at %s: %w", c.BaseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)
	e := &apiError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
	if err := json.Unmarshal(raw, e); err != nil || e.Status == 0 {
		e.Status = resp.StatusCode
		e.Detail = strings.TrimSpace(string(raw))
	}
	return e
}

func (c *client) status(ctx context.Context) (panel.ConnectionStatus, error) {
	var st panel.ConnectionStatus
	err := c.do(ctx, http.MethodGet, "/api/v1/connection", nil, &st)
	return st, err
}

func (c *client) reconnect(ctx context.Context) (panel.ConnectionStatus, error) {
	var st panel.ConnectionStatus
	err := c.do(ctx, http.MethodPost, "/api/v1/connection/reconnect", nil, &st)
	return st, err
}

func (c *client) captureState(ctx context.Context) (capture.State, error) {
	var st capture.State
	err := c.do(ctx, http.MethodGet, "/api/v1/capture/state", nil, &st)
	return st, err
}

func (c *client) capture(ctx context.Context, tabID int, notes string) (snapshot.Meta, error) {
	var out struct {
		Snapshot snapshot.Meta `json:"snapshot"`
	}
	in := map[string]string{"notes": notes}
	err := c.do(ctx, http.MethodPost, "/api/v1/tabs/"+strconv.Itoa(tabID)+"/capture", in, &out)
	return out.Snapshot, err
}

func (c *client) listSnapshots(ctx context.Context) ([]snapshot.Meta, error) {
	var out struct {
		Snapshots []snapshot.Meta `json:"snapshots"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/snapshots", nil, &out)
	return out.Snapshots, err
}

func (c *client) getSnapshot(ctx context.Context, id string) (snapshot.Meta, error) {
	var meta snapshot.Meta
	err := c.do(ctx, http.MethodGet, "/api/v1/snapshots/"+id, nil, &meta)
	return meta, err
}

func (c *client) deleteSnapshot(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/snapshots/"+id, nil, nil)
}

// snapshotImage streams the stored image of id into w.
func (c *client) snapshotImage(ctx context.Context, id string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/v1/snapshots/"+id+"/image", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("panel not reachable at %s: %w", c.BaseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, decodeAPIError(resp)
	}
	return io.Copy(w, resp.Body)
}
