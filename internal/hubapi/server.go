package hubapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/miyaichi/adfit-checker/internal/api"
	"github.com/miyaichi/adfit-checker/internal/cdppeer"
	"github.com/miyaichi/adfit-checker/internal/hub"
	"github.com/miyaichi/adfit-checker/internal/protocol"
)

// Hub is the routing surface exposed over HTTP.
type Hub interface {
	Handler() http.HandlerFunc
	Endpoints() []hub.EndpointInfo
	Teardown(endpoint protocol.Endpoint, reason string) error
}

// TabLister reports the tabs the hub's capture peer is attached to.
type TabLister interface {
	Tabs() []cdppeer.TabInfo
}

// NewServer builds the hub HTTP API. tabs may be nil when the hub runs
// without a capture peer.
func NewServer(h Hub, tabs TabLister) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(api.RequestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Capture Hub API", "1.0.0")
	cfg.DocsPath = ""
	humaAPI := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	router.Get("/ws", h.Handler())

	registerEndpointHandlers(humaAPI, h)
	if tabs != nil {
		registerTabHandlers(humaAPI, tabs)
	}
	return router
}

func registerEndpointHandlers(humaAPI huma.API, h Hub) {
	type endpointsOutput struct {
		Body struct {
			Endpoints []hub.EndpointInfo `json:"endpoints"`
		}
	}
	huma.Register(humaAPI, huma.Operation{OperationID: "list-endpoints", Method: http.MethodGet, Path: "/api/v1/endpoints", Summary: "List registered endpoints", Tags: []string{"Endpoints"}},
		func(ctx context.Context, input *struct{}) (*endpointsOutput, error) {
			out := &endpointsOutput{}
			out.Body.Endpoints = h.Endpoints()
			return out, nil
		})

	type teardownOutput struct {
		Body struct {
			Endpoint protocol.Endpoint `json:"endpoint"`
			Status   string            `json:"status"`
		}
	}
	huma.Register(humaAPI, huma.Operation{OperationID: "teardown-endpoint", Method: http.MethodPost, Path: "/api/v1/endpoints/{endpoint}/teardown", Summary: "Disconnect an endpoint", Description: "Sends TEARDOWN to the endpoint and closes its connection. The endpoint's owner decides whether to reconnect.", Tags: []string{"Endpoints"}},
		func(ctx context.Context, input *struct {
			Endpoint string `path:"endpoint" doc:"Endpoint name, e.g. panel or tab:3"`
			Reason   string `query:"reason" default:"operator request"`
		}) (*teardownOutput, error) {
			ep, err := protocol.ParseEndpoint(input.Endpoint)
			if err != nil {
				return nil, mapErr(err)
			}
			if !ep.Concrete() || ep == protocol.Hub {
				return nil, huma.Error400BadRequest(fmt.Sprintf("endpoint %s cannot be torn down", ep))
			}
			if err := h.Teardown(ep, input.Reason); err != nil {
				return nil, mapErr(err)
			}
			out := &teardownOutput{}
			out.Body.Endpoint = ep
			out.Body.Status = "torn_down"
			return out, nil
		})
}

func registerTabHandlers(humaAPI huma.API, tabs TabLister) {
	type tabsOutput struct {
		Body struct {
			Tabs []cdppeer.TabInfo `json:"tabs"`
		}
	}
	huma.Register(humaAPI, huma.Operation{OperationID: "list-capture-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List tabs attached for capture", Tags: []string{"Capture"}},
		func(ctx context.Context, input *struct{}) (*tabsOutput, error) {
			out := &tabsOutput{}
			out.Body.Tabs = tabs.Tabs()
			if out.Body.Tabs == nil {
				out.Body.Tabs = []cdppeer.TabInfo{}
			}
			return out, nil
		})
}

func mapErr(err error) error {
	var coded *protocol.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case protocol.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case protocol.CodeNotFound:
			return huma.Error404NotFound(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
