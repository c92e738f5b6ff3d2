package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/miyaichi/adfit-checker/internal/capture"
	"github.com/miyaichi/adfit-checker/internal/panel"
	"github.com/miyaichi/adfit-checker/internal/snapshot"
)

type connectionOutput struct {
	Body panel.ConnectionStatus
}

func registerConnectionHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "get-connection", Method: http.MethodGet, Path: "/api/v1/connection", Summary: "Get hub connection state", Tags: []string{"Connection"}},
		func(ctx context.Context, input *struct{}) (*connectionOutput, error) {
			out := &connectionOutput{}
			out.Body = svc.ConnectionStatus()
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "reconnect", Method: http.MethodPost, Path: "/api/v1/connection/reconnect", Summary: "Reconnect to the hub", Description: "Replaces a lost channel with a new one. A live channel is left as is.", Tags: []string{"Connection"}},
		func(ctx context.Context, input *struct{}) (*connectionOutput, error) {
			status, err := svc.Reconnect(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &connectionOutput{}
			out.Body = status
			return out, nil
		})
}

func registerCaptureHandlers(api huma.API, svc Service) {
	type captureOutput struct {
		Body struct {
			Snapshot snapshot.Meta `json:"snapshot"`
			URL      string        `json:"url"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "capture-tab", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/capture", Summary: "Capture the full page of a tab", Description: "Scrolls the tab one viewport at a time, captures each slice and stitches them into one PNG.", Tags: []string{"Capture"}},
		func(ctx context.Context, input *struct {
			TabID int `path:"tab_id" doc:"Tab id as registered with the hub"`
			Body  *struct {
				Notes string `json:"notes,omitempty" doc:"Free-form annotation for the snapshot"`
			}
		}) (*captureOutput, error) {
			notes := ""
			if input.Body != nil {
				notes = input.Body.Notes
			}
			meta, err := svc.CaptureTab(ctx, input.TabID, notes)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &captureOutput{}
			out.Body.Snapshot = meta
			out.Body.URL = "/api/v1/snapshots/" + meta.ID + "/image"
			return out, nil
		})

	type stateOutput struct {
		Body capture.State
	}
	huma.Register(api, huma.Operation{OperationID: "get-capture-state", Method: http.MethodGet, Path: "/api/v1/capture/state", Summary: "Get capture session state", Tags: []string{"Capture"}},
		func(ctx context.Context, input *struct{}) (*stateOutput, error) {
			out := &stateOutput{}
			out.Body = svc.CaptureState()
			return out, nil
		})
}
