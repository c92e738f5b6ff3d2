package api

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

	"github.com/miyaichi/adfit-checker/internal/capture"
	"github.com/miyaichi/adfit-checker/internal/events"
	"github.com/miyaichi/adfit-checker/internal/panel"
	"github.com/miyaichi/adfit-checker/internal/protocol"
	"github.com/miyaichi/adfit-checker/internal/snapshot"
)

type Service interface {
	ConnectionStatus() panel.ConnectionStatus
	Reconnect(ctx context.Context) (panel.ConnectionStatus, error)
	CaptureTab(ctx context.Context, tabID int, notes string) (snapshot.Meta, error)
	CaptureState() capture.State
	ListSnapshots() ([]snapshot.Meta, error)
	GetSnapshot(id string) (snapshot.Meta, error)
	ReadSnapshotImage(id string) ([]byte, string, error)
	DeleteSnapshot(id string) error
}

// NewServer builds the panel HTTP API. broker feeds GET /api/v1/events.
func NewServer(svc Service, broker *events.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(RequestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Capture Panel API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	router.Get("/api/v1/events", events.SSEHandler(broker))

	registerConnectionHandlers(api, svc)
	registerCaptureHandlers(api, svc)
	registerSnapshotHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *protocol.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case protocol.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case protocol.CodeNotFound:
			return huma.Error404NotFound(coded.Message)
		case protocol.CodeSessionBusy:
			return huma.Error409Conflict(coded.Message)
		case protocol.CodeEmptyPage:
			return huma.Error422UnprocessableEntity(coded.Message)
		case protocol.CodeCaptureFailed, protocol.CodeInvalidImageData, protocol.CodeGeometryUnavailable:
			return huma.Error502BadGateway(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		case protocol.CodeNotConnected, protocol.CodeConnectionLost:
			return huma.Error503ServiceUnavailable(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		case protocol.CodeCaptureTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
