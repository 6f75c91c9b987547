package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/tabtrace/internal/feed"
	"github.com/dgnsrekt/tabtrace/internal/message"
	"github.com/dgnsrekt/tabtrace/internal/records"
	"github.com/dgnsrekt/tabtrace/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Store is the record store the API reads and writes.
type Store interface {
	message.Store
	Tabs() []types.TabID
}

// TabLister describes the browser tabs known to the capture side.
type TabLister interface {
	List() []types.TabInfo
	GetByID(id types.TabID) (*types.TabInfo, bool)
}

// ExportWriter persists export lines and returns the file written.
type ExportWriter interface {
	WriteLines(ctx context.Context, pathSegment, fileID string, lines []any) (string, error)
}

// Deps wires the server to the rest of the process. Tabs, Exports and Feed are
// optional; the routes that need them are not registered when nil.
type Deps struct {
	Store   Store
	Tabs    TabLister
	Exports ExportWriter
	Feed    *feed.Broker
	Export  records.ExportOptions
	// OnExport runs after an export file is written.
	OnExport func(ctx context.Context, tabID types.TabID, path string, records int, trimmed bool)
}

type tabIDInput struct {
	TabID int `path:"tab_id" minimum:"1" doc:"Numeric tab identifier"`
}

type statusOutput struct {
	Body struct {
		TabID  types.TabID `json:"tab_id"`
		Status string      `json:"status"`
	}
}

func NewServer(deps Deps) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("tabtrace API", "1.0.0")
	cfg.DocsPath = ""
	cfg.Info.Description = apiDescription(deps.Feed != nil)
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})

	dispatcher := message.NewDispatcher(deps.Store)
	router.Get("/ws", wsHandler(dispatcher))
	if deps.Feed != nil {
		router.Get("/api/v1/stream", feed.SSEHandler(deps.Feed))
	}

	registerMessageHandlers(api, dispatcher)
	registerRecordHandlers(api, dispatcher, deps)
	registerTabHandlers(api, deps)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *types.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case types.CodeValidation, types.CodeUnknownMessage:
			return huma.Error400BadRequest(coded.Message)
		case types.CodeTabNotFound:
			return huma.Error404NotFound(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
