package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/tabtrace/internal/message"
	"github.com/dgnsrekt/tabtrace/internal/records"
	"github.com/dgnsrekt/tabtrace/internal/types"
)

type exportHeader struct {
	Kind           string      `json:"kind"`
	TabID          types.TabID `json:"tab_id"`
	URL            string      `json:"url,omitempty"`
	ExportedAt     string      `json:"exported_at"`
	RecordCount    int         `json:"record_count"`
	Trimmed        bool        `json:"trimmed"`
	EstimatedBytes int         `json:"estimated_bytes"`
}

func registerRecordHandlers(api huma.API, dispatcher *message.Dispatcher, deps Deps) {
	type listRecordsOutput struct {
		Body struct {
			TabID   types.TabID    `json:"tab_id"`
			Records []types.Record `json:"records"`
		}
	}

	huma.Register(api, huma.Operation{OperationID: "list-records", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}/records", Summary: "List stored records for a tab", Tags: []string{"Records"}},
		func(ctx context.Context, input *tabIDInput) (*listRecordsOutput, error) {
			resp, err := dispatcher.Handle(ctx, types.TabID(input.TabID), message.Message{Type: message.TypeGetRecords})
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listRecordsOutput{}
			out.Body.TabID = resp.TabID
			out.Body.Records = resp.Records
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "add-record", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/records", Summary: "Add or merge a record", Tags: []string{"Records"}},
		func(ctx context.Context, input *struct {
			TabID int            `path:"tab_id" minimum:"1"`
			Body  map[string]any `doc:"Record with a recordType discriminator"`
		}) (*statusOutput, error) {
			data, err := json.Marshal(input.Body)
			if err != nil {
				return nil, huma.Error400BadRequest("record is not serializable", err)
			}
			return handleStatus(ctx, dispatcher, input.TabID, message.Message{Type: message.TypeAddRecord, Data: data})
		})

	huma.Register(api, huma.Operation{OperationID: "delete-records", Method: http.MethodDelete, Path: "/api/v1/tabs/{tab_id}/records", Summary: "Delete all records for a tab", Tags: []string{"Records"}},
		func(ctx context.Context, input *tabIDInput) (*statusOutput, error) {
			return handleStatus(ctx, dispatcher, input.TabID, message.Message{Type: message.TypeDeleteRecords})
		})

	huma.Register(api, huma.Operation{OperationID: "exit-capture", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/exit", Summary: "End the capture session for a tab", Tags: []string{"Records"}},
		func(ctx context.Context, input *tabIDInput) (*statusOutput, error) {
			return handleStatus(ctx, dispatcher, input.TabID, message.Message{Type: message.TypeExitCapture})
		})

	if deps.Exports == nil {
		return
	}

	type exportOutput struct {
		Body struct {
			TabID          types.TabID `json:"tab_id"`
			Path           string      `json:"path"`
			RecordCount    int         `json:"record_count"`
			Trimmed        bool        `json:"trimmed"`
			EstimatedBytes int         `json:"estimated_bytes"`
		}
	}

	huma.Register(api, huma.Operation{OperationID: "export-records", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/records/export", Summary: "Write a tab's records to a JSONL export", Tags: []string{"Records"}},
		func(ctx context.Context, input *struct {
			TabID int `path:"tab_id" minimum:"1"`
			Body  struct {
				Force bool `json:"force,omitempty" doc:"Trim to anchor windows even when under the size limit"`
			}
		}) (*exportOutput, error) {
			tabID := types.TabID(input.TabID)
			opts := deps.Export
			opts.Force = input.Body.Force

			export := records.BuildExport(deps.Store.GetAll(tabID), opts)
			path, err := writeExport(ctx, deps, tabID, export)
			if err != nil {
				return nil, mapErr(err)
			}
			slog.Info("records exported", "tab_id", tabID, "records", len(export.Records), "trimmed", export.Trimmed, "path", path)
			if deps.OnExport != nil {
				go deps.OnExport(context.WithoutCancel(ctx), tabID, path, len(export.Records), export.Trimmed)
			}

			out := &exportOutput{}
			out.Body.TabID = tabID
			out.Body.Path = path
			out.Body.RecordCount = len(export.Records)
			out.Body.Trimmed = export.Trimmed
			out.Body.EstimatedBytes = export.EstimatedBytes
			return out, nil
		})
}

func handleStatus(ctx context.Context, dispatcher *message.Dispatcher, tabID int, msg message.Message) (*statusOutput, error) {
	resp, err := dispatcher.Handle(ctx, types.TabID(tabID), msg)
	if err != nil {
		return nil, mapErr(err)
	}
	out := &statusOutput{}
	out.Body.TabID = resp.TabID
	out.Body.Status = resp.Status
	return out, nil
}

func writeExport(ctx context.Context, deps Deps, tabID types.TabID, export records.Export) (string, error) {
	now := time.Now().UTC()
	header := exportHeader{
		Kind:           "export",
		TabID:          tabID,
		ExportedAt:     now.Format(time.RFC3339),
		RecordCount:    len(export.Records),
		Trimmed:        export.Trimmed,
		EstimatedBytes: export.EstimatedBytes,
	}
	pathSegment := "unattached"
	if deps.Tabs != nil {
		if info, ok := deps.Tabs.GetByID(tabID); ok {
			pathSegment = info.PathSegment
			header.URL = info.URL
		}
	}

	lines := make([]any, 0, len(export.Records)+1)
	lines = append(lines, header)
	for _, rec := range export.Records {
		lines = append(lines, rec)
	}

	fileID := fmt.Sprintf("tab-%d-%s", tabID, now.Format("150405"))
	path, err := deps.Exports.WriteLines(ctx, pathSegment, fileID, lines)
	if err != nil {
		return "", types.NewError(types.CodeExportFailed, "could not write export", err)
	}
	return path, nil
}
