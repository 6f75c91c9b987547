package api

import (
	"context"
	"net/http"
	"sort"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/tabtrace/internal/types"
)

type tabSummary struct {
	TabID       types.TabID `json:"tab_id"`
	TargetID    string      `json:"target_id,omitempty"`
	URL         string      `json:"url,omitempty"`
	PathSegment string      `json:"path_segment,omitempty"`
	Active      bool        `json:"active"`
	Attached    bool        `json:"attached"`
	RecordCount int         `json:"record_count"`
}

func registerTabHandlers(api huma.API, deps Deps) {
	type listTabsOutput struct {
		Body struct {
			Tabs []tabSummary `json:"tabs"`
		}
	}

	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List attached tabs and tabs holding records", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*listTabsOutput, error) {
			out := &listTabsOutput{}
			out.Body.Tabs = listTabs(deps)
			return out, nil
		})

	if deps.Tabs == nil {
		return
	}

	type tabOutput struct {
		Body tabSummary
	}

	huma.Register(api, huma.Operation{OperationID: "get-tab", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}", Summary: "Get one attached tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*tabOutput, error) {
			info, ok := deps.Tabs.GetByID(types.TabID(input.TabID))
			if !ok {
				return nil, mapErr(types.NewError(types.CodeTabNotFound, "tab not attached", nil))
			}
			summary := summarize(*info)
			summary.RecordCount = len(deps.Store.GetAll(info.ID))
			return &tabOutput{Body: summary}, nil
		})
}

func listTabs(deps Deps) []tabSummary {
	byID := make(map[types.TabID]tabSummary)
	if deps.Tabs != nil {
		for _, info := range deps.Tabs.List() {
			byID[info.ID] = summarize(info)
		}
	}
	for _, id := range deps.Store.Tabs() {
		if _, ok := byID[id]; !ok {
			byID[id] = tabSummary{TabID: id}
		}
	}

	tabs := make([]tabSummary, 0, len(byID))
	for id, summary := range byID {
		summary.RecordCount = len(deps.Store.GetAll(id))
		tabs = append(tabs, summary)
	}
	sort.Slice(tabs, func(i, j int) bool { return tabs[i].TabID < tabs[j].TabID })
	return tabs
}

func summarize(info types.TabInfo) tabSummary {
	return tabSummary{
		TabID:       info.ID,
		TargetID:    info.TargetID,
		URL:         info.URL,
		PathSegment: info.PathSegment,
		Active:      info.Active,
		Attached:    true,
	}
}
