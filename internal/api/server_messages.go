package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/tabtrace/internal/message"
	"github.com/dgnsrekt/tabtrace/internal/types"
)

type messageOutput struct {
	Body message.Response
}

func registerMessageHandlers(api huma.API, dispatcher *message.Dispatcher) {
	huma.Register(api, huma.Operation{OperationID: "post-message", Method: http.MethodPost, Path: "/api/v1/messages", Summary: "Handle one capture message", Tags: []string{"Messages"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Type  string         `json:"type" required:"true" enum:"ADD_RECORD,GET_RECORDS,DELETE_RECORDS,EXIT_CAPTURE" doc:"Message type"`
				TabID int            `json:"tabId,omitempty" doc:"Tab the message applies to"`
				Data  map[string]any `json:"data,omitempty" doc:"Record payload for ADD_RECORD"`
			}
		}) (*messageOutput, error) {
			msg := message.Message{Type: message.Type(input.Body.Type), TabID: types.TabID(input.Body.TabID)}
			if input.Body.Data != nil {
				data, err := json.Marshal(input.Body.Data)
				if err != nil {
					return nil, huma.Error400BadRequest("data is not serializable", err)
				}
				msg.Data = data
			}
			resp, err := dispatcher.Handle(ctx, 0, msg)
			if err != nil {
				return nil, mapErr(err)
			}
			return &messageOutput{Body: resp}, nil
		})
}
