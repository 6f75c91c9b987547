// Package message implements the message boundary used by capture producers and
// viewers: a small set of typed requests routed onto the record store.
package message

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dgnsrekt/tabtrace/internal/types"
)

// Type names a message.
type Type string

const (
	TypeAddRecord     Type = "ADD_RECORD"
	TypeGetRecords    Type = "GET_RECORDS"
	TypeDeleteRecords Type = "DELETE_RECORDS"
	TypeExitCapture   Type = "EXIT_CAPTURE"
)

// Message is one inbound request. TabID, when set, overrides the tab implied by
// the channel the message arrived on.
type Message struct {
	Type  Type            `json:"type"`
	TabID types.TabID     `json:"tabId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Response is the reply to a message. Records is only set for GET_RECORDS, where
// an empty result still serializes as [].
type Response struct {
	Type    Type           `json:"type"`
	TabID   types.TabID    `json:"tabId"`
	Status  string         `json:"status"`
	Records []types.Record `json:"records,omitzero"`
}

// Store is the subset of the record service the dispatcher drives.
type Store interface {
	AddOrMerge(ctx context.Context, tabID types.TabID, rec types.Record)
	GetAll(tabID types.TabID) []types.Record
	DeleteAll(tabID types.TabID)
}

// Dispatcher routes messages to a Store.
type Dispatcher struct {
	store Store
}

func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{store: store}
}

// Handle processes msg on behalf of senderTab. ADD_RECORD never reports store-side
// drops; it only fails when the payload cannot be decoded as a record.
func (d *Dispatcher) Handle(ctx context.Context, senderTab types.TabID, msg Message) (Response, error) {
	tabID := senderTab
	if msg.TabID != 0 {
		tabID = msg.TabID
	}
	resp := Response{Type: msg.Type, TabID: tabID, Status: "success"}

	switch msg.Type {
	case TypeAddRecord:
		if len(msg.Data) == 0 {
			return resp, types.NewError(types.CodeValidation, "data is required", nil)
		}
		rec, err := types.Decode(msg.Data)
		if err != nil {
			return resp, err
		}
		d.store.AddOrMerge(ctx, tabID, rec)
		return resp, nil

	case TypeGetRecords:
		resp.Records = []types.Record{}
		if tabID.Valid() {
			resp.Records = d.store.GetAll(tabID)
		}
		return resp, nil

	case TypeDeleteRecords, TypeExitCapture:
		if !tabID.Valid() {
			return resp, types.NewError(types.CodeValidation, "tab id is required", nil)
		}
		d.store.DeleteAll(tabID)
		slog.Info("tab records cleared", "tab_id", tabID, "reason", string(msg.Type))
		return resp, nil

	default:
		return resp, types.NewError(types.CodeUnknownMessage, fmt.Sprintf("unknown message type %q", msg.Type), nil)
	}
}

// Decode parses a JSON message.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, types.NewError(types.CodeValidation, "message is not valid JSON", err)
	}
	if msg.Type == "" {
		return Message{}, types.NewError(types.CodeValidation, "message type is required", nil)
	}
	return msg, nil
}
