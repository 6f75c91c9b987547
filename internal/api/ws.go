package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dgnsrekt/tabtrace/internal/message"
	"github.com/dgnsrekt/tabtrace/internal/types"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

type wsError struct {
	Type   message.Type `json:"type,omitempty"`
	TabID  types.TabID  `json:"tabId"`
	Status string       `json:"status"`
	Code   string       `json:"code"`
	Error  string       `json:"error"`
}

// wsHandler serves the capture message channel. Each text frame carries one
// message; the connection's ?tab_id= is the sender tab.
func wsHandler(dispatcher *message.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sender types.TabID
		if q := r.URL.Query().Get("tab_id"); q != "" {
			n, err := strconv.Atoi(q)
			if err != nil || !types.TabID(n).Valid() {
				http.Error(w, "tab_id must be a positive integer", http.StatusBadRequest)
				return
			}
			sender = types.TabID(n)
		}

		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			slog.Debug("ws upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		reqID := middleware.GetReqID(r.Context())
		slog.Info("ws client connected", "tab_id", sender, "remote", r.RemoteAddr, "request_id", reqID)

		ctx := r.Context()
		for {
			data, op, err := wsutil.ReadClientData(conn)
			if err != nil {
				slog.Debug("ws read loop exit", "tab_id", sender, "error", err)
				return
			}
			if op != ws.OpText {
				continue
			}

			reply := handleFrame(ctx, dispatcher, sender, data)
			out, err := json.Marshal(reply)
			if err != nil {
				slog.Error("ws reply marshal failed", "tab_id", sender, "error", err)
				continue
			}
			if err := wsutil.WriteServerText(conn, out); err != nil {
				slog.Debug("ws write failed", "tab_id", sender, "error", err)
				return
			}
		}
	}
}

func handleFrame(ctx context.Context, dispatcher *message.Dispatcher, sender types.TabID, data []byte) any {
	msg, err := message.Decode(data)
	if err != nil {
		return frameError("", sender, err)
	}
	resp, err := dispatcher.Handle(ctx, sender, msg)
	if err != nil {
		return frameError(msg.Type, resp.TabID, err)
	}
	return resp
}

func frameError(typ message.Type, tabID types.TabID, err error) wsError {
	out := wsError{Type: typ, TabID: tabID, Status: "error", Code: "INTERNAL", Error: err.Error()}
	var coded *types.CodedError
	if errors.As(err, &coded) {
		out.Code = coded.Code
		out.Error = coded.Message
	}
	return out
}
