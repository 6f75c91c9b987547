package capture

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/dgnsrekt/tabtrace/internal/types"
)

const domainWebSocket = "websocket"

// wsConnection is a websocket the page opened, keyed by CDP request id.
type wsConnection struct {
	URL   string
	TabID types.TabID
}

// WebSocketCapture records websocket lifecycle and frames as events records.
type WebSocketCapture struct {
	sink          types.RecordSink
	tabRegistry   types.TabInfoProvider
	captureWS     bool
	maxFrameBytes int
	now           func() time.Time

	connections   map[string]*wsConnection
	connectionsMu sync.RWMutex
}

func NewWebSocketCapture(sink types.RecordSink, tabRegistry types.TabInfoProvider, captureWS bool, maxFrameBytes int) *WebSocketCapture {
	return &WebSocketCapture{
		sink:          sink,
		tabRegistry:   tabRegistry,
		captureWS:     captureWS,
		maxFrameBytes: maxFrameBytes,
		now:           time.Now,
		connections:   make(map[string]*wsConnection),
	}
}

func (w *WebSocketCapture) OnWebSocketCreated(targetID string, ev *network.EventWebSocketCreated) {
	if !w.captureWS {
		return
	}
	tab, ok := w.tabRegistry.GetByStringID(targetID)
	if !ok {
		return
	}

	conn := &wsConnection{URL: ev.URL, TabID: tab.ID}
	w.connectionsMu.Lock()
	w.connections[string(ev.RequestID)] = conn
	w.connectionsMu.Unlock()

	w.emit(conn, "created", map[string]any{"requestId": string(ev.RequestID)})
}

func (w *WebSocketCapture) OnWebSocketFrameReceived(targetID string, ev *network.EventWebSocketFrameReceived) {
	if ev.Response == nil {
		return
	}
	w.onFrame(ev.RequestID, "frame_received", "incoming", ev.Response)
}

func (w *WebSocketCapture) OnWebSocketFrameSent(targetID string, ev *network.EventWebSocketFrameSent) {
	if ev.Response == nil {
		return
	}
	w.onFrame(ev.RequestID, "frame_sent", "outgoing", ev.Response)
}

func (w *WebSocketCapture) onFrame(requestID network.RequestID, event, direction string, frame *network.WebSocketFrame) {
	if !w.captureWS {
		return
	}

	w.connectionsMu.RLock()
	conn, ok := w.connections[string(requestID)]
	w.connectionsMu.RUnlock()
	if !ok {
		return
	}

	payload, truncated, originalSize, payloadHash := truncateStringBytes(frame.PayloadData, w.maxFrameBytes)
	data := map[string]any{
		"requestId":   string(requestID),
		"direction":   direction,
		"opcode":      int(frame.Opcode),
		"payloadData": payload,
	}
	if truncated {
		data["truncated"] = true
		data["originalSize"] = originalSize
		data["sha256"] = payloadHash
	}
	w.emit(conn, event, data)
}

func (w *WebSocketCapture) OnWebSocketClosed(targetID string, ev *network.EventWebSocketClosed) {
	if !w.captureWS {
		return
	}

	w.connectionsMu.Lock()
	conn, ok := w.connections[string(ev.RequestID)]
	if ok {
		delete(w.connections, string(ev.RequestID))
	}
	w.connectionsMu.Unlock()
	if !ok {
		return
	}

	w.emit(conn, "closed", map[string]any{"requestId": string(ev.RequestID)})
}

// ForgetTab drops connection state for a tab that went away.
func (w *WebSocketCapture) ForgetTab(tabID types.TabID) {
	w.connectionsMu.Lock()
	defer w.connectionsMu.Unlock()
	for id, conn := range w.connections {
		if conn.TabID == tabID {
			delete(w.connections, id)
		}
	}
}

func (w *WebSocketCapture) GetActiveConnections() int {
	w.connectionsMu.RLock()
	defer w.connectionsMu.RUnlock()
	return len(w.connections)
}

func (w *WebSocketCapture) emit(conn *wsConnection, event string, payload map[string]any) {
	w.sink.AddOrMerge(context.Background(), conn.TabID, &types.EventRecord{
		Header:  types.Header{RecordType: types.KindEvents, URL: conn.URL, Timestamp: millis(w.now()), Source: sourceCDP},
		Type:    event,
		Domain:  domainWebSocket,
		Payload: payload,
	})
}
