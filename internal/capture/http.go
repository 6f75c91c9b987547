package capture

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/chromedp/cdproto/network"
	"github.com/dgnsrekt/tabtrace/internal/types"
)

const sourceCDP = "cdp"

// HTTPCapture turns CDP network events into network record fragments. Each
// request yields a start fragment, a response fragment and a completion (or
// failure) fragment sharing one request id; the record store merges them.
type HTTPCapture struct {
	sink        types.RecordSink
	tabRegistry types.TabInfoProvider

	captureHTTP  bool
	maxBodyBytes int
	now          func() time.Time

	pending   map[string]*pendingRequest
	pendingMu sync.RWMutex

	done      chan struct{}
	closeOnce sync.Once
}

type pendingRequest struct {
	URL          string
	Method       string
	ResourceType string
	Status       int
	Started      time.Time
}

func NewHTTPCapture(sink types.RecordSink, tabRegistry types.TabInfoProvider, captureHTTP bool, maxBodyBytes int) *HTTPCapture {
	h := &HTTPCapture{
		sink:         sink,
		tabRegistry:  tabRegistry,
		captureHTTP:  captureHTTP,
		maxBodyBytes: maxBodyBytes,
		now:          time.Now,
		pending:      make(map[string]*pendingRequest),
		done:         make(chan struct{}),
	}
	go h.cleanupLoop()
	return h
}

func (h *HTTPCapture) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *HTTPCapture) OnRequestWillBeSent(targetID string, ev *network.EventRequestWillBeSent) {
	if !h.captureHTTP || ev.Request == nil {
		return
	}
	tab, ok := h.tabRegistry.GetByStringID(targetID)
	if !ok {
		return
	}

	var raw []types.RawChunk
	if ev.Request.HasPostData && len(ev.Request.PostDataEntries) > 0 {
		var decodedParts []byte
		for _, entry := range ev.Request.PostDataEntries {
			if entry == nil || entry.Bytes == "" {
				continue
			}
			decoded, err := base64.StdEncoding.DecodeString(entry.Bytes)
			if err != nil {
				decodedParts = append(decodedParts, []byte(entry.Bytes)...)
			} else {
				decodedParts = append(decodedParts, decoded...)
			}
		}
		if len(decodedParts) > 0 {
			body, truncated, originalSize, _ := truncateBytes(decodedParts, h.maxBodyBytes)
			if truncated {
				slog.Debug("Request body truncated", "request_id", ev.RequestID, "original_size", originalSize)
			}
			raw = []types.RawChunk{{Bytes: body}}
		}
	}

	resourceType := recordType(string(ev.Type))
	now := h.now()

	h.pendingMu.Lock()
	h.pending[string(ev.RequestID)] = &pendingRequest{
		URL:          ev.Request.URL,
		Method:       ev.Request.Method,
		ResourceType: resourceType,
		Started:      now,
	}
	h.pendingMu.Unlock()

	rec := &types.NetworkRecord{
		Header:         types.Header{RecordType: types.KindNetwork, URL: ev.Request.URL, Source: sourceCDP},
		RequestID:      string(ev.RequestID),
		Method:         ev.Request.Method,
		Type:           resourceType,
		TimeStamp:      millis(now),
		RequestHeaders: headerMapToStringMap(ev.Request.Headers),
	}
	if raw != nil {
		rec.RequestBody = &types.RequestBody{Raw: raw}
	}
	h.sink.AddOrMerge(context.Background(), tab.ID, rec)
}

func (h *HTTPCapture) OnResponseReceived(targetID string, ev *network.EventResponseReceived) {
	if !h.captureHTTP || ev.Response == nil {
		return
	}

	h.pendingMu.Lock()
	pending, ok := h.pending[string(ev.RequestID)]
	if ok {
		pending.Status = int(ev.Response.Status)
		if t := recordType(string(ev.Type)); t != "" {
			pending.ResourceType = t
		}
	}
	h.pendingMu.Unlock()

	if !ok {
		return
	}
	tab, ok := h.tabRegistry.GetByStringID(targetID)
	if !ok {
		return
	}

	h.sink.AddOrMerge(context.Background(), tab.ID, &types.NetworkRecord{
		Header:          types.Header{RecordType: types.KindNetwork, URL: pending.URL, Source: sourceCDP},
		RequestID:       string(ev.RequestID),
		Status:          int(ev.Response.Status),
		StatusText:      ev.Response.StatusText,
		ResponseHeaders: headerMapToStringMap(ev.Response.Headers),
	})
}

// OnLoadingFinished emits the completion fragment. getBody may be nil; when set
// it is called off the event goroutine.
func (h *HTTPCapture) OnLoadingFinished(targetID string, ev *network.EventLoadingFinished, getBody func() ([]byte, bool, error)) {
	h.pendingMu.Lock()
	pending, ok := h.pending[string(ev.RequestID)]
	if ok {
		delete(h.pending, string(ev.RequestID))
	}
	h.pendingMu.Unlock()

	if !ok || !h.captureHTTP {
		return
	}
	tab, ok := h.tabRegistry.GetByStringID(targetID)
	if !ok {
		return
	}

	finished := h.now()
	complete := func() {
		rec := &types.NetworkRecord{
			Header:     types.Header{RecordType: types.KindNetwork, URL: pending.URL, Source: sourceCDP},
			RequestID:  string(ev.RequestID),
			Method:     pending.Method,
			Type:       pending.ResourceType,
			StatusCode: pending.Status,
		}

		if getBody != nil {
			body, base64Encoded, err := getBody()
			if err != nil {
				slog.Debug("Failed to get response body", "request_id", ev.RequestID, "error", err)
			} else if len(body) > 0 {
				rec.ResponseBody = h.responseBody(body, base64Encoded)
			}
		}

		h.sink.AddOrMerge(context.Background(), tab.ID, rec)
		if pending.Status >= 400 {
			h.sink.AddOrMerge(context.Background(), tab.ID, failedRequestConsole(pending, finished))
		}
	}

	if getBody == nil {
		complete()
		return
	}
	go complete()
}

func (h *HTTPCapture) OnLoadingFailed(targetID string, ev *network.EventLoadingFailed) {
	h.pendingMu.Lock()
	pending, ok := h.pending[string(ev.RequestID)]
	if ok {
		delete(h.pending, string(ev.RequestID))
	}
	h.pendingMu.Unlock()

	if !ok || !h.captureHTTP {
		return
	}
	tab, ok := h.tabRegistry.GetByStringID(targetID)
	if !ok {
		return
	}

	errText := ev.ErrorText
	if ev.Canceled {
		errText = "canceled"
	}
	h.sink.AddOrMerge(context.Background(), tab.ID, &types.NetworkRecord{
		Header:    types.Header{RecordType: types.KindNetwork, URL: pending.URL, Source: sourceCDP},
		RequestID: string(ev.RequestID),
		Method:    pending.Method,
		Type:      pending.ResourceType,
		Error:     errText,
	})
}

// PendingCount returns how many requests are waiting for completion.
func (h *HTTPCapture) PendingCount() int {
	h.pendingMu.RLock()
	defer h.pendingMu.RUnlock()
	return len(h.pending)
}

func (h *HTTPCapture) responseBody(body []byte, base64Encoded bool) any {
	if base64Encoded {
		if decoded, err := base64.StdEncoding.DecodeString(string(body)); err == nil {
			body = decoded
		}
	}
	out := map[string]any{}
	var (
		truncated    bool
		originalSize int
		bodyHash     string
	)
	if utf8.Valid(body) {
		var text string
		text, truncated, originalSize, bodyHash = truncateStringBytes(string(body), h.maxBodyBytes)
		out["text"] = text
	} else {
		var kept []byte
		kept, truncated, originalSize, bodyHash = truncateBytes(body, h.maxBodyBytes)
		out["base64"] = base64.StdEncoding.EncodeToString(kept)
	}
	if truncated {
		out["truncated"] = true
		out["originalSize"] = originalSize
		out["sha256"] = bodyHash
	}
	return out
}

// failedRequestConsole mirrors a failing response into the console stream so it
// shows up next to page errors.
func failedRequestConsole(p *pendingRequest, at time.Time) *types.ConsoleRecord {
	return &types.ConsoleRecord{
		Header: types.Header{RecordType: types.KindConsole, URL: p.URL, Timestamp: millis(at), Source: sourceCDP},
		Type:   "log",
		Method: "error",
		Args: []any{
			fmt.Sprintf("[%s] %s %s responded with status %d", p.ResourceType, p.Method, p.URL, p.Status),
			map[string]any{"url": p.URL, "method": p.Method, "type": p.ResourceType, "statusCode": p.Status},
		},
		StackTrace: &types.StackTrace{Parsed: "network"},
	}
}

func (h *HTTPCapture) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.cleanupStale()
		case <-h.done:
			return
		}
	}
}

func (h *HTTPCapture) cleanupStale() {
	threshold := h.now().Add(-5 * time.Minute)

	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()

	for id, pending := range h.pending {
		if pending.Started.Before(threshold) {
			delete(h.pending, id)
		}
	}
}

// recordType maps a CDP resource type onto the record "type" field. XHR and
// Fetch are both reported as xmlhttprequest.
func recordType(resourceType string) string {
	switch resourceType {
	case "":
		return ""
	case "XHR", "Fetch":
		return "xmlhttprequest"
	case "Document":
		return "main_frame"
	default:
		return strings.ToLower(resourceType)
	}
}

func millis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func headerMapToStringMap(headers map[string]any) map[string]string {
	result := make(map[string]string, len(headers))
	for k, v := range headers {
		if s, ok := v.(string); ok {
			result[k] = s
		}
	}
	return result
}
