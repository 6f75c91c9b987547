package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/dgnsrekt/tabtrace/internal/types"
)

type sinkCall struct {
	tabID types.TabID
	rec   types.Record
}

type fakeSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (s *fakeSink) AddOrMerge(_ context.Context, tabID types.TabID, rec types.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{tabID: tabID, rec: rec})
}

func (s *fakeSink) snapshot() []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkCall(nil), s.calls...)
}

type fakeTabs map[string]*types.TabInfo

func (f fakeTabs) GetByStringID(targetID string) (*types.TabInfo, bool) {
	info, ok := f[targetID]
	return info, ok
}

func (f fakeTabs) GetByID(id types.TabID) (*types.TabInfo, bool) {
	for _, info := range f {
		if info.ID == id {
			return info, true
		}
	}
	return nil, false
}

var testTabs = fakeTabs{"TARGET01": {ID: 7, TargetID: "TARGET01", URL: "https://shop.example/cart"}}

func fixedNow() time.Time { return time.UnixMilli(1_700_000_000_000) }

func TestHTTPCaptureFragments(t *testing.T) {
	sink := &fakeSink{}
	h := NewHTTPCapture(sink, testTabs, true, 1024)
	defer h.Close()
	h.now = fixedNow

	h.OnRequestWillBeSent("TARGET01", &network.EventRequestWillBeSent{
		RequestID: "r1",
		Type:      network.ResourceTypeFetch,
		Request: &network.Request{
			URL:             "https://api.example/orders",
			Method:          "POST",
			Headers:         network.Headers{"Content-Type": "application/json"},
			HasPostData:     true,
			PostDataEntries: []*network.PostDataEntry{{Bytes: base64.StdEncoding.EncodeToString([]byte(`{"qty":2}`))}},
		},
	})
	h.OnResponseReceived("TARGET01", &network.EventResponseReceived{
		RequestID: "r1",
		Type:      network.ResourceTypeFetch,
		Response:  &network.Response{Status: 500, StatusText: "Internal Server Error"},
	})
	h.OnLoadingFinished("TARGET01", &network.EventLoadingFinished{RequestID: "r1"}, nil)

	calls := sink.snapshot()
	if len(calls) != 4 {
		t.Fatalf("sink received %d records; want 4", len(calls))
	}
	for _, c := range calls {
		if c.tabID != 7 {
			t.Fatalf("record routed to tab %d; want 7", c.tabID)
		}
	}

	start := calls[0].rec.(*types.NetworkRecord)
	if start.Type != "xmlhttprequest" || start.RequestID != "r1" || start.Method != "POST" {
		t.Fatalf("start fragment = %+v; want xmlhttprequest POST r1", start)
	}
	if start.TimeStamp != 1_700_000_000_000 {
		t.Fatalf("start timeStamp = %v; want fixed clock", start.TimeStamp)
	}
	if start.RequestBody == nil || string(start.RequestBody.Raw[0].Bytes) != `{"qty":2}` {
		t.Fatalf("start requestBody = %+v; want decoded post data", start.RequestBody)
	}

	resp := calls[1].rec.(*types.NetworkRecord)
	if resp.Status != 500 || resp.URL != "https://api.example/orders" {
		t.Fatalf("response fragment = %+v; want status 500 for the request url", resp)
	}

	done := calls[2].rec.(*types.NetworkRecord)
	if done.StatusCode != 500 {
		t.Fatalf("completion statusCode = %d; want 500", done.StatusCode)
	}

	console := calls[3].rec.(*types.ConsoleRecord)
	if console.Method != "error" {
		t.Fatalf("console method = %q; want error", console.Method)
	}
	msg, _ := console.Args[0].(string)
	if !strings.Contains(msg, "POST https://api.example/orders responded with status 500") {
		t.Fatalf("console message = %q", msg)
	}

	if got := h.PendingCount(); got != 0 {
		t.Fatalf("PendingCount() = %d; want 0", got)
	}
}

func TestHTTPCaptureResponseBody(t *testing.T) {
	sink := &fakeSink{}
	h := NewHTTPCapture(sink, testTabs, true, 4)
	defer h.Close()

	h.OnRequestWillBeSent("TARGET01", &network.EventRequestWillBeSent{
		RequestID: "r2",
		Type:      network.ResourceTypeDocument,
		Request:   &network.Request{URL: "https://shop.example/", Method: "GET"},
	})

	finished := make(chan struct{})
	getBody := func() ([]byte, bool, error) {
		defer close(finished)
		return []byte("hello world"), false, nil
	}
	h.OnLoadingFinished("TARGET01", &network.EventLoadingFinished{RequestID: "r2"}, getBody)
	<-finished

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.snapshot()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	calls := sink.snapshot()
	if len(calls) != 2 {
		t.Fatalf("sink received %d records; want 2", len(calls))
	}

	done := calls[1].rec.(*types.NetworkRecord)
	body, ok := done.ResponseBody.(map[string]any)
	if !ok {
		t.Fatalf("responseBody = %T; want map", done.ResponseBody)
	}
	if body["text"] != "hell" || body["truncated"] != true || body["originalSize"] != 11 {
		t.Fatalf("responseBody = %v; want truncated text", body)
	}
	if calls[0].rec.(*types.NetworkRecord).Type != "main_frame" {
		t.Fatalf("document type = %q; want main_frame", calls[0].rec.(*types.NetworkRecord).Type)
	}
}

func TestHTTPCaptureUnknownTabAndFailure(t *testing.T) {
	sink := &fakeSink{}
	h := NewHTTPCapture(sink, testTabs, true, 0)
	defer h.Close()

	h.OnRequestWillBeSent("OTHER", &network.EventRequestWillBeSent{
		RequestID: "x",
		Request:   &network.Request{URL: "https://a.example/", Method: "GET"},
	})
	if got := len(sink.snapshot()); got != 0 {
		t.Fatalf("unknown tab produced %d records; want 0", got)
	}

	h.OnRequestWillBeSent("TARGET01", &network.EventRequestWillBeSent{
		RequestID: "r3",
		Type:      network.ResourceTypeXHR,
		Request:   &network.Request{URL: "https://api.example/slow", Method: "GET"},
	})
	h.OnLoadingFailed("TARGET01", &network.EventLoadingFailed{RequestID: "r3", ErrorText: "net::ERR_TIMED_OUT"})

	calls := sink.snapshot()
	failed := calls[len(calls)-1].rec.(*types.NetworkRecord)
	if failed.Error != "net::ERR_TIMED_OUT" || failed.URL != "https://api.example/slow" {
		t.Fatalf("failure fragment = %+v; want error with request url", failed)
	}
}

func TestHTTPCaptureCleanupStale(t *testing.T) {
	h := NewHTTPCapture(&fakeSink{}, testTabs, true, 0)
	defer h.Close()

	start := fixedNow()
	h.now = func() time.Time { return start }
	h.OnRequestWillBeSent("TARGET01", &network.EventRequestWillBeSent{
		RequestID: "old",
		Request:   &network.Request{URL: "https://a.example/", Method: "GET"},
	})

	h.now = func() time.Time { return start.Add(6 * time.Minute) }
	h.cleanupStale()
	if got := h.PendingCount(); got != 0 {
		t.Fatalf("PendingCount() = %d; want stale request evicted", got)
	}
}

func TestConsoleCapture(t *testing.T) {
	sink := &fakeSink{}
	c := NewConsoleCapture(sink, testTabs, true)
	c.now = fixedNow

	c.OnConsoleAPICalled("TARGET01", &runtime.EventConsoleAPICalled{
		Type: runtime.APITypeWarning,
		Args: []*runtime.RemoteObject{
			{Type: runtime.TypeString, Value: []byte(`"low stock"`)},
			{Type: runtime.TypeNumber, Value: []byte(`3`)},
			{Type: runtime.TypeObject, Description: "Object"},
		},
		StackTrace: &runtime.StackTrace{CallFrames: []*runtime.CallFrame{
			{FunctionName: "render", URL: "https://shop.example/app.js", LineNumber: 9, ColumnNumber: 4},
		}},
	})

	calls := sink.snapshot()
	if len(calls) != 1 {
		t.Fatalf("sink received %d records; want 1", len(calls))
	}
	rec := calls[0].rec.(*types.ConsoleRecord)
	if rec.Method != "warn" {
		t.Fatalf("method = %q; want warn", rec.Method)
	}
	if rec.Args[0] != "low stock" || rec.Args[2] != "Object" {
		t.Fatalf("args = %v; want decoded values", rec.Args)
	}
	if rec.StackTrace == nil || rec.StackTrace.Parsed != "render (https://shop.example/app.js:10:5)" {
		t.Fatalf("stackTrace = %+v; want first frame", rec.StackTrace)
	}
	if rec.URL != "https://shop.example/cart" {
		t.Fatalf("url = %q; want tab url", rec.URL)
	}
}

func TestConsoleCaptureException(t *testing.T) {
	sink := &fakeSink{}
	c := NewConsoleCapture(sink, testTabs, true)

	c.OnExceptionThrown("TARGET01", &runtime.EventExceptionThrown{
		ExceptionDetails: &runtime.ExceptionDetails{
			Text:      "Uncaught",
			Exception: &runtime.RemoteObject{Type: runtime.TypeObject, Description: "TypeError: x is undefined"},
			URL:       "https://shop.example/app.js",
		},
	})

	rec := sink.snapshot()[0].rec.(*types.ConsoleRecord)
	if rec.Type != "error" || rec.Args[0] != "TypeError: x is undefined" {
		t.Fatalf("exception record = %+v; want error with description", rec)
	}
	if rec.StackTrace == nil || rec.StackTrace.Parsed != "https://shop.example/app.js:1:1" {
		t.Fatalf("stackTrace = %+v; want script location", rec.StackTrace)
	}
}

func TestWebSocketCapture(t *testing.T) {
	sink := &fakeSink{}
	w := NewWebSocketCapture(sink, testTabs, true, 4)

	w.OnWebSocketCreated("TARGET01", &network.EventWebSocketCreated{RequestID: "ws1", URL: "wss://feed.example/stream"})
	w.OnWebSocketFrameReceived("TARGET01", &network.EventWebSocketFrameReceived{
		RequestID: "ws1",
		Response:  &network.WebSocketFrame{Opcode: 1, PayloadData: "price=42"},
	})
	w.OnWebSocketFrameSent("TARGET01", &network.EventWebSocketFrameSent{
		RequestID: "unknown",
		Response:  &network.WebSocketFrame{Opcode: 1, PayloadData: "x"},
	})
	if got := w.GetActiveConnections(); got != 1 {
		t.Fatalf("GetActiveConnections() = %d; want 1", got)
	}
	w.OnWebSocketClosed("TARGET01", &network.EventWebSocketClosed{RequestID: "ws1"})

	calls := sink.snapshot()
	if len(calls) != 3 {
		t.Fatalf("sink received %d records; want 3", len(calls))
	}
	wantTypes := []string{"created", "frame_received", "closed"}
	for i, c := range calls {
		ev := c.rec.(*types.EventRecord)
		if ev.Type != wantTypes[i] || ev.Domain != "websocket" {
			t.Fatalf("record %d = %s/%s; want %s/websocket", i, ev.Type, ev.Domain, wantTypes[i])
		}
	}
	frame := calls[1].rec.(*types.EventRecord).Payload.(map[string]any)
	if frame["payloadData"] != "pric" || frame["truncated"] != true {
		t.Fatalf("frame payload = %v; want truncated data", frame)
	}
	if got := w.GetActiveConnections(); got != 0 {
		t.Fatalf("GetActiveConnections() after close = %d; want 0", got)
	}
}

type fakeSnapshotSource struct {
	cookies []*network.Cookie
	storage map[string]map[string]string
}

func (f fakeSnapshotSource) Cookies(context.Context) ([]*network.Cookie, error) {
	return f.cookies, nil
}

func (f fakeSnapshotSource) Storage(_ context.Context, area string) (map[string]string, error) {
	entries, ok := f.storage[area]
	if !ok {
		return nil, errors.New("storage unavailable")
	}
	return entries, nil
}

func TestSnapshotCapture(t *testing.T) {
	sink := &fakeSink{}
	s := NewSnapshotCapture(sink, testTabs, true)

	s.OnLoad(context.Background(), "TARGET01", fakeSnapshotSource{
		cookies: []*network.Cookie{{Name: "session_id", Value: "abc", Domain: "shop.example", Path: "/"}},
		storage: map[string]map[string]string{"localStorage": {"theme": "dark", "authToken": "xyz"}},
	})

	calls := sink.snapshot()
	if len(calls) != 2 {
		t.Fatalf("sink received %d records; want cookies and localStorage", len(calls))
	}
	if calls[0].rec.Kind() != types.KindCookies || calls[1].rec.Kind() != types.KindLocalStorage {
		t.Fatalf("kinds = %s, %s; want cookies, local-storage", calls[0].rec.Kind(), calls[1].rec.Kind())
	}
	items := calls[1].rec.(*types.SnapshotRecord).Items.([]map[string]any)
	if items[0]["key"] != "authToken" || items[1]["key"] != "theme" {
		t.Fatalf("storage items = %v; want sorted by key", items)
	}
}
