package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/tabtrace/internal/feed"
	"github.com/dgnsrekt/tabtrace/internal/records"
	"github.com/dgnsrekt/tabtrace/internal/storage"
	"github.com/dgnsrekt/tabtrace/internal/types"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

type fakeTabs struct {
	tabs []types.TabInfo
}

func (f *fakeTabs) List() []types.TabInfo { return f.tabs }

func (f *fakeTabs) GetByID(id types.TabID) (*types.TabInfo, bool) {
	for _, info := range f.tabs {
		if info.ID == id {
			out := info
			return &out, true
		}
	}
	return nil, false
}

func newTestServer(t *testing.T) (http.Handler, *records.Service, string) {
	t.Helper()
	store := records.NewService(records.Options{})
	dir := t.TempDir()
	exports := storage.NewWriterRegistry(dir, 100, 10)
	t.Cleanup(func() { exports.Close() })
	tabs := &fakeTabs{tabs: []types.TabInfo{{ID: 2, TargetID: "TARGET02", URL: "https://shop.example/cart", PathSegment: "cart", Active: true}}}
	h := NewServer(Deps{Store: store, Tabs: tabs, Exports: exports})
	return h, store, dir
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestDocsDarkMode(t *testing.T) {
	h, _, _ := newTestServer(t)
	w := do(t, h, http.MethodGet, "/docs", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `data-theme="dark"`) {
		t.Fatalf("docs missing dark theme marker")
	}
}

func TestRecordRoutes(t *testing.T) {
	h, store, _ := newTestServer(t)

	w := do(t, h, http.MethodPost, "/api/v1/tabs/2/records", `{"recordType":"console","url":"https://shop.example/cart","type":"log","method":"info","args":["config {\"api_key\": \"0123456789abcdef0123\"}"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("POST records status = %d; want 200 (body %s)", w.Code, w.Body.String())
	}
	if got := len(store.GetAll(2)); got != 1 {
		t.Fatalf("GetAll(2) len = %d; want 1", got)
	}

	w = do(t, h, http.MethodGet, "/api/v1/tabs/2/records", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET records status = %d; want 200", w.Code)
	}
	var list struct {
		TabID   int              `json:"tab_id"`
		Records []map[string]any `json:"records"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode GET body: %v", err)
	}
	if list.TabID != 2 || len(list.Records) != 1 {
		t.Fatalf("GET records = %+v; want one record for tab 2", list)
	}
	if strings.Contains(w.Body.String(), "0123456789abcdef0123") {
		t.Fatalf("GET records leaked a secret: %s", w.Body.String())
	}

	w = do(t, h, http.MethodDelete, "/api/v1/tabs/2/records", "")
	if w.Code != http.StatusOK {
		t.Fatalf("DELETE records status = %d; want 200", w.Code)
	}
	if got := len(store.GetAll(2)); got != 0 {
		t.Fatalf("GetAll(2) after DELETE len = %d; want 0", got)
	}
}

func TestExitCaptureClearsRecords(t *testing.T) {
	h, store, _ := newTestServer(t)
	store.AddOrMerge(context.Background(), 5, &types.ConsoleRecord{Header: types.Header{RecordType: types.KindConsole, URL: "https://app.example/"}})

	w := do(t, h, http.MethodPost, "/api/v1/tabs/5/exit", "")
	if w.Code != http.StatusOK {
		t.Fatalf("POST exit status = %d; want 200", w.Code)
	}
	if got := len(store.GetAll(5)); got != 0 {
		t.Fatalf("GetAll(5) after exit len = %d; want 0", got)
	}
}

func TestRecordRouteErrors(t *testing.T) {
	h, _, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown_record_type", http.MethodPost, "/api/v1/tabs/2/records", `{"recordType":"dom"}`, http.StatusBadRequest},
		{"zero_tab", http.MethodGet, "/api/v1/tabs/0/records", "", http.StatusUnprocessableEntity},
		{"unknown_message_type", http.MethodPost, "/api/v1/messages", `{"type":"PING"}`, http.StatusUnprocessableEntity},
		{"tab_not_attached", http.MethodGet, "/api/v1/tabs/99", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Fatalf("%s %s status = %d; want %d (body %s)", tt.method, tt.path, w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestMessageRoute(t *testing.T) {
	h, store, _ := newTestServer(t)

	w := do(t, h, http.MethodPost, "/api/v1/messages", `{"type":"ADD_RECORD","tabId":3,"data":{"recordType":"events","url":"https://app.example/","type":"click"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("ADD_RECORD status = %d; want 200 (body %s)", w.Code, w.Body.String())
	}
	if got := len(store.GetAll(3)); got != 1 {
		t.Fatalf("GetAll(3) len = %d; want 1", got)
	}

	w = do(t, h, http.MethodPost, "/api/v1/messages", `{"type":"GET_RECORDS"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("GET_RECORDS status = %d; want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"records":[]`) {
		t.Fatalf("GET_RECORDS without tab = %s; want empty records", w.Body.String())
	}
}

func TestListTabs(t *testing.T) {
	h, store, _ := newTestServer(t)
	store.AddOrMerge(context.Background(), 9, &types.ConsoleRecord{Header: types.Header{RecordType: types.KindConsole, URL: "https://app.example/"}})

	w := do(t, h, http.MethodGet, "/api/v1/tabs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET tabs status = %d; want 200", w.Code)
	}
	var out struct {
		Tabs []tabSummary `json:"tabs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode tabs: %v", err)
	}
	if len(out.Tabs) != 2 {
		t.Fatalf("tabs = %+v; want 2 entries", out.Tabs)
	}
	if out.Tabs[0].TabID != 2 || !out.Tabs[0].Attached || !out.Tabs[0].Active {
		t.Fatalf("tabs[0] = %+v; want attached active tab 2", out.Tabs[0])
	}
	if out.Tabs[1].TabID != 9 || out.Tabs[1].Attached || out.Tabs[1].RecordCount != 1 {
		t.Fatalf("tabs[1] = %+v; want detached tab 9 with one record", out.Tabs[1])
	}
}

func TestExportWritesJSONL(t *testing.T) {
	h, store, dir := newTestServer(t)
	ctx := context.Background()
	store.AddOrMerge(ctx, 2, &types.ConsoleRecord{Header: types.Header{RecordType: types.KindConsole, URL: "https://shop.example/cart"}})
	store.AddOrMerge(ctx, 2, &types.EventRecord{Header: types.Header{RecordType: types.KindEvents, URL: "https://shop.example/cart"}})

	w := do(t, h, http.MethodPost, "/api/v1/tabs/2/records/export", `{}`)
	if w.Code != http.StatusOK {
		t.Fatalf("export status = %d; want 200 (body %s)", w.Code, w.Body.String())
	}
	var out struct {
		Path        string `json:"path"`
		RecordCount int    `json:"record_count"`
		Trimmed     bool   `json:"trimmed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if out.RecordCount != 2 || out.Trimmed {
		t.Fatalf("export = %+v; want 2 untrimmed records", out)
	}
	if !strings.HasPrefix(out.Path, dir) || !strings.Contains(out.Path, "cart/records") {
		t.Fatalf("export path = %q; want under %s/<date>/cart/records", out.Path, dir)
	}

	f, err := os.Open(out.Path)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 3 {
		t.Fatalf("export lines = %d; want header + 2 records", len(lines))
	}
	if !strings.Contains(lines[0], `"kind":"export"`) || !strings.Contains(lines[0], `"url":"https://shop.example/cart"`) {
		t.Fatalf("export header = %s", lines[0])
	}
}

func TestWebSocketMessages(t *testing.T) {
	h, store, _ := newTestServer(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?tab_id=4")
	if err != nil {
		t.Fatalf("ws.Dial() = %v; want nil", err)
	}
	defer conn.Close()

	send := func(msg string) map[string]any {
		t.Helper()
		if err := wsutil.WriteClientText(conn, []byte(msg)); err != nil {
			t.Fatalf("WriteClientText() = %v", err)
		}
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			t.Fatalf("ReadServerText() = %v", err)
		}
		var reply map[string]any
		if err := json.Unmarshal(data, &reply); err != nil {
			t.Fatalf("decode reply %s: %v", data, err)
		}
		return reply
	}

	reply := send(`{"type":"ADD_RECORD","data":{"recordType":"console","url":"https://app.example/","type":"log"}}`)
	if reply["status"] != "success" || reply["tabId"] != float64(4) {
		t.Fatalf("ADD_RECORD reply = %v; want success for tab 4", reply)
	}
	if got := len(store.GetAll(4)); got != 1 {
		t.Fatalf("GetAll(4) len = %d; want 1", got)
	}

	reply = send(`{"type":"GET_RECORDS"}`)
	recs, _ := reply["records"].([]any)
	if len(recs) != 1 {
		t.Fatalf("GET_RECORDS reply = %v; want one record", reply)
	}

	reply = send(`{"type":"PING"}`)
	if reply["status"] != "error" || reply["code"] != types.CodeUnknownMessage {
		t.Fatalf("PING reply = %v; want UNKNOWN_MESSAGE error", reply)
	}

	reply = send(`not json`)
	if reply["code"] != types.CodeValidation {
		t.Fatalf("garbage reply = %v; want VALIDATION error", reply)
	}
}

func TestWebSocketRejectsBadTab(t *testing.T) {
	h, _, _ := newTestServer(t)
	w := do(t, h, http.MethodGet, "/ws?tab_id=abc", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", w.Code)
	}
}

func TestOpenAPIDescribesStreams(t *testing.T) {
	description := func(h http.Handler) string {
		t.Helper()
		w := do(t, h, http.MethodGet, "/openapi.json", "")
		if w.Code != http.StatusOK {
			t.Fatalf("GET /openapi.json status = %d; want 200", w.Code)
		}
		var doc struct {
			Info struct {
				Description string `json:"description"`
			} `json:"info"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
			t.Fatalf("decode openapi: %v", err)
		}
		return doc.Info.Description
	}

	h, _, _ := newTestServer(t)
	got := description(h)
	if !strings.Contains(got, "/ws?tab_id=N") {
		t.Fatalf("description = %q; want ws channel documented", got)
	}
	if strings.Contains(got, "/api/v1/stream") {
		t.Fatalf("description documents the stream without a feed: %q", got)
	}

	withFeed := NewServer(Deps{Store: records.NewService(records.Options{}), Feed: feed.NewBroker()})
	if got := description(withFeed); !strings.Contains(got, "/api/v1/stream?tab_id=N") {
		t.Fatalf("description = %q; want stream documented", got)
	}
}
