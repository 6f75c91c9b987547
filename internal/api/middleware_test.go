package api

import (
	"bytes"
	"log/slog"
	"net/http"
	"strings"
	"testing"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func requestLine(t *testing.T, logs string) string {
	t.Helper()
	for _, line := range strings.Split(logs, "\n") {
		if strings.Contains(line, `msg="http request"`) {
			return line
		}
	}
	t.Fatalf("no request log line in %q", logs)
	return ""
}

func TestRequestLoggerTagsTab(t *testing.T) {
	h, _, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		want   []string
		absent string
	}{
		{"route_param", http.MethodGet, "/api/v1/tabs/2/records", []string{"tab_id=2", "/api/v1/tabs/{tab_id}/records", "status=200"}, ""},
		{"not_found_tab", http.MethodGet, "/api/v1/tabs/99", []string{"tab_id=99", "status=404"}, ""},
		{"no_tab", http.MethodGet, "/api/v1/tabs", []string{"status=200"}, "tab_id="},
		{"query_param", http.MethodGet, "/ws?tab_id=abc", []string{"tab_id=abc", "status=400"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := captureLogs(t)
			do(t, h, tt.method, tt.path, "")

			line := requestLine(t, logs.String())
			for _, want := range tt.want {
				if !strings.Contains(line, want) {
					t.Fatalf("log line %q; want %q", line, want)
				}
			}
			if tt.absent != "" && strings.Contains(line, tt.absent) {
				t.Fatalf("log line %q; want no %q", line, tt.absent)
			}
		})
	}
}
