package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestTransformURLToPathSegment(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://shop.example.com/", "root"},
		{"https://shop.example.com", "root"},
		{"https://shop.example.com/checkout/review/", "checkout_review"},
		{"https://shop.example.com/a%20b/c?x=1", "ab_c"},
		{"https://shop.example.com/../../etc", "_.._etc"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got, err := TransformURLToPathSegment(tt.in)
			if err != nil {
				t.Fatalf("TransformURLToPathSegment(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("TransformURLToPathSegment(%q) = %q; want %q", tt.in, got, tt.want)
			}
		})
	}

	if _, err := TransformURLToPathSegment("://bad"); err == nil {
		t.Fatalf("TransformURLToPathSegment(bad) error = nil; want parse error")
	}
}

func TestBrowserIDFromTargetID(t *testing.T) {
	if got := BrowserIDFromTargetID("B0D5A8E8F00D"); got != "B0D5A8E8" {
		t.Fatalf("BrowserIDFromTargetID() = %q; want B0D5A8E8", got)
	}
	if got := BrowserIDFromTargetID("abc"); got != "abc" {
		t.Fatalf("BrowserIDFromTargetID() = %q; want abc", got)
	}
}

func TestWriterRegistryWriteLines(t *testing.T) {
	dir := t.TempDir()
	reg := NewWriterRegistry(dir, 16, 10)
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lines := []any{
		map[string]any{"kind": "export", "tabId": 7},
		map[string]any{"recordType": "network", "requestId": "r1"},
	}
	path, err := reg.WriteLines(ctx, "checkout", "tab-7", lines)
	if err != nil {
		t.Fatalf("WriteLines() error = %v", err)
	}

	date := time.Now().UTC().Format("2006-01-02")
	want := filepath.Join(dir, date, "checkout", "records", "tab-7.jsonl")
	if path != want {
		t.Fatalf("WriteLines() path = %q; want %q", path, want)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()

	var got []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line %q is not JSON: %v", sc.Text(), err)
		}
		got = append(got, m)
	}
	if len(got) != 2 {
		t.Fatalf("file has %d lines; want 2", len(got))
	}
	if got[1]["requestId"] != "r1" {
		t.Fatalf("second line = %v; want requestId r1", got[1])
	}

	if reg.GetWriter("checkout", "tab-7") != reg.GetWriter("checkout", "tab-7") {
		t.Fatalf("GetWriter() returned different writers for the same key")
	}
}

func TestJSONLWriterClosed(t *testing.T) {
	w := NewJSONLWriter(t.TempDir(), "x/records", "tab-1", 4, 1)
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Write(map[string]string{"a": "b"}); err == nil || !strings.Contains(err.Error(), "closed") {
		t.Fatalf("Write() after Close = %v; want closed error", err)
	}
	if err := w.Flush(context.Background()); err == nil {
		t.Fatalf("Flush() after Close = nil; want error")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
