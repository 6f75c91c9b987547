package capture

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/dgnsrekt/tabtrace/internal/types"
)

// SnapshotSource reads browser state for one tab.
type SnapshotSource interface {
	Cookies(ctx context.Context) ([]*network.Cookie, error)
	// Storage returns the entries of "localStorage" or "sessionStorage".
	Storage(ctx context.Context, area string) (map[string]string, error)
}

// SnapshotCapture dumps cookies, localStorage and sessionStorage when a page
// finishes loading.
type SnapshotCapture struct {
	sink             types.RecordSink
	tabRegistry      types.TabInfoProvider
	captureSnapshots bool
	timeout          time.Duration
	now              func() time.Time
}

func NewSnapshotCapture(sink types.RecordSink, tabRegistry types.TabInfoProvider, captureSnapshots bool) *SnapshotCapture {
	return &SnapshotCapture{
		sink:             sink,
		tabRegistry:      tabRegistry,
		captureSnapshots: captureSnapshots,
		timeout:          10 * time.Second,
		now:              time.Now,
	}
}

// OnLoad collects all three snapshots. It blocks; callers on the event
// goroutine should run it in its own goroutine.
func (s *SnapshotCapture) OnLoad(ctx context.Context, targetID string, src SnapshotSource) {
	if !s.captureSnapshots || src == nil {
		return
	}
	tab, ok := s.tabRegistry.GetByStringID(targetID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if cookies, err := src.Cookies(ctx); err != nil {
		slog.Debug("cookie snapshot failed", "tab_id", tab.ID, "error", err)
	} else {
		s.emit(ctx, tab, types.KindCookies, cookieItems(cookies))
	}

	areas := []struct {
		name string
		kind types.Kind
	}{
		{"localStorage", types.KindLocalStorage},
		{"sessionStorage", types.KindSessionStorage},
	}
	for _, area := range areas {
		entries, err := src.Storage(ctx, area.name)
		if err != nil {
			slog.Debug("storage snapshot failed", "tab_id", tab.ID, "area", area.name, "error", err)
			continue
		}
		s.emit(ctx, tab, area.kind, storageItems(entries))
	}
}

func (s *SnapshotCapture) emit(ctx context.Context, tab *types.TabInfo, kind types.Kind, items []map[string]any) {
	s.sink.AddOrMerge(ctx, tab.ID, &types.SnapshotRecord{
		Header: types.Header{RecordType: kind, URL: tab.URL, Timestamp: millis(s.now()), Source: sourceCDP},
		Items:  items,
	})
}

func cookieItems(cookies []*network.Cookie) []map[string]any {
	items := make([]map[string]any, 0, len(cookies))
	for _, c := range cookies {
		if c == nil {
			continue
		}
		items = append(items, map[string]any{
			"name":     c.Name,
			"value":    c.Value,
			"domain":   c.Domain,
			"path":     c.Path,
			"httpOnly": c.HTTPOnly,
			"secure":   c.Secure,
			"session":  c.Session,
		})
	}
	return items
}

// storageItems renders entries as {key, value} pairs sorted by key.
func storageItems(entries map[string]string) []map[string]any {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	items := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		items = append(items, map[string]any{"key": k, "value": entries[k]})
	}
	return items
}
