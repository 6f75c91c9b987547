package cdp

import (
	"log/slog"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/tabtrace/internal/types"
)

// RecordResetter drops everything captured for a tab.
type RecordResetter interface {
	DeleteAll(tabID types.TabID)
}

// Lifecycle clears tab records when the tab goes away or the user starts over
// by reloading or typing a new address.
type Lifecycle struct {
	records  RecordResetter
	registry *TabRegistry
	onRemove []func(types.TabID)
}

func NewLifecycle(records RecordResetter, registry *TabRegistry, onRemove ...func(types.TabID)) *Lifecycle {
	return &Lifecycle{records: records, registry: registry, onRemove: onRemove}
}

// TabRemoved handles a destroyed or detached target.
func (l *Lifecycle) TabRemoved(targetID target.ID) {
	info, ok := l.registry.Remove(targetID)
	if !ok {
		return
	}
	l.records.DeleteAll(info.ID)
	for _, fn := range l.onRemove {
		fn(info.ID)
	}
	slog.Info("Tab removed, records deleted", "tab_id", info.ID, "target_id", targetID)
}

// NavigationCommitted handles a committed main-frame navigation.
func (l *Lifecycle) NavigationCommitted(targetID target.ID, transition page.TransitionType) bool {
	if !resetsCapture(transition) {
		return false
	}
	info, ok := l.registry.Get(targetID)
	if !ok {
		return false
	}
	l.records.DeleteAll(info.ID)
	slog.Info("Navigation reset tab records", "tab_id", info.ID, "transition", transition, "url", truncateURL(info.URL))
	return true
}

func resetsCapture(transition page.TransitionType) bool {
	switch transition {
	case page.TransitionTypeReload, page.TransitionTypeTyped:
		return true
	}
	return false
}
