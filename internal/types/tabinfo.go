package types

import "context"

// TabID identifies a monitored browser tab. Only positive values are valid.
type TabID int

// Valid reports whether the identifier can own records.
func (id TabID) Valid() bool { return id > 0 }

// TabInfo holds metadata about a browser tab for routing captured data.
type TabInfo struct {
	ID          TabID  `json:"tab_id"`
	TargetID    string `json:"target_id"`
	URL         string `json:"url"`
	PathSegment string `json:"path_segment"` // Transformed URL path, e.g., "checkout_review"
	BrowserID   string `json:"browser_id"`   // Short ID from target ID, e.g., "B0D5A8E8"
	Active      bool   `json:"active"`
}

// TabInfoProvider is an interface for looking up tab information.
// This breaks the import cycle between capture and cdp packages.
type TabInfoProvider interface {
	GetByStringID(targetID string) (*TabInfo, bool)
	GetByID(id TabID) (*TabInfo, bool)
}

// ActiveTabProvider reports the URL of the tab currently in focus. It is used as
// the environment context when redacting records.
type ActiveTabProvider interface {
	ActiveURL(ctx context.Context) (string, bool)
}

// RecordSink accepts captured records. The record service is the only implementation
// outside tests.
type RecordSink interface {
	AddOrMerge(ctx context.Context, tabID TabID, rec Record)
}
