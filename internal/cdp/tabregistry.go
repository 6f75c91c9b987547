package cdp

import (
	"context"
	"sort"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/tabtrace/internal/storage"
	"github.com/dgnsrekt/tabtrace/internal/types"
)

// TabRegistry maps CDP target IDs to tab metadata and hands out the numeric tab
// identifiers records are stored under. A target keeps its number across
// navigations.
type TabRegistry struct {
	tabs   map[target.ID]*types.TabInfo
	byID   map[types.TabID]target.ID
	nextID types.TabID
	active target.ID
	mu     sync.RWMutex
}

func NewTabRegistry() *TabRegistry {
	return &TabRegistry{
		tabs: make(map[target.ID]*types.TabInfo),
		byID: make(map[types.TabID]target.ID),
	}
}

// Register records (or updates) a target's URL. The first registered tab
// becomes the active one.
func (r *TabRegistry) Register(targetID target.ID, url string) (*types.TabInfo, error) {
	pathSegment, err := storage.TransformURLToPathSegment(url)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := types.TabID(0)
	if existing, ok := r.tabs[targetID]; ok {
		id = existing.ID
	} else {
		r.nextID++
		id = r.nextID
		r.byID[id] = targetID
	}
	if r.active == "" {
		r.active = targetID
	}

	info := &types.TabInfo{
		ID:          id,
		TargetID:    string(targetID),
		URL:         url,
		PathSegment: pathSegment,
		BrowserID:   storage.BrowserIDFromTargetID(string(targetID)),
		Active:      r.active == targetID,
	}
	r.tabs[targetID] = info
	return copyInfo(info), nil
}

func (r *TabRegistry) Get(targetID target.ID) (*types.TabInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.tabs[targetID]
	if !ok {
		return nil, false
	}
	return r.withActive(info), true
}

func (r *TabRegistry) GetByStringID(tabID string) (*types.TabInfo, bool) {
	return r.Get(target.ID(tabID))
}

func (r *TabRegistry) GetByID(id types.TabID) (*types.TabInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	targetID, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return r.withActive(r.tabs[targetID]), true
}

// SetActive marks the target the user is looking at.
func (r *TabRegistry) SetActive(targetID target.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tabs[targetID]; !ok {
		return false
	}
	r.active = targetID
	return true
}

// ActiveURL returns the URL of the active tab.
func (r *TabRegistry) ActiveURL(_ context.Context) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.tabs[r.active]
	if !ok {
		return "", false
	}
	return info.URL, true
}

// Remove forgets a target and returns what was known about it.
func (r *TabRegistry) Remove(targetID target.ID) (*types.TabInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.tabs[targetID]
	if !ok {
		return nil, false
	}
	delete(r.tabs, targetID)
	delete(r.byID, info.ID)
	if r.active == targetID {
		r.active = ""
	}
	return copyInfo(info), true
}

// List returns all known tabs ordered by ID.
func (r *TabRegistry) List() []types.TabInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.TabInfo, 0, len(r.tabs))
	for _, info := range r.tabs {
		out = append(out, *r.withActive(info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *TabRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tabs)
}

func (r *TabRegistry) withActive(info *types.TabInfo) *types.TabInfo {
	out := copyInfo(info)
	out.Active = target.ID(info.TargetID) == r.active
	return out
}

func copyInfo(info *types.TabInfo) *types.TabInfo {
	out := *info
	return &out
}
