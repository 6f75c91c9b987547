// Package records owns the per-tab record store: it admits captured records,
// redacts them, stitches network fragments of one request together and serves
// the merged result.
package records

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgnsrekt/tabtrace/internal/policy"
	"github.com/dgnsrekt/tabtrace/internal/redact"
	"github.com/dgnsrekt/tabtrace/internal/types"
	"github.com/google/uuid"
)

// Notifier is told about every record written to the store. Records passed to it
// are already redacted.
type Notifier interface {
	RecordStored(tabID types.TabID, key string, rec types.Record)
}

// Options wires a Service to its collaborators. Nil fields get defaults.
type Options struct {
	Policy    *policy.Holder
	Engine    *redact.Engine
	ActiveTab types.ActiveTabProvider
	Notifier  Notifier
	// NewKey generates keys for records without a resolvable request id.
	NewKey func() string
}

// Service is the record store. It is safe for concurrent use; calls for the same
// tab are serialized.
type Service struct {
	policy    *policy.Holder
	engine    *redact.Engine
	activeTab types.ActiveTabProvider
	notifier  Notifier
	newKey    func() string

	mu   sync.Mutex
	tabs map[types.TabID]*tabState
}

// tabState is everything captured for one tab. closed is set when the tab is torn
// down so a writer that raced the teardown drops its record instead of writing
// into a state nobody will read. pruned marks a state removed because its first
// record was dropped; a writer holding it retries with a fresh one.
type tabState struct {
	mu      sync.Mutex
	closed  bool
	pruned  bool
	keys    []string
	records map[string]types.Record
	urlToID map[string]string
}

func newTabState() *tabState {
	return &tabState{
		records: make(map[string]types.Record),
		urlToID: make(map[string]string),
	}
}

// NewService creates an empty store.
func NewService(opts Options) *Service {
	holder := opts.Policy
	if holder == nil {
		holder = policy.NewHolder(nil)
	}
	engine := opts.Engine
	if engine == nil {
		engine = redact.NewEngine(holder, redact.Options{})
	}
	newKey := opts.NewKey
	if newKey == nil {
		newKey = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	return &Service{
		policy:    holder,
		engine:    engine,
		activeTab: opts.ActiveTab,
		notifier:  opts.Notifier,
		newKey:    newKey,
		tabs:      make(map[types.TabID]*tabState),
	}
}

// AddOrMerge admits a record for a tab. Invalid, restricted or unprocessable
// records are logged and dropped; nothing is returned to the caller.
func (s *Service) AddOrMerge(ctx context.Context, tabID types.TabID, rec types.Record) {
	if !tabID.Valid() {
		slog.Debug("record skipped: invalid tab id", "tab_id", tabID)
		return
	}
	if rec == nil {
		slog.Debug("record skipped: empty record", "tab_id", tabID)
		return
	}
	if s.policy.Load().IsRestricted(rec.Head().URL) {
		slog.Debug("record skipped: restricted url", "tab_id", tabID, "url", rec.Head().URL)
		return
	}

	tabURL := rec.Head().URL
	if s.activeTab != nil {
		if u, ok := s.activeTab.ActiveURL(ctx); ok && u != "" {
			tabURL = u
		}
	}

	for !s.addTo(tabID, rec, tabURL) {
	}
}

// addTo runs one admission attempt. It returns false when the tab state it
// picked up was pruned concurrently and the caller must retry.
func (s *Service) addTo(tabID types.TabID, rec types.Record, tabURL string) bool {
	state := s.state(tabID)
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.pruned {
		return false
	}
	if state.closed {
		slog.Debug("record dropped: tab state torn down", "tab_id", tabID, "record_type", rec.Kind())
		return true
	}

	key, stored, err := s.apply(state, rec, tabURL)
	if err != nil {
		slog.Error("record dropped: processing failed", "tab_id", tabID, "record_type", rec.Kind(), "error", err)
	}
	if stored == nil {
		s.pruneIfEmpty(tabID, state)
		return true
	}
	if s.notifier != nil {
		s.notifier.RecordStored(tabID, key, stored.Clone())
	}
	return true
}

// pruneIfEmpty forgets a tab whose state holds nothing, so a dropped first record
// does not make the tab visible in Tabs. Caller holds state.mu.
func (s *Service) pruneIfEmpty(tabID types.TabID, state *tabState) {
	if len(state.keys) > 0 {
		return
	}
	s.mu.Lock()
	if s.tabs[tabID] == state {
		delete(s.tabs, tabID)
	}
	s.mu.Unlock()
	state.pruned = true
}

// GetAll returns the tab's records in insertion order, or an empty slice for an
// unknown tab.
func (s *Service) GetAll(tabID types.TabID) []types.Record {
	s.mu.Lock()
	state, ok := s.tabs[tabID]
	s.mu.Unlock()
	if !ok {
		return []types.Record{}
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	out := make([]types.Record, 0, len(state.keys))
	for _, key := range state.keys {
		out = append(out, state.records[key].Clone())
	}
	return out
}

// DeleteAll removes a tab's records and correlation hints. Unknown tabs are a no-op.
func (s *Service) DeleteAll(tabID types.TabID) {
	s.mu.Lock()
	state, ok := s.tabs[tabID]
	delete(s.tabs, tabID)
	s.mu.Unlock()
	if !ok {
		return
	}

	state.mu.Lock()
	state.closed = true
	state.keys = nil
	state.records = nil
	state.urlToID = nil
	state.mu.Unlock()
	slog.Debug("tab records deleted", "tab_id", tabID)
}

// Tabs returns the identifiers of tabs that currently hold state.
func (s *Service) Tabs() []types.TabID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.TabID, 0, len(s.tabs))
	for id := range s.tabs {
		out = append(out, id)
	}
	return out
}

func (s *Service) state(tabID types.TabID) *tabState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.tabs[tabID]
	if !ok {
		state = newTabState()
		s.tabs[tabID] = state
	}
	return state
}

// apply runs the whole admission pipeline against a locked tab state. Nothing is
// written to state until every fallible step has succeeded.
func (s *Service) apply(state *tabState, rec types.Record, tabURL string) (key string, stored types.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("records: panic while processing %s record: %v", rec.Kind(), r)
			stored = nil
		}
	}()

	fresh := s.newKey()

	if rec.Kind() != types.KindNetwork {
		redacted, err := s.redactRecord(rec, tabURL)
		if err != nil {
			return "", nil, err
		}
		if redacted.Head().UUID == "" {
			redacted.Head().UUID = fresh
		}
		state.insert(fresh, redacted)
		return fresh, redacted, nil
	}

	n, ok := rec.(*types.NetworkRecord)
	if !ok {
		return "", nil, fmt.Errorf("records: network record has type %T", rec)
	}
	return s.applyNetwork(state, n, tabURL, fresh)
}

func (s *Service) redactRecord(rec types.Record, tabURL string) (types.Record, error) {
	tree, err := types.ToTree(rec)
	if err != nil {
		return nil, err
	}
	redacted, ok := s.engine.DeepRedact(tree, tabURL).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("records: redaction of %s record did not return an object", rec.Kind())
	}
	out, err := types.FromTree(redacted)
	if err != nil {
		return nil, fmt.Errorf("records: rebuild redacted %s record: %w", rec.Kind(), err)
	}
	return out, nil
}

func (t *tabState) insert(key string, rec types.Record) {
	if _, exists := t.records[key]; !exists {
		t.keys = append(t.keys, key)
	}
	t.records[key] = rec
}
