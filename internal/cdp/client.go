package cdp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cdproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/tabtrace/internal/capture"
	"github.com/dgnsrekt/tabtrace/internal/config"
)

// Captures bundles the event consumers a tab's CDP events are routed to.
type Captures struct {
	HTTP      *capture.HTTPCapture
	Console   *capture.ConsoleCapture
	WebSocket *capture.WebSocketCapture
	Snapshot  *capture.SnapshotCapture
}

// Client manages CDP connections to browser tabs.
type Client struct {
	cfg         *config.Config
	captures    Captures
	tabRegistry *TabRegistry
	lifecycle   *Lifecycle

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	ownTarget     target.ID

	tabs     map[target.ID]*TabContext
	sessions map[target.SessionID]target.ID
	tabsMu   sync.RWMutex
	closed   bool
}

type TabContext struct {
	ID        target.ID
	URL       string
	SessionID target.SessionID
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewClient(cfg *config.Config, captures Captures, tabRegistry *TabRegistry, lifecycle *Lifecycle) *Client {
	return &Client{
		cfg:         cfg,
		captures:    captures,
		tabRegistry: tabRegistry,
		lifecycle:   lifecycle,
		tabs:        make(map[target.ID]*TabContext),
		sessions:    make(map[target.SessionID]target.ID),
	}
}

// Connect attaches to every open page and keeps watching for new and closed
// targets until Close.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cdpURL := c.cfg.GetCDPURL()
	slog.Info("Connecting to Chromium", "url", cdpURL)

	c.allocCtx, c.allocCancel = chromedp.NewRemoteAllocator(context.Background(), cdpURL)
	c.browserCtx, c.browserCancel = chromedp.NewContext(c.allocCtx)

	if err := chromedp.Run(c.browserCtx); err != nil {
		return fmt.Errorf("cdp: connect to browser: %w", err)
	}
	if t := chromedp.FromContext(c.browserCtx).Target; t != nil {
		c.ownTarget = t.TargetID
	}

	targets, err := chromedp.Targets(c.browserCtx)
	if err != nil {
		return fmt.Errorf("cdp: enumerate targets: %w", err)
	}
	slog.Info("Found browser targets", "count", len(targets))

	attachedCount := 0
	for _, t := range targets {
		if !c.wantsTarget(t) {
			continue
		}
		if err := c.attachToTab(t.TargetID, t.URL); err != nil {
			slog.Error("Failed to attach to tab", "target_id", t.TargetID, "url", truncateURL(t.URL), "error", err)
			continue
		}
		attachedCount++
	}

	chromedp.ListenBrowser(c.browserCtx, c.handleBrowserEvent)
	browser := chromedp.FromContext(c.browserCtx).Browser
	execCtx := cdproto.WithExecutor(c.browserCtx, browser)
	if err := target.SetDiscoverTargets(true).Do(execCtx); err != nil {
		slog.Warn("Target discovery unavailable, new tabs will not be captured", "error", err)
	}

	slog.Info("Attached to tabs", "count", attachedCount, "tab_url_filter", c.cfg.TabURLFilter)
	return nil
}

func (c *Client) wantsTarget(t *target.Info) bool {
	if t.Type != "page" || t.TargetID == c.ownTarget {
		return false
	}
	if !c.matchesTabURL(t.URL) {
		slog.Debug("Skipping tab (url filter)", "url", truncateURL(t.URL))
		return false
	}
	return true
}

func (c *Client) handleBrowserEvent(ev any) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		if e.TargetInfo == nil || !c.wantsTarget(e.TargetInfo) {
			return
		}
		go func(info *target.Info) {
			if err := c.attachToTab(info.TargetID, info.URL); err != nil {
				slog.Error("Failed to attach to new tab", "target_id", info.TargetID, "error", err)
			}
		}(e.TargetInfo)
	case *target.EventTargetDestroyed:
		c.detach(e.TargetID)
	case *target.EventTargetCrashed:
		c.detach(e.TargetID)
	case *target.EventDetachedFromTarget:
		if targetID, ok := c.targetForSession(e.SessionID); ok {
			c.detach(targetID)
		}
	}
}

func (c *Client) attachToTab(targetID target.ID, url string) error {
	c.tabsMu.Lock()
	if c.closed {
		c.tabsMu.Unlock()
		return fmt.Errorf("cdp: client closed")
	}
	if _, ok := c.tabs[targetID]; ok {
		c.tabsMu.Unlock()
		return nil
	}
	tabCtx, tabCancel := chromedp.NewContext(c.allocCtx, chromedp.WithTargetID(targetID))
	tab := &TabContext{ID: targetID, URL: url, ctx: tabCtx, cancel: tabCancel}
	c.tabs[targetID] = tab
	c.tabsMu.Unlock()

	tabInfo, err := c.tabRegistry.Register(targetID, url)
	if err != nil {
		c.dropTab(targetID)
		return fmt.Errorf("cdp: register tab: %w", err)
	}

	if err := chromedp.Run(tabCtx, network.Enable(), network.SetCacheDisabled(true), page.Enable(), runtime.Enable()); err != nil {
		c.dropTab(targetID)
		c.tabRegistry.Remove(targetID)
		return fmt.Errorf("cdp: enable network/page/runtime domains: %w", err)
	}

	if t := chromedp.FromContext(tabCtx).Target; t != nil {
		c.trackSession(targetID, t.SessionID)
	}

	slog.Info("Attached to tab", "tab_id", tabInfo.ID, "target_id", targetID, "path_segment", tabInfo.PathSegment, "url", truncateURL(url))
	chromedp.ListenTarget(tabCtx, c.createEventHandler(targetID))

	if c.cfg.ReloadOnAttach {
		reloadCtx, reloadCancel := context.WithTimeout(tabCtx, 30*time.Second)
		defer reloadCancel()
		if err := chromedp.Run(reloadCtx, chromedp.Reload()); err != nil {
			slog.Warn("Failed to reload tab (continuing)", "target_id", targetID, "error", err)
		} else {
			slog.Info("Reloaded tab after attach", "target_id", targetID, "url", truncateURL(url))
		}
	}

	return nil
}

func (c *Client) detach(targetID target.ID) {
	if !c.dropTab(targetID) {
		return
	}
	c.lifecycle.TabRemoved(targetID)
}

// trackSession remembers which CDP session serves a tab; detach events only
// carry the session id.
func (c *Client) trackSession(targetID target.ID, sessionID target.SessionID) {
	if sessionID == "" {
		return
	}
	c.tabsMu.Lock()
	defer c.tabsMu.Unlock()
	tab, ok := c.tabs[targetID]
	if !ok {
		return
	}
	tab.SessionID = sessionID
	c.sessions[sessionID] = targetID
}

func (c *Client) targetForSession(sessionID target.SessionID) (target.ID, bool) {
	c.tabsMu.RLock()
	defer c.tabsMu.RUnlock()
	targetID, ok := c.sessions[sessionID]
	return targetID, ok
}

// dropTab cancels and forgets a tab context. It reports whether the tab was known.
func (c *Client) dropTab(targetID target.ID) bool {
	c.tabsMu.Lock()
	tab, ok := c.tabs[targetID]
	delete(c.tabs, targetID)
	if ok && tab.SessionID != "" {
		delete(c.sessions, tab.SessionID)
	}
	c.tabsMu.Unlock()
	if ok {
		tab.cancel()
	}
	return ok
}

func (c *Client) tabContext(targetID target.ID) (context.Context, bool) {
	c.tabsMu.RLock()
	defer c.tabsMu.RUnlock()
	tab, ok := c.tabs[targetID]
	if !ok {
		return nil, false
	}
	return tab.ctx, true
}

func (c *Client) createEventHandler(targetID target.ID) func(ev interface{}) {
	tabID := string(targetID)
	return func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventFrameNavigated:
			if e.Frame == nil || e.Frame.ParentID != "" {
				return
			}
			if info, err := c.tabRegistry.Register(targetID, e.Frame.URL); err == nil {
				c.tabRegistry.SetActive(targetID)
				slog.Info("Tab navigated (full)", "tab_id", info.ID, "path_segment", info.PathSegment, "url", truncateURL(e.Frame.URL))
			}
			go c.checkNavigationReset(targetID)
		case *page.EventNavigatedWithinDocument:
			if info, err := c.tabRegistry.Register(targetID, e.URL); err == nil {
				slog.Debug("Tab navigated (SPA)", "tab_id", info.ID, "path_segment", info.PathSegment, "url", truncateURL(e.URL))
			}
		case *page.EventLoadEventFired:
			if tabCtx, ok := c.tabContext(targetID); ok {
				go c.captures.Snapshot.OnLoad(tabCtx, tabID, tabSnapshotSource{ctx: tabCtx})
			}
		case *network.EventRequestWillBeSent:
			c.captures.HTTP.OnRequestWillBeSent(tabID, e)
		case *network.EventResponseReceived:
			c.captures.HTTP.OnResponseReceived(tabID, e)
		case *network.EventLoadingFinished:
			var getBody func() ([]byte, bool, error)
			if tabCtx, ok := c.tabContext(targetID); ok {
				getBody = func() ([]byte, bool, error) {
					bodyCtx, bodyCancel := context.WithTimeout(tabCtx, 10*time.Second)
					defer bodyCancel()

					var body []byte
					err := chromedp.Run(bodyCtx, chromedp.ActionFunc(func(ctx context.Context) error {
						var err error
						body, err = network.GetResponseBody(e.RequestID).Do(ctx)
						return err
					}))
					return body, false, err
				}
			}
			c.captures.HTTP.OnLoadingFinished(tabID, e, getBody)
		case *network.EventLoadingFailed:
			c.captures.HTTP.OnLoadingFailed(tabID, e)
		case *network.EventWebSocketCreated:
			c.captures.WebSocket.OnWebSocketCreated(tabID, e)
		case *network.EventWebSocketFrameReceived:
			c.captures.WebSocket.OnWebSocketFrameReceived(tabID, e)
		case *network.EventWebSocketFrameSent:
			c.captures.WebSocket.OnWebSocketFrameSent(tabID, e)
		case *network.EventWebSocketClosed:
			c.captures.WebSocket.OnWebSocketClosed(tabID, e)
		case *runtime.EventConsoleAPICalled:
			c.captures.Console.OnConsoleAPICalled(tabID, e)
		case *runtime.EventExceptionThrown:
			c.captures.Console.OnExceptionThrown(tabID, e)
		}
	}
}

// checkNavigationReset reads how the current history entry was reached; the
// frame event itself does not carry it.
func (c *Client) checkNavigationReset(targetID target.ID) {
	tabCtx, ok := c.tabContext(targetID)
	if !ok {
		return
	}
	histCtx, cancel := context.WithTimeout(tabCtx, 5*time.Second)
	defer cancel()

	var transition page.TransitionType
	err := chromedp.Run(histCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		current, entries, err := page.GetNavigationHistory().Do(ctx)
		if err != nil {
			return err
		}
		if current >= 0 && int(current) < len(entries) && entries[current] != nil {
			transition = entries[current].TransitionType
		}
		return nil
	}))
	if err != nil {
		slog.Debug("Navigation history unavailable", "target_id", targetID, "error", err)
		return
	}
	c.lifecycle.NavigationCommitted(targetID, transition)
}

func (c *Client) Close() error {
	c.tabsMu.Lock()
	c.closed = true
	for _, tab := range c.tabs {
		tab.cancel()
	}
	c.tabs = make(map[target.ID]*TabContext)
	c.sessions = make(map[target.SessionID]target.ID)
	c.tabsMu.Unlock()

	if c.browserCancel != nil {
		c.browserCancel()
	}
	if c.allocCancel != nil {
		c.allocCancel()
	}

	slog.Info("CDP client closed")
	return nil
}

func (c *Client) GetTabCount() int {
	c.tabsMu.RLock()
	defer c.tabsMu.RUnlock()
	return len(c.tabs)
}

func (c *Client) matchesTabURL(url string) bool {
	if c.cfg.TabURLFilter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(url), strings.ToLower(c.cfg.TabURLFilter))
}

// tabSnapshotSource reads cookies and web storage from one tab.
type tabSnapshotSource struct {
	ctx context.Context
}

func (s tabSnapshotSource) Cookies(ctx context.Context) ([]*network.Cookie, error) {
	var cookies []*network.Cookie
	err := chromedp.Run(s.runCtx(ctx), chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	return cookies, err
}

func (s tabSnapshotSource) Storage(ctx context.Context, area string) (map[string]string, error) {
	if area != "localStorage" && area != "sessionStorage" {
		return nil, fmt.Errorf("cdp: unknown storage area %q", area)
	}
	entries := map[string]string{}
	expr := fmt.Sprintf(`Object.fromEntries(Object.entries(window.%s))`, area)
	if err := chromedp.Run(s.runCtx(ctx), chromedp.Evaluate(expr, &entries)); err != nil {
		return nil, err
	}
	return entries, nil
}

// runCtx keeps the tab's chromedp executor while honoring the caller's deadline.
func (s tabSnapshotSource) runCtx(ctx context.Context) context.Context {
	if deadline, ok := ctx.Deadline(); ok {
		runCtx, cancel := context.WithDeadline(s.ctx, deadline)
		go func() {
			<-runCtx.Done()
			cancel()
		}()
		return runCtx
	}
	return s.ctx
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
