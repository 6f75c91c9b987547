package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgnsrekt/tabtrace/internal/api"
	"github.com/dgnsrekt/tabtrace/internal/browser"
	"github.com/dgnsrekt/tabtrace/internal/capture"
	"github.com/dgnsrekt/tabtrace/internal/cdp"
	"github.com/dgnsrekt/tabtrace/internal/config"
	"github.com/dgnsrekt/tabtrace/internal/feed"
	"github.com/dgnsrekt/tabtrace/internal/netutil"
	"github.com/dgnsrekt/tabtrace/internal/notify"
	"github.com/dgnsrekt/tabtrace/internal/policy"
	"github.com/dgnsrekt/tabtrace/internal/records"
	"github.com/dgnsrekt/tabtrace/internal/redact"
	"github.com/dgnsrekt/tabtrace/internal/storage"
	"github.com/dgnsrekt/tabtrace/internal/types"
	"github.com/spf13/cobra"
)

var (
	serveBind      string
	servePolicy    string
	serveTabFilter string
	serveLaunch    bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveBind, "bind", "", "API listen address (overrides TABTRACE_BIND_ADDR)")
	serveCmd.Flags().StringVar(&servePolicy, "policy", "", "Path to redaction policy YAML (overrides TABTRACE_POLICY_FILE)")
	serveCmd.Flags().StringVar(&serveTabFilter, "tab-filter", "", "Only capture tabs whose URL contains this text")
	serveCmd.Flags().BoolVar(&serveLaunch, "launch", false, "Start a local Chromium when none answers on the CDP port")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Capture browser tabs over CDP and serve the records API",
	Long:  "Attaches to Chromium over the DevTools protocol, stores redacted per-tab records and serves them over HTTP, WebSocket and SSE.\nThe redaction policy file is reloaded when it changes.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyServeFlags(cmd, cfg)

	if err := setupLogger(cfg.SlogLevel(), cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		return err
	}

	slog.Info("tabtrace config loaded",
		"bind_addr", cfg.BindAddr,
		"cdp_url", cfg.GetCDPURL(),
		"tab_url_filter", cfg.TabURLFilter,
		"policy_file", cfg.PolicyFile,
		"restricted_domains", cfg.RestrictedDomains,
		"export_dir", cfg.ExportDir,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		return err
	}
	bindAddr := ln.Addr().String()

	holder, err := loadPolicy(cfg, bindAddr)
	if err != nil {
		ln.Close()
		return err
	}
	if cfg.PolicyFile != "" {
		reloader, err := policy.NewReloader(holder, cfg.PolicyFile, runtimeRestricted(cfg, bindAddr))
		if err != nil {
			slog.Warn("policy hot-reload disabled", "path", cfg.PolicyFile, "error", err)
		} else {
			go func() {
				if err := reloader.Run(ctx); err != nil {
					slog.Warn("policy reloader stopped", "error", err)
				}
			}()
		}
	}

	registry := cdp.NewTabRegistry()
	engine := redact.NewEngine(holder, redact.Options{
		CacheSize: cfg.RedactCacheSize,
		CacheTTL:  cfg.RedactCacheTTL,
		Location: func() string {
			u, _ := registry.ActiveURL(context.Background())
			return u
		},
	})
	broker := feed.NewBroker()
	store := records.NewService(records.Options{
		Policy:    holder,
		Engine:    engine,
		ActiveTab: registry,
		Notifier:  broker,
	})

	httpCapture := capture.NewHTTPCapture(store, registry, cfg.CaptureHTTP, cfg.HTTPMaxBodyBytes)
	defer httpCapture.Close()
	wsCapture := capture.NewWebSocketCapture(store, registry, cfg.CaptureWS, cfg.WSMaxFrameBytes)
	captures := cdp.Captures{
		HTTP:      httpCapture,
		Console:   capture.NewConsoleCapture(store, registry, cfg.CaptureConsole),
		WebSocket: wsCapture,
		Snapshot:  capture.NewSnapshotCapture(store, registry, cfg.CaptureSnapshots),
	}
	lifecycle := cdp.NewLifecycle(store, registry, wsCapture.ForgetTab)

	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			StartURL:   cfg.StartURL,
			ProfileDir: cfg.BrowserProfileDir,
			ExecPath:   cfg.BrowserExecPath,
			Headless:   cfg.BrowserHeadless,
		})
		if err := launcher.Launch(ctx); err != nil {
			ln.Close()
			return err
		}
		defer launcher.Stop()
	}

	cdpClient := cdp.NewClient(cfg, captures, registry, lifecycle)
	if err := cdpClient.Connect(ctx); err != nil {
		ln.Close()
		return fmt.Errorf("connect to browser at %s: %w", cfg.GetCDPURL(), err)
	}
	defer func() { _ = cdpClient.Close() }()

	exports := storage.NewWriterRegistry(cfg.ExportDir, cfg.ExportBufferSize, cfg.ExportMaxFileMB)
	defer func() { _ = exports.Close() }()

	deps := api.Deps{
		Store:   store,
		Tabs:    registry,
		Exports: exports,
		Feed:    broker,
		Export: records.ExportOptions{
			MaxBytes: cfg.ExportMaxBytes,
			WindowMs: float64(cfg.ExportWindowMs),
		},
	}
	if cfg.NotifyURL != "" {
		notifier := notify.New(cfg.NotifyURL, &http.Client{Timeout: 10 * time.Second})
		deps.OnExport = func(ctx context.Context, tabID types.TabID, path string, n int, trimmed bool) {
			if err := notifier.ExportWritten(ctx, tabID, path, n, trimmed); err != nil {
				slog.Warn("export notification failed", "tab_id", tabID, "error", err)
			}
		}
	}

	srv := &http.Server{Handler: api.NewServer(deps)}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("tabtrace listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("api server failed: %w", err)
	}

	slog.Info("shutting down", "tabs_with_records", len(store.Tabs()), "feed_dropped", broker.Dropped())
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("api shutdown failed", "error", err)
	}
	return nil
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("bind") {
		cfg.BindAddr = serveBind
		cfg.PortAutoFallback = false
	}
	if cmd.Flags().Changed("policy") {
		cfg.PolicyFile = servePolicy
	}
	if cmd.Flags().Changed("tab-filter") {
		cfg.TabURLFilter = serveTabFilter
	}
	if cmd.Flags().Changed("launch") {
		cfg.LaunchBrowser = serveLaunch
	}
}

// runtimeRestricted appends the configured restricted domains and the API's own
// bound address to a freshly loaded policy.
func runtimeRestricted(cfg *config.Config, bindAddr string) func(*policy.Policy) *policy.Policy {
	extra := append(append([]string(nil), cfg.RestrictedDomains...), selfAddresses(bindAddr)...)
	return func(p *policy.Policy) *policy.Policy {
		if len(extra) == 0 {
			return p
		}
		return p.WithRestricted(extra...)
	}
}

// selfAddresses lists the host:port forms a browser may use to reach the API.
func selfAddresses(bindAddr string) []string {
	host, port, err := net.SplitHostPort(bindAddr)
	if err != nil || port == "" {
		return nil
	}
	loopback := []string{net.JoinHostPort("127.0.0.1", port), net.JoinHostPort("localhost", port)}
	switch host {
	case "", "0.0.0.0", "127.0.0.1", "localhost":
		return loopback
	case "::", "::1":
		return append(loopback, net.JoinHostPort("::1", port))
	}
	return []string{bindAddr}
}

func loadPolicy(cfg *config.Config, bindAddr string) (*policy.Holder, error) {
	p, err := policy.LoadFile(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	return policy.NewHolder(runtimeRestricted(cfg, bindAddr)(p)), nil
}
