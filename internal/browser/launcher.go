// Package browser starts a local Chromium with remote debugging enabled so the
// capture client has something to attach to.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"
	"time"
)

// Config holds browser launch configuration.
type Config struct {
	CDPAddress string
	CDPPort    int
	StartURL   string
	ProfileDir string
	// ExecPath overrides binary detection.
	ExecPath   string
	Headless   bool
	WindowSize string
}

// Version is the subset of /json/version the launcher reports.
type Version struct {
	Browser         string `json:"Browser"`
	ProtocolVersion string `json:"Protocol-Version"`
	WebSocketURL    string `json:"webSocketDebuggerUrl"`
}

// Launcher manages the lifecycle of a browser process.
type Launcher struct {
	cfg     Config
	cmd     *exec.Cmd
	version Version
	// lookPath and probe are replaced in tests.
	lookPath func(string) (string, error)
	probe    func(ctx context.Context, url string) (Version, error)
}

// NewLauncher creates a new browser launcher with the given config.
func NewLauncher(cfg Config) *Launcher {
	if cfg.WindowSize == "" {
		cfg.WindowSize = "1440,900"
	}
	if cfg.StartURL == "" {
		cfg.StartURL = "about:blank"
	}
	return &Launcher{cfg: cfg, lookPath: exec.LookPath, probe: fetchVersion}
}

func (l *Launcher) detectBrowser() (string, error) {
	if l.cfg.ExecPath != "" {
		return l.cfg.ExecPath, nil
	}
	for _, name := range []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable"} {
		if path, err := l.lookPath(name); err == nil {
			return path, nil
		}
	}
	if runtime.GOOS == "darwin" {
		macPath := "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
		if _, err := os.Stat(macPath); err == nil {
			return macPath, nil
		}
	}
	return "", fmt.Errorf("browser: no chromium binary found")
}

func (l *Launcher) args() []string {
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(l.cfg.CDPPort),
		"--remote-debugging-address=" + l.cfg.CDPAddress,
		"--user-data-dir=" + l.cfg.ProfileDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-dev-shm-usage",
		"--window-size=" + l.cfg.WindowSize,
	}
	if l.cfg.Headless {
		args = append(args, "--headless=new")
	}
	return append(args, l.cfg.StartURL)
}

func (l *Launcher) versionURL() string {
	return "http://" + net.JoinHostPort(l.cfg.CDPAddress, strconv.Itoa(l.cfg.CDPPort)) + "/json/version"
}

// Launch starts the browser unless something already answers on the CDP port,
// then waits for the endpoint to come up.
func (l *Launcher) Launch(ctx context.Context) error {
	if v, err := l.probe(ctx, l.versionURL()); err == nil {
		l.version = v
		slog.Info("browser already running, skipping launch", "browser", v.Browser, "port", l.cfg.CDPPort)
		return nil
	}

	browserPath, err := l.detectBrowser()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("browser: create profile dir: %w", err)
	}

	l.cmd = exec.Command(browserPath, l.args()...)
	l.cmd.Stdout = os.Stdout
	l.cmd.Stderr = os.Stderr
	if err := l.cmd.Start(); err != nil {
		return fmt.Errorf("browser: start %s: %w", browserPath, err)
	}
	slog.Info("browser process started", "path", browserPath, "pid", l.cmd.Process.Pid)

	if err := l.waitForCDP(ctx, 15*time.Second); err != nil {
		l.Stop()
		return fmt.Errorf("browser: waiting for CDP: %w", err)
	}
	slog.Info("CDP endpoint ready", "browser", l.version.Browser, "protocol", l.version.ProtocolVersion)
	return nil
}

func (l *Launcher) waitForCDP(ctx context.Context, timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("no answer from %s within %s", l.versionURL(), timeout)
		case <-ticker.C:
			v, err := l.probe(ctx, l.versionURL())
			if err != nil {
				continue
			}
			l.version = v
			return nil
		}
	}
}

// Version returns what the CDP endpoint reported on launch.
func (l *Launcher) Version() Version {
	return l.version
}

// Stop terminates a browser this launcher started with SIGTERM, falling back to
// SIGKILL. A browser that was already running is left alone.
func (l *Launcher) Stop() {
	if l.cmd == nil || l.cmd.Process == nil {
		return
	}
	slog.Info("stopping browser", "pid", l.cmd.Process.Pid)
	_ = l.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = l.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		slog.Warn("browser did not exit, sending SIGKILL")
		_ = l.cmd.Process.Kill()
		<-done
	}
	l.cmd = nil
}

func fetchVersion(ctx context.Context, url string) (Version, error) {
	reqCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return Version{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Version{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Version{}, fmt.Errorf("status %d", resp.StatusCode)
	}
	var v Version
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return Version{}, err
	}
	return v, nil
}
