package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// flushRequest is queued behind pending lines; the write loop closes it once
// everything before it reached the file.
type flushRequest chan struct{}

// JSONLWriter handles async writing of JSON lines to date-organized files.
type JSONLWriter struct {
	baseDir     string
	subDir      string // e.g., "checkout_review/records"
	maxSizeMB   int
	fileID      string // filename base, e.g. "tab-7"
	writeCh     chan any
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	currentDate string
	currentPath string
	logger      *lumberjack.Logger
	mu          sync.Mutex
}

// NewJSONLWriter creates a new async JSONL writer. Lines land in
// baseDir/<date>/subDir/fileID.jsonl.
func NewJSONLWriter(baseDir, subDir, fileID string, bufferSize int, maxSizeMB int) *JSONLWriter {
	if fileID == "" {
		fileID = fmt.Sprintf("%d", time.Now().Unix())
	}
	w := &JSONLWriter{
		baseDir:   baseDir,
		subDir:    subDir,
		maxSizeMB: maxSizeMB,
		fileID:    fileID,
		writeCh:   make(chan any, bufferSize),
		done:      make(chan struct{}),
	}

	w.wg.Add(1)
	go w.writeLoop()

	return w
}

// Write queues a line for async writing.
func (w *JSONLWriter) Write(line any) error {
	select {
	case <-w.done:
		return fmt.Errorf("writer is closed")
	default:
	}
	select {
	case w.writeCh <- line:
		return nil
	case <-w.done:
		return fmt.Errorf("writer is closed")
	default:
		// Channel full, log warning but don't block
		slog.Warn("JSONL write buffer full, dropping line", "subdir", w.subDir)
		return fmt.Errorf("buffer full")
	}
}

// Flush blocks until every line queued before the call has been written.
func (w *JSONLWriter) Flush(ctx context.Context) error {
	select {
	case <-w.done:
		return fmt.Errorf("writer is closed")
	default:
	}
	req := make(flushRequest)
	select {
	case w.writeCh <- req:
	case <-w.done:
		return fmt.Errorf("writer is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Path returns the file currently written to, or "" before the first line.
func (w *JSONLWriter) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentPath
}

// Close shuts down the writer and flushes pending data.
func (w *JSONLWriter) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()

	// Drain remaining items with timeout
	timeout := time.After(5 * time.Second)
	for {
		select {
		case line := <-w.writeCh:
			w.handle(line)
		case <-timeout:
			slog.Warn("JSONL writer close timeout, some lines may be lost", "subdir", w.subDir)
			goto done
		default:
			goto done
		}
	}

done:
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.logger != nil {
		return w.logger.Close()
	}
	return nil
}

func (w *JSONLWriter) writeLoop() {
	defer w.wg.Done()

	for {
		select {
		case line := <-w.writeCh:
			w.handle(line)
		case <-w.done:
			return
		}
	}
}

func (w *JSONLWriter) handle(item any) {
	if req, ok := item.(flushRequest); ok {
		close(req)
		return
	}
	w.writeLine(item)
}

func (w *JSONLWriter) writeLine(line any) {
	data, err := json.Marshal(line)
	if err != nil {
		slog.Error("Failed to marshal line", "error", err, "subdir", w.subDir)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	currentDate := time.Now().UTC().Format("2006-01-02")
	if currentDate != w.currentDate || w.logger == nil {
		w.rotateForDate(currentDate)
	}
	if w.logger == nil {
		return
	}

	if _, err := w.logger.Write(append(data, '\n')); err != nil {
		slog.Error("Failed to write line", "error", err, "subdir", w.subDir)
	}
}

func (w *JSONLWriter) rotateForDate(date string) {
	if w.logger != nil {
		w.logger.Close()
		w.logger = nil
	}

	dir := filepath.Join(w.baseDir, date, w.subDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("Failed to create output directory", "error", err, "dir", dir)
		return
	}

	filename := filepath.Join(dir, w.fileID+".jsonl")
	w.logger = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    w.maxSizeMB,
		MaxBackups: 100,
		MaxAge:     30,
		Compress:   false,
		LocalTime:  false, // Use UTC
	}

	w.currentDate = date
	w.currentPath = filename
	slog.Info("Opened new JSONL file", "file", filename, "subdir", w.subDir)
}
