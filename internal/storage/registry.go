package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// WriterRegistry manages multiple JSONLWriter instances, one per path segment
// and file. Each tab's exports land in a directory named after its URL path.
type WriterRegistry struct {
	baseDir    string
	maxSizeMB  int
	bufferSize int

	// writers maps pathSegment -> fileID -> writer
	// e.g., "checkout_review" -> "tab-7" -> *JSONLWriter
	writers map[string]map[string]*JSONLWriter
	mu      sync.RWMutex
}

// NewWriterRegistry creates a new WriterRegistry for managing multiple JSONL writers.
func NewWriterRegistry(baseDir string, bufferSize int, maxSizeMB int) *WriterRegistry {
	return &WriterRegistry{
		baseDir:    baseDir,
		maxSizeMB:  maxSizeMB,
		bufferSize: bufferSize,
		writers:    make(map[string]map[string]*JSONLWriter),
	}
}

// GetWriter returns (or creates) the writer for pathSegment/records/fileID.jsonl.
func (r *WriterRegistry) GetWriter(pathSegment, fileID string) *JSONLWriter {
	r.mu.RLock()
	if byFile, ok := r.writers[pathSegment]; ok {
		if writer, ok := byFile[fileID]; ok {
			r.mu.RUnlock()
			return writer
		}
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if byFile, ok := r.writers[pathSegment]; ok {
		if writer, ok := byFile[fileID]; ok {
			return writer
		}
	}

	if r.writers[pathSegment] == nil {
		r.writers[pathSegment] = make(map[string]*JSONLWriter)
	}

	writer := NewJSONLWriter(r.baseDir, pathSegment+"/records", fileID, r.bufferSize, r.maxSizeMB)
	r.writers[pathSegment][fileID] = writer

	slog.Info("Created new JSONL writer", "path_segment", pathSegment, "file_id", fileID)
	return writer
}

// WriteLines queues lines on the matching writer, waits until they are on disk
// and returns the file path.
func (r *WriterRegistry) WriteLines(ctx context.Context, pathSegment, fileID string, lines []any) (string, error) {
	writer := r.GetWriter(pathSegment, fileID)
	for i, line := range lines {
		if err := writer.Write(line); err != nil {
			return "", fmt.Errorf("storage: write line %d of %d: %w", i+1, len(lines), err)
		}
	}
	if err := writer.Flush(ctx); err != nil {
		return "", fmt.Errorf("storage: flush %s/%s: %w", pathSegment, fileID, err)
	}
	return writer.Path(), nil
}

// Close closes all managed writers.
func (r *WriterRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lastErr error
	for pathSeg, byFile := range r.writers {
		for fileID, writer := range byFile {
			if err := writer.Close(); err != nil {
				slog.Error("Failed to close writer", "path_segment", pathSeg, "file_id", fileID, "error", err)
				lastErr = err
			}
		}
	}

	r.writers = make(map[string]map[string]*JSONLWriter)
	return lastErr
}
