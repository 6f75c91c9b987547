package records

import (
	"encoding/json"
	"log/slog"
	"math"
	"slices"

	"github.com/dgnsrekt/tabtrace/internal/types"
)

const (
	DefaultExportMaxBytes = 10 << 20
	DefaultExportWindowMs = 30_000

	screenshotDomain = "screenshot"
)

// ExportOptions control how an export is trimmed.
type ExportOptions struct {
	// MaxBytes is the serialized size above which network records are trimmed.
	MaxBytes int
	// WindowMs widens every anchor range on both sides.
	WindowMs float64
	// Force trims even when the export fits in MaxBytes.
	Force bool
}

// Export is the result of BuildExport.
type Export struct {
	Records []types.Record
	// Trimmed is set when network records outside the anchor windows were dropped.
	Trimmed bool
	// EstimatedBytes is the serialized size of the untrimmed record set.
	EstimatedBytes int
}

type window struct{ start, end float64 }

// BuildExport prepares records for export. While the serialized set fits in
// MaxBytes it is returned as is. Otherwise only network records whose timestamp
// falls within WindowMs of the screenshot range or the failing-request range
// are kept. Non-network records are always kept.
func BuildExport(recs []types.Record, opts ExportOptions) Export {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultExportMaxBytes
	}
	if opts.WindowMs <= 0 {
		opts.WindowMs = DefaultExportWindowMs
	}

	out := Export{Records: recs, EstimatedBytes: estimateSize(recs)}
	if len(recs) == 0 || (!opts.Force && out.EstimatedBytes <= opts.MaxBytes) {
		return out
	}

	var screenshots, failures []float64
	for _, rec := range recs {
		ts := rec.Head().Timestamp
		switch r := rec.(type) {
		case *types.NetworkRecord:
			if r.Domain == screenshotDomain {
				screenshots = appendTime(screenshots, ts)
			}
			if r.EffectiveStatus() >= 400 {
				failures = appendTime(failures, ts)
			}
		case *types.EventRecord:
			if r.Domain == screenshotDomain {
				screenshots = appendTime(screenshots, ts)
			}
		}
	}

	var windows []window
	for _, times := range [][]float64{screenshots, failures} {
		if w, ok := rangeWindow(times, opts.WindowMs); ok {
			windows = append(windows, w)
		}
	}
	if len(windows) == 0 {
		return out
	}

	kept := make([]types.Record, 0, len(recs))
	for _, rec := range recs {
		if rec.Kind() != types.KindNetwork {
			kept = append(kept, rec)
			continue
		}
		ts := rec.Head().Timestamp
		if ts == 0 {
			continue
		}
		for _, w := range windows {
			if ts >= w.start && ts <= w.end {
				kept = append(kept, rec)
				break
			}
		}
	}

	slog.Debug("export trimmed", "records", len(recs), "kept", len(kept), "estimated_bytes", out.EstimatedBytes)
	out.Records = kept
	out.Trimmed = true
	return out
}

func appendTime(times []float64, ts float64) []float64 {
	if ts == 0 {
		return times
	}
	return append(times, ts)
}

func rangeWindow(times []float64, widen float64) (window, bool) {
	if len(times) == 0 {
		return window{}, false
	}
	return window{start: slices.Min(times) - widen, end: slices.Max(times) + widen}, true
}

func estimateSize(recs []types.Record) int {
	data, err := json.Marshal(recs)
	if err != nil {
		return math.MaxInt
	}
	return len(data)
}
