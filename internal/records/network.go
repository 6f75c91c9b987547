package records

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dgnsrekt/tabtrace/internal/types"
)

const (
	typeXMLHTTPRequest = "xmlhttprequest"
	domainFetch        = "fetch"
	domainXHR          = "xhr"
)

// applyNetwork correlates a network fragment with earlier fragments of the same
// request and merges it into the stored record. Correlation hints are only
// written once redaction succeeded, so a failure leaves the tab untouched.
func (s *Service) applyNetwork(state *tabState, in *types.NetworkRecord, tabURL, fresh string) (string, types.Record, error) {
	if in.URL == "" {
		slog.Warn("network record skipped: missing url", "request_id", in.RequestID)
		return "", nil, nil
	}

	requestID := in.RequestID
	register := in.Type == typeXMLHTTPRequest && in.RequestID != ""
	consume := false
	if requestID == "" && (in.Domain == domainFetch || in.Domain == domainXHR) {
		// Entries are single use: a second completion for the same url gets a new key.
		if id := state.urlToID[in.URL]; id != "" {
			requestID = id
			consume = true
		}
	}
	key := requestID
	if key == "" {
		key = fresh
	}

	body := storedBody(in.RequestBody)

	base := in.Clone().(*types.NetworkRecord)
	base.RequestID = requestID
	base.RequestBody = nil
	timeStamp := base.TimeStamp
	base.TimeStamp = 0

	redactedRec, err := s.redactRecord(base, tabURL)
	if err != nil {
		return "", nil, err
	}
	redacted, ok := redactedRec.(*types.NetworkRecord)
	if !ok {
		return "", nil, fmt.Errorf("records: redacted network record has type %T", redactedRec)
	}
	if body != nil {
		body.Parsed = s.engine.DeepRedact(body.Parsed, tabURL)
		redacted.RequestBody = body
	}
	if timeStamp != 0 {
		redacted.Timestamp = timeStamp
	}

	existing, found := state.records[key]
	var target *types.NetworkRecord
	if found {
		target, ok = existing.(*types.NetworkRecord)
		if !ok {
			return "", nil, fmt.Errorf("records: key %q already holds a %s record", key, existing.Kind())
		}
	}

	if register {
		state.urlToID[in.URL] = in.RequestID
	}
	if consume {
		delete(state.urlToID, in.URL)
	}

	if !found {
		if redacted.UUID == "" {
			redacted.UUID = fresh
		}
		state.insert(key, redacted)
		return key, redacted, nil
	}

	mergeNetwork(target, redacted)
	return key, target, nil
}

// storedBody builds the body kept on the record: raw bytes untouched plus the
// parsed form (or the decoded text when parsing yielded nothing). It returns nil
// when there is nothing readable to keep.
func storedBody(in *types.RequestBody) *types.RequestBody {
	if in == nil {
		return nil
	}

	var decoded, parsed any
	if d := DecodeRequestBody(in); d != nil {
		decoded, parsed = d.Decoded, d.Parsed
	} else {
		// Producers that already decoded the body send no raw bytes.
		decoded, parsed = in.Decoded, in.Parsed
	}
	if !truthy(parsed) && !truthy(decoded) {
		return nil
	}

	out := &types.RequestBody{Raw: in.Raw, Parsed: parsed}
	if parsed == nil {
		out.Parsed = decoded
	}
	return out
}

// mergeNetwork copies truthy fields of in into dst where dst holds a falsy value.
// The request body is merged key-wise with the incoming side winning.
func mergeNetwork(dst, in *types.NetworkRecord) {
	fillString(&dst.UUID, in.UUID)
	fillString(&dst.URL, in.URL)
	fillFloat(&dst.Timestamp, in.Timestamp)
	fillString(&dst.Source, in.Source)
	fillString(&dst.RequestID, in.RequestID)
	fillString(&dst.Method, in.Method)
	fillString(&dst.Type, in.Type)
	fillString(&dst.Domain, in.Domain)
	fillInt(&dst.Status, in.Status)
	fillInt(&dst.StatusCode, in.StatusCode)
	fillString(&dst.StatusText, in.StatusText)
	fillAny(&dst.ResponseBody, in.ResponseBody)
	fillAny(&dst.RequestHeaders, in.RequestHeaders)
	fillAny(&dst.ResponseHeaders, in.ResponseHeaders)
	fillString(&dst.Error, in.Error)

	for k, v := range in.Extra {
		if !truthy(v) {
			continue
		}
		if dst.Extra == nil {
			dst.Extra = make(map[string]any, len(in.Extra))
		}
		if !truthy(dst.Extra[k]) {
			dst.Extra[k] = v
		}
	}

	if in.RequestBody != nil {
		merged := types.RequestBody{}
		if dst.RequestBody != nil {
			merged = *dst.RequestBody
		}
		if in.RequestBody.Raw != nil {
			merged.Raw = in.RequestBody.Raw
		}
		merged.Parsed = in.RequestBody.Parsed
		dst.RequestBody = &merged
	}
}

func fillString(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}

func fillInt(dst *int, v int) {
	if *dst == 0 && v != 0 {
		*dst = v
	}
}

func fillFloat(dst *float64, v float64) {
	if *dst == 0 && v != 0 {
		*dst = v
	}
}

func fillAny(dst *any, v any) {
	if !truthy(*dst) && truthy(v) {
		*dst = v
	}
}

// truthy mirrors how the producers treat field presence: nil, empty strings,
// false and zero count as absent. Empty objects and arrays are present.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case bool:
		return x
	case float64:
		return x != 0
	case int:
		return x != 0
	case json.Number:
		f, err := x.Float64()
		return err != nil || f != 0
	}
	return true
}
