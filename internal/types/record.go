package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// Kind is the recordType discriminator carried by every captured record.
type Kind string

const (
	KindNetwork        Kind = "network"
	KindConsole        Kind = "console"
	KindEvents         Kind = "events"
	KindCookies        Kind = "cookies"
	KindLocalStorage   Kind = "local-storage"
	KindSessionStorage Kind = "session-storage"
)

// Valid reports whether k is one of the known record types.
func (k Kind) Valid() bool {
	switch k {
	case KindNetwork, KindConsole, KindEvents, KindCookies, KindLocalStorage, KindSessionStorage:
		return true
	}
	return false
}

// Record is one captured telemetry item. The set of implementations is closed:
// *NetworkRecord, *ConsoleRecord, *EventRecord and *SnapshotRecord.
type Record interface {
	Kind() Kind
	Head() *Header
	Clone() Record
	isRecord()
}

// Header holds the fields shared by every record variant.
type Header struct {
	RecordType Kind    `json:"recordType"`
	UUID       string  `json:"uuid,omitempty"`
	URL        string  `json:"url"`
	Timestamp  float64 `json:"timestamp,omitempty"`
	Source     string  `json:"source,omitempty"`
	// Extra quarantines fields the producer sent that the variant does not declare.
	Extra map[string]any `json:"extra,omitempty"`
}

func (h *Header) Head() *Header { return h }

func (h Header) cloneHeader() Header {
	out := h
	if h.Extra != nil {
		out.Extra = make(map[string]any, len(h.Extra))
		for k, v := range h.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// RawChunk is one chunk of an undecoded request body.
type RawChunk struct {
	Bytes []byte `json:"bytes"`
}

// RequestBody carries the raw request bytes and, once decoded, their text and
// structured forms.
type RequestBody struct {
	Raw     []RawChunk `json:"raw,omitempty"`
	Decoded any        `json:"decoded,omitempty"`
	Parsed  any        `json:"parsed,omitempty"`
}

// NetworkRecord describes one fragment (or the merged whole) of a network exchange.
type NetworkRecord struct {
	Header
	RequestID       string       `json:"requestId,omitempty"`
	Method          string       `json:"method,omitempty"`
	Type            string       `json:"type,omitempty"`
	Domain          string       `json:"domain,omitempty"`
	Status          int          `json:"status,omitempty"`
	StatusCode      int          `json:"statusCode,omitempty"`
	StatusText      string       `json:"statusText,omitempty"`
	TimeStamp       float64      `json:"timeStamp,omitempty"`
	RequestBody     *RequestBody `json:"requestBody,omitempty"`
	ResponseBody    any          `json:"responseBody,omitempty"`
	RequestHeaders  any          `json:"requestHeaders,omitempty"`
	ResponseHeaders any          `json:"responseHeaders,omitempty"`
	Error           string       `json:"error,omitempty"`
}

func (*NetworkRecord) Kind() Kind { return KindNetwork }
func (*NetworkRecord) isRecord()  {}

func (r *NetworkRecord) Clone() Record {
	out := *r
	out.Header = r.cloneHeader()
	if r.RequestBody != nil {
		body := *r.RequestBody
		out.RequestBody = &body
	}
	return &out
}

// EffectiveStatus returns status or, when absent, statusCode.
func (r *NetworkRecord) EffectiveStatus() int {
	if r.Status != 0 {
		return r.Status
	}
	return r.StatusCode
}

// StackTrace is the parsed and raw call site of a console record.
type StackTrace struct {
	Parsed string `json:"parsed,omitempty"`
	Raw    string `json:"raw,omitempty"`
}

// ConsoleRecord is one console call or uncaught exception.
type ConsoleRecord struct {
	Header
	Type       string      `json:"type,omitempty"`
	Method     string      `json:"method,omitempty"`
	Args       []any       `json:"args,omitempty"`
	StackTrace *StackTrace `json:"stackTrace,omitempty"`
}

func (*ConsoleRecord) Kind() Kind { return KindConsole }
func (*ConsoleRecord) isRecord()  {}

func (r *ConsoleRecord) Clone() Record {
	out := *r
	out.Header = r.cloneHeader()
	if r.Args != nil {
		out.Args = append([]any(nil), r.Args...)
	}
	if r.StackTrace != nil {
		st := *r.StackTrace
		out.StackTrace = &st
	}
	return &out
}

// EventRecord is a DOM or page-level event (clicks, input changes, websocket activity).
type EventRecord struct {
	Header
	Type    string `json:"type,omitempty"`
	Domain  string `json:"domain,omitempty"`
	Target  any    `json:"target,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

func (*EventRecord) Kind() Kind { return KindEvents }
func (*EventRecord) isRecord()  {}

func (r *EventRecord) Clone() Record {
	out := *r
	out.Header = r.cloneHeader()
	return &out
}

// SnapshotRecord is a point-in-time dump of cookies, localStorage or sessionStorage.
// Header.RecordType selects which one.
type SnapshotRecord struct {
	Header
	Items any `json:"items,omitempty"`
}

func (r *SnapshotRecord) Kind() Kind { return r.RecordType }
func (*SnapshotRecord) isRecord()    {}

func (r *SnapshotRecord) Clone() Record {
	out := *r
	out.Header = r.cloneHeader()
	return &out
}

// New returns an empty record of the given kind with its header populated.
func New(kind Kind) (Record, error) {
	switch kind {
	case KindNetwork:
		return &NetworkRecord{Header: Header{RecordType: kind}}, nil
	case KindConsole:
		return &ConsoleRecord{Header: Header{RecordType: kind}}, nil
	case KindEvents:
		return &EventRecord{Header: Header{RecordType: kind}}, nil
	case KindCookies, KindLocalStorage, KindSessionStorage:
		return &SnapshotRecord{Header: Header{RecordType: kind}}, nil
	default:
		return nil, newError(CodeValidation, fmt.Sprintf("unknown recordType %q", kind), nil)
	}
}

// Decode parses a JSON record, selecting the variant by its recordType. Fields the
// variant does not declare are moved into Header.Extra.
func Decode(data []byte) (Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, newError(CodeValidation, "record is not a JSON object", err)
	}

	var kind Kind
	if raw, ok := fields["recordType"]; ok {
		if err := json.Unmarshal(raw, &kind); err != nil {
			return nil, newError(CodeValidation, "recordType must be a string", err)
		}
	}
	rec, err := New(kind)
	if err != nil {
		return nil, err
	}

	known := knownFields(reflect.TypeOf(rec).Elem())
	extra := map[string]any{}
	for name, raw := range fields {
		if known[name] {
			continue
		}
		var v any
		if err := unmarshalUseNumber(raw, &v); err != nil {
			return nil, newError(CodeValidation, fmt.Sprintf("field %q", name), err)
		}
		extra[name] = v
		delete(fields, name)
	}

	cleaned, err := json.Marshal(fields)
	if err != nil {
		return nil, newError(CodeValidation, "re-encode record", err)
	}
	if err := unmarshalUseNumber(cleaned, rec); err != nil {
		return nil, newError(CodeValidation, "decode "+string(kind)+" record", err)
	}

	head := rec.Head()
	if len(extra) > 0 {
		if head.Extra == nil {
			head.Extra = extra
		} else {
			for k, v := range extra {
				if _, exists := head.Extra[k]; !exists {
					head.Extra[k] = v
				}
			}
		}
	}
	return rec, nil
}

// ToTree converts a record into its generic JSON form (map[string]any with
// json.Number for numbers) for field-agnostic processing such as redaction.
func ToTree(rec Record) (map[string]any, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("types: marshal %s record: %w", rec.Kind(), err)
	}
	var tree map[string]any
	if err := unmarshalUseNumber(data, &tree); err != nil {
		return nil, fmt.Errorf("types: unmarshal %s tree: %w", rec.Kind(), err)
	}
	return tree, nil
}

// FromTree is the inverse of ToTree.
func FromTree(tree map[string]any) (Record, error) {
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("types: marshal tree: %w", err)
	}
	return Decode(data)
}

func unmarshalUseNumber(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

var knownFieldsCache sync.Map // reflect.Type -> map[string]bool

func knownFields(t reflect.Type) map[string]bool {
	if cached, ok := knownFieldsCache.Load(t); ok {
		return cached.(map[string]bool)
	}
	names := map[string]bool{}
	collectFields(t, names)
	knownFieldsCache.Store(t, names)
	return names
}

func collectFields(t reflect.Type, names map[string]bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			collectFields(f.Type, names)
			continue
		}
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if name == "" {
			name = f.Name
		}
		names[name] = true
	}
}
