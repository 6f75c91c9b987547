package records

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/dgnsrekt/tabtrace/internal/types"
)

// DecodedBody is the text and, when it parses, structured form of a request body.
type DecodedBody struct {
	Decoded string
	// Parsed is the JSON value of Decoded, or Decoded itself when it is not JSON.
	Parsed any
}

// DecodeRequestBody decodes the first raw chunk of a request body as UTF-8 and
// tries to parse it as JSON. It returns nil when there are no raw bytes.
// Invalid UTF-8 sequences are replaced rather than failing the record.
func DecodeRequestBody(body *types.RequestBody) *DecodedBody {
	if body == nil || len(body.Raw) == 0 {
		return nil
	}

	raw := body.Raw[0].Bytes
	decoded := string(raw)
	if !utf8.Valid(raw) {
		slog.Debug("request body is not valid UTF-8, replacing invalid sequences", "size", len(raw))
		decoded = strings.ToValidUTF8(decoded, "�")
	}

	out := &DecodedBody{Decoded: decoded, Parsed: decoded}

	dec := json.NewDecoder(bytes.NewReader([]byte(decoded)))
	dec.UseNumber()
	var parsed any
	if err := dec.Decode(&parsed); err == nil && !dec.More() {
		out.Parsed = parsed
	}
	return out
}
