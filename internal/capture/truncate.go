package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"unicode/utf8"
)

// truncateBytes caps in at maxBytes. It reports whether it cut, the original
// length and, when it cut, the sha256 of the full input.
func truncateBytes(in []byte, maxBytes int) ([]byte, bool, int, string) {
	if maxBytes <= 0 || len(in) <= maxBytes {
		return in, false, len(in), ""
	}
	sum := sha256.Sum256(in)
	return in[:maxBytes], true, len(in), hex.EncodeToString(sum[:])
}

// truncateStringBytes is truncateBytes for text. The cut backs off to a rune
// boundary so the result stays valid UTF-8.
func truncateStringBytes(in string, maxBytes int) (string, bool, int, string) {
	out, truncated, origLen, hash := truncateBytes([]byte(in), maxBytes)
	if truncated {
		for len(out) > 0 && !utf8.Valid(out) {
			out = out[:len(out)-1]
		}
	}
	return string(out), truncated, origLen, hash
}
