package storage

import (
	"net/url"
	"strings"
)

// TransformURLToPathSegment transforms a URL path into a filesystem-safe path segment.
func TransformURLToPathSegment(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	path := strings.TrimPrefix(parsed.Path, "/")
	if path == "" {
		return "root", nil
	}
	path = strings.TrimSuffix(path, "/")
	path = strings.Map(func(r rune) rune {
		switch {
		case r == '/':
			return '_'
		case r == '.' || r == '-' || r == '_':
			return r
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return -1
		}
	}, path)
	path = strings.Trim(path, ".")
	if path == "" {
		return "root", nil
	}
	return path, nil
}

// BrowserIDFromTargetID returns the first 8 chars of a CDP target ID.
func BrowserIDFromTargetID(targetID string) string {
	if len(targetID) >= 8 {
		return targetID[:8]
	}
	return targetID
}
