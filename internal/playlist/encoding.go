package playlist

import (
	"encoding/base64"
	"errors"
	"strings"
)

// ErrBadEncoding is returned when a base64 target cannot be decoded.
var ErrBadEncoding = errors.New("malformed base64 target")

// Encode returns the unpadded URL-safe base64 form of target, which needs no
// escaping inside a path segment.
func Encode(target string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(target))
}

// Decode accepts standard or URL-safe base64, with or without padding.
func Decode(s string) (string, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if s == "" {
		return "", ErrBadEncoding
	}
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", errors.Join(ErrBadEncoding, err)
	}
	return string(b), nil
}
