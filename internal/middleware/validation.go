package middleware

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	maxSessionIDLength   = 128
	maxActivityURLLength = 2048
)

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateSessionID accepts client-generated ids of printable, non-space characters.
func ValidateSessionID(id string) error {
	if id == "" {
		return errors.New("session ID cannot be empty")
	}
	if len(id) > maxSessionIDLength {
		return errors.New("session ID exceeds maximum length")
	}
	for _, r := range id {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return errors.New("session ID contains invalid characters")
		}
	}
	return nil
}

// ValidateActivityURL accepts an app route ("/fields/42") or an absolute http(s) URL.
func ValidateActivityURL(raw string) error {
	if raw == "" {
		return errors.New("url cannot be empty")
	}
	if len(raw) > maxActivityURLLength {
		return errors.New("url exceeds maximum length")
	}
	if !utf8.ValidString(raw) {
		return errors.New("url must be valid UTF-8")
	}
	if strings.HasPrefix(raw, "/") {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("url must be a route or an absolute http(s) URL")
	}
	return nil
}

// ParseLimit reads a positive limit query value, falling back to def and capping at max.
func ParseLimit(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}
