package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

const (
	SessionsPrefix = "sessions/"
	sessionSuffix  = ".json"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

func BuildSessionKey(sessionID string) (string, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	return path.Join("sessions", sessionID+sessionSuffix), nil
}

// SessionIDFromKey reverses BuildSessionKey. ok is false for keys that are not
// session documents.
func SessionIDFromKey(key string) (string, bool) {
	key = strings.TrimPrefix(key, "/")
	if !strings.HasPrefix(key, SessionsPrefix) || !strings.HasSuffix(key, sessionSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, SessionsPrefix), sessionSuffix)
	if ValidateSessionID(id) != nil {
		return "", false
	}
	return id, true
}

func ValidateSessionID(sessionID string) error {
	return validatePathComponent(sessionID, "session id")
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) || value == "." || value == ".." {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}

// CleanKey normalizes an object key and rejects keys that escape the store root.
func CleanKey(key string) (string, error) {
	key = strings.TrimSpace(strings.TrimPrefix(key, "/"))
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.Contains(cleaned, "/../") {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	return cleaned, nil
}
