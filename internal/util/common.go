package util

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Common timeout durations
const (
	DefaultConnectTimeout = 15 * time.Second
	ShortTimeout          = 2 * time.Second
)

// ResolvePath joins base and rel, but if rel is an absolute path it is
// returned directly (cleaned). Go's filepath.Join strips leading slashes
// from later arguments, so filepath.Join("a", "/b") returns "a/b" not "/b".
// This helper gives the intuitive behaviour: absolute paths override base.
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// ValidateRoomName validates and normalizes a room name.
// Returns the trimmed name and an error if invalid.
func ValidateRoomName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("room name is empty")
	}
	if strings.ContainsAny(name, `/\ `) || strings.Contains(name, "..") {
		return "", errors.New("room name must not contain spaces, slashes or '..'")
	}
	return name, nil
}

// WriteJSONFile writes v as indented JSON, creating parent directories.
func WriteJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// DeriveID produces a stable session identity from a display name, the room
// it is joining, and a per-install salt. Display names are not unique; the
// salt keeps two installs with the same name apart.
func DeriveID(name, room, salt string) string {
	sum := sha256.Sum256([]byte(room + "/" + name + "/" + salt))
	return hex.EncodeToString(sum[:])[:16]
}
