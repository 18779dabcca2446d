package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// EnsureUserID returns the stable anonymous user identifier sent with
// every query, creating and persisting one on first use. The backend
// keys usage dashboards on it.
func EnsureUserID() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		// No config dir (rare); fall back to a per-process identity.
		return uuid.NewString(), nil
	}

	base := filepath.Join(dir, "answerstream")
	path := filepath.Join(base, "user_id")

	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if _, err := uuid.Parse(id); err == nil {
			return id, nil
		}
		// Corrupt file, regenerate below.
	}

	id := uuid.NewString()
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	return id, nil
}
