// Package paths decides where burrow keeps its durable files, chiefly the
// session database. Sessions must survive restarts, so the resolution
// prefers persistent locations and only falls back to the runtime dir on
// homeless environments like containers.
package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// StateBaseDir resolves the base directory for burrow state: an explicit
// $XDG_STATE_HOME wins, then ~/.local/state, then $XDG_RUNTIME_DIR.
func StateBaseDir() (string, error) {
	if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
		return filepath.Join(stateHome, "burrow"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "burrow"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "state", "burrow"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "burrow"), nil
	}
	return "", errors.New("unable to resolve state directory from XDG state/runtime or home")
}

// StateDBPath is the default location of the session database, used when
// the runtime config names no state_db.
func StateDBPath() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "state.db"), nil
}
