package paths

import (
	"path/filepath"
	"testing"
)

func TestStateBaseDirHonorsXDGStateHome(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/tmp/xdg-state")
	dir, err := StateBaseDir()
	if err != nil {
		t.Fatalf("StateBaseDir: %v", err)
	}
	if dir != filepath.Join("/tmp/xdg-state", "burrow") {
		t.Fatalf("StateBaseDir = %q", dir)
	}
}

func TestStateDBPath(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/tmp/xdg-state")
	path, err := StateDBPath()
	if err != nil {
		t.Fatalf("StateDBPath: %v", err)
	}
	if path != filepath.Join("/tmp/xdg-state", "burrow", "state.db") {
		t.Fatalf("StateDBPath = %q", path)
	}
}
