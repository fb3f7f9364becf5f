// Package paths locates the files Study Buddy keeps under its data
// directory.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// File names within the data directory.
const (
	ConversationsDB = "conversations.db"
	StateDB         = "state.db"
	SchedulerDB     = "scheduler.db"
	UsageDB         = "usage.db"
	NodeIDFile      = "node_id"
)

// Layout is a resolved data directory.
type Layout struct {
	Root string
}

// NewLayout resolves dataDir to an absolute path, expanding a leading ~
// to the user's home directory.
func NewLayout(dataDir string) (Layout, error) {
	if strings.TrimSpace(dataDir) == "" {
		return Layout{}, fmt.Errorf("data directory not set")
	}
	abs, err := filepath.Abs(ExpandHome(dataDir))
	if err != nil {
		return Layout{}, fmt.Errorf("resolve data directory %s: %w", dataDir, err)
	}
	return Layout{Root: abs}, nil
}

// Ensure creates the data directory if it does not exist.
func (l Layout) Ensure() error {
	if err := os.MkdirAll(l.Root, 0o700); err != nil {
		return fmt.Errorf("create data directory %s: %w", l.Root, err)
	}
	return nil
}

// Path joins name onto the data directory.
func (l Layout) Path(name string) string {
	return filepath.Join(l.Root, name)
}

// ExpandHome replaces a leading ~ with the user's home directory. Paths
// naming another user (~bob/x) are returned unchanged.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}
