package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/studybuddy/internal/paths"
)

// LoadOrCreateNodeID reads this installation's node ID from dataDir, or
// generates a UUIDv7 and persists it if none exists yet. The node ID
// keeps the MQTT client identifier stable across restarts while staying
// unique between installations sharing a broker.
func LoadOrCreateNodeID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, paths.NodeIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate node ID: %w", err)
	}

	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0644); err != nil {
		return "", fmt.Errorf("persist node ID to %s: %w", path, err)
	}
	return id.String(), nil
}
