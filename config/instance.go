package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateInstanceID returns the node identity kept in dataDir,
// generating and persisting a new one on first boot.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "instance_id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	idStr := id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}

	return idStr, nil
}

// DeviceIDFromInstance derives a short broker device id from an instance id.
func DeviceIDFromInstance(instanceID string) string {
	hex := strings.ReplaceAll(instanceID, "-", "")
	// UUIDv7 leads with a timestamp, so take the random tail.
	if len(hex) > 8 {
		hex = hex[len(hex)-8:]
	}
	return "farm-" + hex
}
