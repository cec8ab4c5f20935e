// Package identity persists the durable device identity. The id is what
// lets a device drop, reconnect, even restart the program, and still be
// the same seat at the table, so it must outlive any single process.
package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"
)

// Identity is one device's durable self.
type Identity struct {
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// DefaultPath is where the identity lives unless configured otherwise.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "peertable", "identity.json"), nil
}

// Load reads the identity at path, minting and persisting a fresh one on
// first run. A file that exists but cannot be parsed is an error rather
// than a silent new identity, because a new id would orphan the seat the
// old one held.
func Load(path string) (Identity, error) {
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		id := Identity{DeviceID: ulid.Make().String()}
		if err := Save(path, id); err != nil {
			return Identity{}, err
		}
		return id, nil
	case err != nil:
		return Identity{}, fmt.Errorf("read identity: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return Identity{}, fmt.Errorf("parse identity %s: %w", path, err)
	}
	if id.DeviceID == "" {
		return Identity{}, fmt.Errorf("identity %s has no device id", path)
	}
	return id, nil
}

// Save writes the identity, creating parent directories as needed.
func Save(path string, id Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	raw, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}
