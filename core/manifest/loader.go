package manifest

import (
	"encoding/json"
	"fmt"
	"os"
)

// File is the on-disk manifest document loaded at startup
type File struct {
	Services []Entry `json:"services"`
}

// LoadFile reads a manifest document, registers every entry and seals the
// registry. A missing file yields an empty sealed registry so nodes can
// boot without local services.
func LoadFile(path string) (*Registry, error) {
	reg := NewRegistry()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			reg.Seal()
			return reg, nil
		}
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var doc File
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	for _, e := range doc.Services {
		if e.ServiceID == "" || e.Version == "" {
			return nil, fmt.Errorf("manifest %s: entry missing service_id or version", path)
		}
		if err := reg.Register(e); err != nil {
			return nil, fmt.Errorf("manifest %s: %w", path, err)
		}
	}
	reg.Seal()
	return reg, nil
}
