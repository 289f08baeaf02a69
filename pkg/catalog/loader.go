package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and validates the catalog at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("catalog file not found: %s: %w", path, os.ErrNotExist)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading catalog: %s", path)
		}
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a catalog from raw bytes. path is used
// for format detection and may be empty.
//
// The raw document is validated against the schema before decoding, so
// unknown fields are rejected rather than silently dropped.
func LoadFromBytes(data []byte, path string) (*Catalog, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("catalog file is empty")
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	var c Catalog
	if err := json.Unmarshal(jsonData, &c); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

// toJSON converts YAML input to JSON. JSON input is checked and returned
// as-is.
func toJSON(data []byte, path string) ([]byte, error) {
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in catalog: %w", err)
		}
		return data, nil
	}

	// YAML is a superset of JSON, so unknown extensions go through YAML.
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in catalog: %w", err)
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert catalog to JSON: %w", err)
	}
	return out, nil
}
