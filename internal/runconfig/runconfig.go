package runconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a training config from a YAML or JSON file. Files with an
// unknown extension are tried as YAML first, then JSON.
func Load(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(b)
	case ".json":
		return LoadJSON(b)
	default:
		cfg, yerr := LoadYAML(b)
		if yerr == nil {
			return cfg, nil
		}
		cfg, jerr := LoadJSON(b)
		if jerr != nil {
			return nil, yerr
		}
		return cfg, nil
	}
}

// LoadYAML parses a YAML document into a generic mapping. An empty document
// is an empty config.
func LoadYAML(b []byte) (map[string]any, error) {
	var v any
	if err := yaml.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("yaml parse: %w", err)
	}
	if v == nil {
		return map[string]any{}, nil
	}
	m, ok := stringKeys(v).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("config must be a YAML mapping")
	}
	return m, nil
}

// LoadJSON parses a JSON object. Numbers are kept exact.
func LoadJSON(b []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("json parse: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("config must be a JSON object")
	}
	return m, nil
}

// Number returns v as a float64 when it holds any numeric kind.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// stringKeys rewrites YAML mappings with non-string keys so every nested
// mapping is a map[string]any.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = stringKeys(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = stringKeys(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = stringKeys(val)
		}
		return t
	}
	return v
}
