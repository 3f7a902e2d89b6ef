package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// format is a configuration file encoding, chosen by file extension
type format string

const (
	formatYAML format = "yaml"
	formatTOML format = "toml"
	formatJSON format = "json"
)

func formatOf(path string) (format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML, nil
	case ".toml":
		return formatTOML, nil
	case ".json":
		return formatJSON, nil
	}
	return "", fmt.Errorf("unsupported config file extension %q (use .yaml, .yml, .toml or .json)", filepath.Ext(path))
}

// decodeDocument decodes data into the generic maps and slices the schema
// validator works on.
func (f format) decodeDocument(data []byte) (any, error) {
	var doc any
	switch f {
	case formatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	case formatTOML:
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	case formatJSON:
		return jsonschema.UnmarshalJSON(bytes.NewReader(data))
	}
	return doc, nil
}

func (f format) unmarshal(data []byte, v any) error {
	switch f {
	case formatYAML:
		return yaml.Unmarshal(data, v)
	case formatTOML:
		return toml.Unmarshal(data, v)
	case formatJSON:
		return json.Unmarshal(data, v)
	}
	return fmt.Errorf("unsupported format %q", f)
}

func (f format) marshal(v any) ([]byte, error) {
	switch f {
	case formatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case formatTOML:
		return toml.Marshal(v)
	case formatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}
	return nil, fmt.Errorf("unsupported format %q", f)
}
