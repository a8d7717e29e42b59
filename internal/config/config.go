// Package config loads and validates fastrpc engine settings. Grounded on
// the teacher's internal/config package (YAML via gopkg.in/yaml.v3) and its
// otherwise-unused santhosh-tekuri/jsonschema/v5 dependency, wired here to
// validate the parsed document before it reaches the engine.
// file: internal/config/config.go
package config

import (
	"bytes"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/fastproto/fastrpc/internal/ferrors"
	"github.com/fastproto/fastrpc/internal/wire"
)

// Settings holds the engine's tunable parameters (spec.md §4.1, §4.3, §4.4).
type Settings struct {
	// CRCMode selects old/new/old_new CRC behavior. Default old_new.
	CRCMode string `yaml:"crcMode"`
	// MaxDataLen bounds a frame's payload size in bytes. Default 16 MiB.
	MaxDataLen uint32 `yaml:"maxDataLen"`
	// NRecentRequests sizes the client/server recent-requests ring buffer.
	NRecentRequests int `yaml:"nRecentRequests"`
	// RequestTimeout, if nonzero, arms a per-request timer on the client.
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	// ShutdownTimeout bounds how long Server.Close waits for in-flight
	// requests to drain before forcing connections closed.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// Default returns the spec-recommended defaults (spec.md §6: OLD_NEW is the
// recommended default for decoders).
func Default() Settings {
	return Settings{
		CRCMode:         "old_new",
		MaxDataLen:      wire.DefaultMaxDataLen,
		NRecentRequests: 20,
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// ParsedCRCMode parses s.CRCMode into a wire.CRCMode, assuming Validate already
// passed.
func (s Settings) ParsedCRCMode() wire.CRCMode {
	mode, _ := wire.ParseCRCMode(s.CRCMode)
	return mode
}

// schemaDoc is the embedded JSON Schema Settings documents must satisfy.
const schemaDoc = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "crcMode": { "type": "string", "enum": ["old", "new", "old_new"] },
    "maxDataLen": { "type": "integer", "minimum": 1 },
    "nRecentRequests": { "type": "integer", "minimum": 0 },
    "requestTimeout": { "type": "integer", "minimum": 0 },
    "shutdownTimeout": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": true
}`

// Load reads a YAML settings document from path, validates it against the
// embedded JSON Schema, and returns the parsed Settings merged onto
// Default() for any field the document omits.
func Load(path string) (Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, ferrors.Wrapf(err, "config: failed to read %s", path)
	}
	return Parse(raw)
}

// Parse validates and unmarshals a YAML settings document already read into
// memory, the same way Load does for a file on disk.
func Parse(raw []byte) (Settings, error) {
	if err := validateAgainstSchema(raw); err != nil {
		return Settings{}, err
	}

	settings := Default()
	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return Settings{}, ferrors.Wrap(err, "config: failed to parse YAML")
	}
	if _, ok := wire.ParseCRCMode(settings.CRCMode); !ok {
		return Settings{}, ferrors.Newf("config: unknown crcMode %q", settings.CRCMode)
	}
	return settings, nil
}

// validateAgainstSchema converts the YAML document to JSON (jsonschema/v5
// validates JSON-shaped documents) and checks it against schemaDoc.
func validateAgainstSchema(raw []byte) error {
	var generic interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return ferrors.Wrap(err, "config: failed to parse YAML")
	}
	jsonCompatible := convertMapKeys(generic)

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("settings.json", bytes.NewReader([]byte(schemaDoc))); err != nil {
		return ferrors.Wrap(err, "config: failed to load schema")
	}
	schema, err := compiler.Compile("settings.json")
	if err != nil {
		return ferrors.Wrap(err, "config: failed to compile schema")
	}
	if err := schema.Validate(jsonCompatible); err != nil {
		return ferrors.Wrapf(err, "config: settings document failed schema validation")
	}
	return nil
}

// convertMapKeys recursively turns the map[interface{}]interface{} values
// yaml.v3 can produce into map[string]interface{}, which jsonschema/v5
// requires.
func convertMapKeys(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = convertMapKeys(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmtKey(k)] = convertMapKeys(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = convertMapKeys(val)
		}
		return out
	default:
		return v
	}
}

func fmtKey(k interface{}) string {
	if s, ok := k.(string); ok {
		return s
	}
	return ""
}
