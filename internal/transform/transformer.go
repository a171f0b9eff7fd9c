// Package transform reshapes an envelope payload for one target: byte
// sanitization, optional flattening of parsed data, field mapping, removals
// and constant additions. Transformers are pure; they never touch the
// envelope itself.
package transform

import (
	"go.uber.org/zap"

	"github.com/iobridge/datagate/internal/envelope"
	"github.com/iobridge/datagate/internal/logging"
)

// Config is the per-target transform description.
type Config struct {
	// FieldMapping moves values: source path → destination path. The source
	// is deleted after the copy. Missing sources are no-ops.
	FieldMapping map[string]string `json:"field_mapping,omitempty" yaml:"field_mapping"`

	// RemoveFields deletes the listed dotted paths.
	RemoveFields []string `json:"remove_fields,omitempty" yaml:"remove_fields"`

	// AddFields writes constants at dotted paths.
	AddFields map[string]any `json:"add_fields,omitempty" yaml:"add_fields"`

	// FlattenParsedData lifts parsed_data.* to the payload root. Existing
	// root keys win on collision.
	FlattenParsedData bool `json:"flatten_parsed_data,omitempty" yaml:"flatten_parsed_data"`
}

// IsZero reports whether the config performs no reshaping (sanitization
// still applies).
func (c Config) IsZero() bool {
	return len(c.FieldMapping) == 0 && len(c.RemoveFields) == 0 &&
		len(c.AddFields) == 0 && !c.FlattenParsedData
}

// Producer generates a value for an added field at apply time.
type Producer func() any

// Transformer applies a Config to payload maps.
type Transformer struct {
	cfg       Config
	producers map[string]Producer
}

// New creates a transformer for the given config.
func New(cfg Config) *Transformer {
	return &Transformer{cfg: cfg}
}

// WithProducer registers a niladic producer for an add-field path. Producers
// take precedence over constants at the same path.
func (t *Transformer) WithProducer(path string, p Producer) *Transformer {
	if t.producers == nil {
		t.producers = make(map[string]Producer)
	}
	t.producers[path] = p
	return t
}

// Apply runs the transform stages in order: sanitize, flatten, map, remove,
// add. The input map is not modified; a deep copy is transformed.
func (t *Transformer) Apply(payload map[string]any) map[string]any {
	out := sanitize(payload)

	if t.cfg.FlattenParsedData {
		out = flatten(out)
	}

	for src, dst := range t.cfg.FieldMapping {
		v, ok := envelope.Get(out, src)
		if !ok {
			continue
		}
		if !envelope.Set(out, dst, v) {
			logging.Warn("transform: cannot write through non-map intermediate",
				zap.String("path", dst))
			continue
		}
		envelope.Delete(out, src)
	}

	for _, path := range t.cfg.RemoveFields {
		envelope.Delete(out, path)
	}

	for path, value := range t.cfg.AddFields {
		if p, ok := t.producers[path]; ok {
			value = p()
		}
		if !envelope.Set(out, path, value) {
			logging.Warn("transform: cannot write through non-map intermediate",
				zap.String("path", path))
		}
	}
	for path, p := range t.producers {
		if _, declared := t.cfg.AddFields[path]; declared {
			continue
		}
		envelope.Set(out, path, p())
	}

	return out
}

// sanitize deep-copies the payload, dropping the top-level raw_data key and
// every byte-valued field at any depth. Bytes cannot be JSON-encoded and must
// never leak to targets.
func sanitize(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k == "raw_data" {
			continue
		}
		if cleaned, ok := sanitizeValue(v); ok {
			out[k] = cleaned
		}
	}
	return out
}

func sanitizeValue(v any) (any, bool) {
	switch val := v.(type) {
	case []byte:
		return nil, false
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if cleaned, ok := sanitizeValue(item); ok {
				out[k] = cleaned
			}
		}
		return out, true
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			if cleaned, ok := sanitizeValue(item); ok {
				out = append(out, cleaned)
			}
		}
		return out, true
	default:
		return v, true
	}
}

// flatten lifts parsed_data.* to the root. Root keys keep their value on
// collision.
func flatten(m map[string]any) map[string]any {
	parsed, ok := m["parsed_data"].(map[string]any)
	if !ok {
		return m
	}
	delete(m, "parsed_data")
	for k, v := range parsed {
		if _, exists := m[k]; exists {
			continue
		}
		m[k] = v
	}
	return m
}
