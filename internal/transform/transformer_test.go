package transform

import (
	"reflect"
	"testing"
)

func TestApplySanitizesBytes(t *testing.T) {
	payload := map[string]any{
		"raw_data":   []byte{0xAA, 0x55},
		"message_id": "m1",
		"parsed_data": map[string]any{
			"frame": []byte{0x01},
			"value": 42,
		},
		"list": []any{"keep", []byte{0x02}, 3},
	}

	out := New(Config{}).Apply(payload)

	if _, ok := out["raw_data"]; ok {
		t.Error("raw_data must be dropped")
	}
	parsed := out["parsed_data"].(map[string]any)
	if _, ok := parsed["frame"]; ok {
		t.Error("nested byte field must be dropped")
	}
	if parsed["value"] != 42 {
		t.Errorf("expected value 42, got %v", parsed["value"])
	}
	list := out["list"].([]any)
	if !reflect.DeepEqual(list, []any{"keep", 3}) {
		t.Errorf("expected byte element removed from list, got %v", list)
	}

	// The input payload is untouched.
	if _, ok := payload["raw_data"]; !ok {
		t.Error("input payload was modified")
	}
}

func TestApplyFlattenRootWins(t *testing.T) {
	payload := map[string]any{
		"message_id": "root-id",
		"parsed_data": map[string]any{
			"temperature": 25.5,
			"message_id":  "parsed-id",
		},
	}

	out := New(Config{FlattenParsedData: true}).Apply(payload)

	if _, ok := out["parsed_data"]; ok {
		t.Error("parsed_data must be removed after flatten")
	}
	if out["temperature"] != 25.5 {
		t.Errorf("expected lifted temperature, got %v", out["temperature"])
	}
	if out["message_id"] != "root-id" {
		t.Errorf("root key must win on collision, got %v", out["message_id"])
	}
}

func TestApplyMapRemoveAdd(t *testing.T) {
	payload := map[string]any{
		"parsed_data": map[string]any{"temp": 21.0},
		"internal":    "secret",
	}

	cfg := Config{
		FieldMapping: map[string]string{"parsed_data.temp": "readings.temperature"},
		RemoveFields: []string{"internal"},
		AddFields:    map[string]any{"site": "plant-1"},
	}
	out := New(cfg).Apply(payload)

	readings, ok := out["readings"].(map[string]any)
	if !ok || readings["temperature"] != 21.0 {
		t.Errorf("expected mapped readings.temperature, got %v", out["readings"])
	}
	if parsed := out["parsed_data"].(map[string]any); len(parsed) != 0 {
		t.Errorf("mapped source must be deleted, got %v", parsed)
	}
	if _, ok := out["internal"]; ok {
		t.Error("removed field still present")
	}
	if out["site"] != "plant-1" {
		t.Errorf("expected added constant, got %v", out["site"])
	}
}

func TestApplyMissingMappingSourceIsNoop(t *testing.T) {
	out := New(Config{
		FieldMapping: map[string]string{"absent": "dst"},
	}).Apply(map[string]any{"a": 1})

	if _, ok := out["dst"]; ok {
		t.Error("mapping from a missing source must not create destination")
	}
	if out["a"] != 1 {
		t.Errorf("unrelated key lost: %v", out)
	}
}

func TestApplyProducerOverridesConstant(t *testing.T) {
	tr := New(Config{AddFields: map[string]any{"seq": 0}}).
		WithProducer("seq", func() any { return 99 })

	out := tr.Apply(map[string]any{})
	if out["seq"] != 99 {
		t.Errorf("expected producer value 99, got %v", out["seq"])
	}
}

func TestIsZero(t *testing.T) {
	if !(Config{}).IsZero() {
		t.Error("empty config must be zero")
	}
	if (Config{FlattenParsedData: true}).IsZero() {
		t.Error("flatten config must not be zero")
	}
}
