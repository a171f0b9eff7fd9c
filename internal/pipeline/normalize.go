package pipeline

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/iobridge/datagate/internal/envelope"
)

// normalize brings an ingress envelope into canonical form before routing:
// the protocol enum is coerced, structured payloads are decoded when the
// adapter did not already parse them, and inline encrypted payloads are
// decrypted with the active key.
func (p *Pipeline) normalize(env *envelope.Envelope) {
	env.SourceProtocol = envelope.ParseProtocol(string(env.SourceProtocol))

	if env.ParsedData == nil && env.ParseError == "" && len(env.RawData) > 0 {
		if parsed, ok := decodeJSONObject(env.RawData); ok {
			env.ParsedData = parsed
		}
	}

	p.decryptInline(env)
}

// decodeJSONObject decodes raw into a map when it is valid UTF-8 text
// holding a JSON object. Anything else is left to downstream consumers as
// raw bytes.
func decodeJSONObject(raw []byte) (map[string]any, bool) {
	if !utf8.Valid(raw) {
		return nil, false
	}
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return nil, false
	}
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, false
	}
	return parsed, true
}

// decryptInline unwraps an encrypted_payload carried inside parsed_data.
// Failures annotate the envelope instead of dropping it so the raw bytes
// stay observable downstream.
func (p *Pipeline) decryptInline(env *envelope.Envelope) {
	if p.crypto == nil || env.ParsedData == nil {
		return
	}
	plain, wasEncrypted, err := p.crypto.UnwrapPayload(env.ParsedData)
	if err != nil {
		env.DecryptionError = err.Error()
		return
	}
	if wasEncrypted {
		env.ParsedData = plain
	}
}
