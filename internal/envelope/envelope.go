// Package envelope defines the normalized message passed between the
// adapters, the pipeline, the routing engine and the forwarders.
package envelope

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Protocol identifies the ingress or egress transport.
type Protocol string

const (
	ProtocolUDP       Protocol = "UDP"
	ProtocolTCP       Protocol = "TCP"
	ProtocolHTTP      Protocol = "HTTP"
	ProtocolWebSocket Protocol = "WEBSOCKET"
	ProtocolMQTT      Protocol = "MQTT"
	ProtocolAMQP      Protocol = "AMQP"
)

// ParseProtocol coerces a free-form protocol string to the canonical enum.
// Unknown values are returned uppercased as-is.
func ParseProtocol(s string) Protocol {
	switch strings.ToLower(s) {
	case "udp":
		return ProtocolUDP
	case "tcp":
		return ProtocolTCP
	case "http", "https":
		return ProtocolHTTP
	case "ws", "wss", "websocket":
		return ProtocolWebSocket
	case "mqtt":
		return ProtocolMQTT
	case "amqp":
		return ProtocolAMQP
	}
	return Protocol(strings.ToUpper(s))
}

// Envelope is the unit of work on the event bus. Adapters produce envelopes,
// the pipeline consumes them, and no reference escapes the process once the
// forwarding batch for the envelope completes.
type Envelope struct {
	MessageID      string         `json:"message_id"`
	Timestamp      time.Time      `json:"timestamp"`
	SourceProtocol Protocol       `json:"source_protocol"`
	DataSourceID   string         `json:"data_source_id,omitempty"`
	SourceAddress  string         `json:"source_address,omitempty"`
	SourcePort     int            `json:"source_port,omitempty"`
	RawData        []byte         `json:"raw_data,omitempty"`
	ParsedData     map[string]any `json:"parsed_data,omitempty"`
	ParseError     string         `json:"parse_error,omitempty"`

	// Protocol-specific optional fields.
	AdapterName  string            `json:"adapter_name,omitempty"`
	ConnectionID string            `json:"connection_id,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Topic        string            `json:"topic,omitempty"`
	QoS          byte              `json:"qos,omitempty"`

	// Routing decision, attached after the routing engine runs.
	MatchedRules    []string `json:"matched_rules,omitempty"`
	TargetSystemIDs []string `json:"target_system_ids,omitempty"`

	// DecryptionError is set when an inline encrypted payload failed to
	// unwrap during normalization.
	DecryptionError string `json:"decryption_error,omitempty"`
}

// New constructs an envelope with a fresh message id and the current time.
func New(proto Protocol, adapterName string) *Envelope {
	return &Envelope{
		MessageID:      uuid.NewString(),
		Timestamp:      time.Now().UTC(),
		SourceProtocol: proto,
		AdapterName:    adapterName,
	}
}

// SourceString returns the protocol-specific string that rule glob patterns
// are matched against: the HTTP path, the MQTT topic, or the data source id.
func (e *Envelope) SourceString() string {
	switch e.SourceProtocol {
	case ProtocolHTTP:
		if p, ok := e.Headers[":path"]; ok {
			return p
		}
	case ProtocolMQTT:
		if e.Topic != "" {
			return e.Topic
		}
	}
	if e.DataSourceID != "" {
		return e.DataSourceID
	}
	return e.AdapterName
}

// Field resolves a dotted path against the envelope. Top-level names map to
// the well-known envelope fields; everything else descends into ParsedData.
func (e *Envelope) Field(path string) (any, bool) {
	head, rest := splitPath(path)
	switch head {
	case "message_id":
		return e.MessageID, true
	case "timestamp":
		return e.Timestamp, true
	case "source_protocol":
		return string(e.SourceProtocol), true
	case "data_source_id":
		return e.DataSourceID, true
	case "source_address":
		return e.SourceAddress, true
	case "source_port":
		return e.SourcePort, true
	case "adapter_name":
		return e.AdapterName, true
	case "connection_id":
		return e.ConnectionID, true
	case "topic":
		return e.Topic, true
	case "qos":
		return int(e.QoS), true
	case "parse_error":
		if e.ParseError == "" {
			return nil, false
		}
		return e.ParseError, true
	case "headers":
		if rest == "" {
			return e.Headers, e.Headers != nil
		}
		v, ok := e.Headers[rest]
		return v, ok
	case "parsed_data":
		if rest == "" {
			return e.ParsedData, e.ParsedData != nil
		}
		return Get(e.ParsedData, rest)
	}
	// Unqualified paths fall through to parsed data.
	return Get(e.ParsedData, path)
}

// Payload builds the map handed to transformers and forwarders. ParsedData is
// kept under its own key so transform configs can address it explicitly.
func (e *Envelope) Payload() map[string]any {
	m := map[string]any{
		"message_id":      e.MessageID,
		"timestamp":       e.Timestamp.Format(time.RFC3339Nano),
		"source_protocol": string(e.SourceProtocol),
	}
	if e.DataSourceID != "" {
		m["data_source_id"] = e.DataSourceID
	}
	if e.SourceAddress != "" {
		m["source_address"] = e.SourceAddress
	}
	if e.SourcePort != 0 {
		m["source_port"] = e.SourcePort
	}
	if len(e.RawData) > 0 {
		m["raw_data"] = e.RawData
	}
	if e.ParsedData != nil {
		m["parsed_data"] = e.ParsedData
	}
	if e.ParseError != "" {
		m["parse_error"] = e.ParseError
	}
	if e.Topic != "" {
		m["topic"] = e.Topic
	}
	return m
}

func splitPath(path string) (head, rest string) {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}
