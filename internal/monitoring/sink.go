package monitoring

import (
	"context"
	"time"
)

// Processing statuses persisted with each message-log row.
const (
	StatusAwaitingForward = "awaiting_forward"
	StatusNoTarget        = "no_target"
	StatusSuccess         = "success"
	StatusFailed          = "failed"
	StatusPartialSuccess  = "partial_success"
)

// MessageRecord is one message-log row. The partition key is Timestamp;
// rows land in the partition for their calendar month.
type MessageRecord struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	MessageID      string         `json:"message_id"`
	SourceProtocol string         `json:"source_protocol"`
	SourceID       string         `json:"source_id,omitempty"`
	SourceAddress  string         `json:"source_address,omitempty"`
	RawData        []byte         `json:"raw_data,omitempty"`
	RawSize        int            `json:"raw_size"`
	RawDigest      uint64         `json:"raw_digest,omitempty"`
	ParsedData     map[string]any `json:"parsed_data,omitempty"`
	Status         string         `json:"processing_status"`
	MatchedRules   []string       `json:"matched_rules,omitempty"`
	TargetSystems  []string       `json:"target_systems,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
}

// StatusUpdate finalizes a previously inserted row.
type StatusUpdate struct {
	RowID         string    `json:"row_id"`
	Timestamp     time.Time `json:"timestamp"`
	Status        string    `json:"processing_status"`
	TargetSystems []string  `json:"target_systems,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}

// Sink persists message-log rows. Implementations must make the monthly
// partition for a row's timestamp exist before inserting into it.
type Sink interface {
	Insert(ctx context.Context, rec *MessageRecord) error
	Update(ctx context.Context, upd *StatusUpdate) error
	Close() error
}

// NopSink discards everything. Used when message-log persistence is
// disabled.
type NopSink struct{}

func (NopSink) Insert(context.Context, *MessageRecord) error { return nil }
func (NopSink) Update(context.Context, *StatusUpdate) error  { return nil }
func (NopSink) Close() error                                 { return nil }
