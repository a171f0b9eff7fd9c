package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileSink appends message-log rows as JSON lines to a rotating file. It is
// an append-only log: updates are written as separate update records rather
// than rewriting the insert line.
type FileSink struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

// NewFileSink builds a rotating JSONL sink at path.
func NewFileSink(path string, maxSizeMB, maxBackups int) *FileSink {
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	return &FileSink{
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			Compress:   true,
		},
	}
}

type fileLine struct {
	Kind   string         `json:"kind"` // insert or update
	Insert *MessageRecord `json:"insert,omitempty"`
	Update *StatusUpdate  `json:"update,omitempty"`
}

func (s *FileSink) write(line fileLine) error {
	raw, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encode message log line: %w", err)
	}
	raw = append(raw, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(raw); err != nil {
		return fmt.Errorf("write message log line: %w", err)
	}
	return nil
}

func (s *FileSink) Insert(_ context.Context, rec *MessageRecord) error {
	return s.write(fileLine{Kind: "insert", Insert: rec})
}

func (s *FileSink) Update(_ context.Context, upd *StatusUpdate) error {
	return s.write(fileLine{Kind: "update", Update: upd})
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Close()
}
