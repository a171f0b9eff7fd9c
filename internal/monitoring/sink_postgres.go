package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createParentTable = `
CREATE TABLE IF NOT EXISTS message_logs (
	id              UUID        NOT NULL,
	timestamp       TIMESTAMPTZ NOT NULL,
	message_id      TEXT        NOT NULL,
	source_protocol TEXT        NOT NULL,
	source_id       TEXT,
	source_address  TEXT,
	raw_data        BYTEA,
	raw_size        INTEGER     NOT NULL DEFAULT 0,
	raw_digest      BIGINT,
	parsed_data     JSONB,
	processing_status TEXT      NOT NULL,
	matched_rules   TEXT[],
	target_systems  TEXT[],
	error_message   TEXT,
	PRIMARY KEY (id, timestamp)
) PARTITION BY RANGE (timestamp);
CREATE INDEX IF NOT EXISTS message_logs_message_id_idx ON message_logs (message_id);
`

// PostgresSink persists message-log rows into a month-partitioned table.
type PostgresSink struct {
	pool *pgxpool.Pool

	mu         sync.Mutex
	partitions map[string]struct{} // partition names known to exist
}

// NewPostgresSink connects and ensures the parent table exists.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect message-log store: %w", err)
	}
	if _, err := pool.Exec(ctx, createParentTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure message_logs table: %w", err)
	}
	return &PostgresSink{pool: pool, partitions: make(map[string]struct{})}, nil
}

// ensurePartition creates the message_logs_YYYY_MM partition covering ts.
// Creation is idempotent and cached per process.
func (s *PostgresSink) ensurePartition(ctx context.Context, ts time.Time) error {
	ts = ts.UTC()
	name := fmt.Sprintf("message_logs_%04d_%02d", ts.Year(), ts.Month())

	s.mu.Lock()
	_, known := s.partitions[name]
	s.mu.Unlock()
	if known {
		return nil
	}

	from := time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	ddl := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF message_logs FOR VALUES FROM ('%s') TO ('%s')`,
		name, from.Format(time.RFC3339), to.Format(time.RFC3339),
	)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure partition %s: %w", name, err)
	}

	s.mu.Lock()
	s.partitions[name] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Insert writes one row, creating its monthly partition first.
func (s *PostgresSink) Insert(ctx context.Context, rec *MessageRecord) error {
	if err := s.ensurePartition(ctx, rec.Timestamp); err != nil {
		return err
	}

	var parsed []byte
	if rec.ParsedData != nil {
		var err error
		parsed, err = json.Marshal(rec.ParsedData)
		if err != nil {
			return fmt.Errorf("encode parsed_data: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO message_logs (
			id, timestamp, message_id, source_protocol, source_id,
			source_address, raw_data, raw_size, raw_digest, parsed_data,
			processing_status, matched_rules, target_systems, error_message
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		rec.ID, rec.Timestamp, rec.MessageID, rec.SourceProtocol, nullable(rec.SourceID),
		nullable(rec.SourceAddress), rec.RawData, rec.RawSize, int64(rec.RawDigest), parsed,
		rec.Status, rec.MatchedRules, rec.TargetSystems, nullable(rec.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("insert message log: %w", err)
	}
	return nil
}

// Update finalizes the row identified by (id, timestamp).
func (s *PostgresSink) Update(ctx context.Context, upd *StatusUpdate) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE message_logs
		SET processing_status = $1, target_systems = $2, error_message = $3
		WHERE id = $4 AND timestamp = $5`,
		upd.Status, upd.TargetSystems, nullable(upd.ErrorMessage), upd.RowID, upd.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("update message log: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
