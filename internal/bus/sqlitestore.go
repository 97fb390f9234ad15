package bus

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a StreamStore backed by a local SQLite file, giving a
// single-node deployment durability and replay without extra infrastructure.
type SQLiteStore struct {
	db *sql.DB
}

var _ StreamStore = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stream_records (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	subject    TEXT    NOT NULL,
	data       BLOB    NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stream_records_created_at
	ON stream_records (created_at);
`

// NewSQLiteStore opens (or creates) the stream database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open stream db: %w", err)
	}
	// Serialized access; the bus publishes from many goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure stream db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create stream schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append implements StreamStore.
func (s *SQLiteStore) Append(ctx context.Context, subject string, data []byte) (Record, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO stream_records (subject, data, created_at) VALUES (?, ?, ?)",
		subject, data, now.UnixMilli())
	if err != nil {
		return Record{}, fmt.Errorf("append record: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Record{}, fmt.Errorf("append record: %w", err)
	}
	return Record{
		Sequence:  uint64(seq),
		Subject:   subject,
		Data:      data,
		Timestamp: now,
	}, nil
}

// Range implements StreamStore.
func (s *SQLiteStore) Range(ctx context.Context, fromSeq uint64, fn func(Record) bool) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, subject, data, created_at FROM stream_records WHERE seq >= ? ORDER BY seq",
		fromSeq)
	if err != nil {
		return fmt.Errorf("range records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			record Record
			ms     int64
		)
		if err := rows.Scan(&record.Sequence, &record.Subject, &record.Data, &ms); err != nil {
			return fmt.Errorf("scan record: %w", err)
		}
		record.Timestamp = time.UnixMilli(ms).UTC()
		if !fn(record) {
			return nil
		}
	}
	return rows.Err()
}

// LastSequence implements StreamStore.
func (s *SQLiteStore) LastSequence(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM stream_records").Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// Trim implements StreamStore.
func (s *SQLiteStore) Trim(ctx context.Context, cutoff time.Time, maxBytes int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM stream_records WHERE created_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("trim by age: %w", err)
	}
	byAge, _ := res.RowsAffected()

	var bySize int64
	if maxBytes > 0 {
		// Drop oldest records until the payload total fits the bound.
		for {
			var total sql.NullInt64
			if err := s.db.QueryRowContext(ctx,
				"SELECT SUM(LENGTH(data)) FROM stream_records").Scan(&total); err != nil {
				return int(byAge + bySize), fmt.Errorf("trim by size: %w", err)
			}
			if !total.Valid || total.Int64 <= maxBytes {
				break
			}
			res, err := s.db.ExecContext(ctx,
				"DELETE FROM stream_records WHERE seq IN (SELECT seq FROM stream_records ORDER BY seq LIMIT 100)")
			if err != nil {
				return int(byAge + bySize), fmt.Errorf("trim by size: %w", err)
			}
			n, _ := res.RowsAffected()
			if n == 0 {
				break
			}
			bySize += n
		}
	}
	return int(byAge + bySize), nil
}

// Close implements StreamStore.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
