package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"nodie/internal/model"
)

const dbBusyTimeout = 5 * time.Second

const createEventsTable = `
CREATE TABLE IF NOT EXISTS accrual_event (
  seq INTEGER PRIMARY KEY,
  id TEXT NOT NULL UNIQUE,
  node_id TEXT NOT NULL,
  start_unix_nano INTEGER NOT NULL,
  end_unix_nano INTEGER NOT NULL,
  tier TEXT NOT NULL,
  ip_class TEXT NOT NULL,
  multiplier REAL NOT NULL,
  points REAL NOT NULL,
  acked INTEGER NOT NULL DEFAULT 0
);`

// SQLiteStore persists the ledger in a single sqlite file.
type SQLiteStore struct {
	db *sqlx.DB
}

type eventRow struct {
	Seq           uint64  `db:"seq"`
	ID            string  `db:"id"`
	NodeID        string  `db:"node_id"`
	StartUnixNano int64   `db:"start_unix_nano"`
	EndUnixNano   int64   `db:"end_unix_nano"`
	Tier          string  `db:"tier"`
	IPClass       string  `db:"ip_class"`
	Multiplier    float64 `db:"multiplier"`
	Points        float64 `db:"points"`
	Acked         bool    `db:"acked"`
}

// OpenSQLite opens (creating if needed) the ledger database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("cannot open ledger database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		fmt.Sprintf("PRAGMA busy_timeout=%d;", int64(dbBusyTimeout/time.Millisecond)),
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("cannot set sqlite database parameter: %w", err)
		}
	}
	if _, err := db.Exec(createEventsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot create accrual_event table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, ev model.AccrualEvent) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO accrual_event (seq, id, node_id, start_unix_nano, end_unix_nano, tier, ip_class, multiplier, points, acked)
		 VALUES (:seq, :id, :node_id, :start_unix_nano, :end_unix_nano, :tier, :ip_class, :multiplier, :points, :acked)`,
		toRow(ev))
	if err != nil {
		return fmt.Errorf("insert accrual_event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkAcked(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE accrual_event SET acked = 1 WHERE id IN (?)`, ids)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("ack accrual_event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]model.AccrualEvent, error) {
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM accrual_event ORDER BY seq`); err != nil {
		return nil, fmt.Errorf("select accrual_event: %w", err)
	}
	out := make([]model.AccrualEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.event())
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toRow(ev model.AccrualEvent) eventRow {
	return eventRow{
		Seq:           ev.Seq,
		ID:            ev.ID,
		NodeID:        ev.NodeID,
		StartUnixNano: ev.Start.UnixNano(),
		EndUnixNano:   ev.End.UnixNano(),
		Tier:          string(ev.Tier),
		IPClass:       string(ev.IPClass),
		Multiplier:    ev.Multiplier,
		Points:        ev.Points,
		Acked:         ev.Acked,
	}
}

func (r eventRow) event() model.AccrualEvent {
	return model.AccrualEvent{
		ID:         r.ID,
		Seq:        r.Seq,
		NodeID:     r.NodeID,
		Start:      time.Unix(0, r.StartUnixNano).UTC(),
		End:        time.Unix(0, r.EndUnixNano).UTC(),
		Tier:       model.Tier(r.Tier),
		IPClass:    model.IPClass(r.IPClass),
		Multiplier: r.Multiplier,
		Points:     r.Points,
		Acked:      r.Acked,
	}
}
