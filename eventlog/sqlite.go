package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bomba-atomica/atomica-sub004/protocol"
	_ "github.com/glebarez/go-sqlite"
)

// SQLiteLog persists the log in a SQLite database in WAL mode.
type SQLiteLog struct {
	db     *sql.DB
	now    func() time.Time
	fanout *fanout

	// mu orders sequence assignment with the insert.
	mu      sync.Mutex
	lastSeq uint64
}

// OpenSQLiteLog opens (or creates) the log at path.
func OpenSQLiteLog(path string, logger *slog.Logger) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// A single connection keeps the pragmas and serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting %s: %w", pragma, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY,
			kind TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			subject TEXT NOT NULL,
			payload BLOB NOT NULL,
			at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_epoch ON events(epoch, seq)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating events table: %w", err)
		}
	}

	l := &SQLiteLog{db: db, now: time.Now, fanout: newFanout(logger)}

	var last sql.NullInt64
	if err := db.QueryRow("SELECT MAX(seq) FROM events").Scan(&last); err != nil {
		db.Close()
		return nil, fmt.Errorf("reading last sequence: %w", err)
	}
	if last.Valid {
		l.lastSeq = uint64(last.Int64)
	}
	return l, nil
}

func (l *SQLiteLog) Append(ctx context.Context, rec Record) (Event, error) {
	l.mu.Lock()
	ev, err := encode(rec, l.lastSeq+1, l.now())
	if err != nil {
		l.mu.Unlock()
		return Event{}, err
	}
	_, err = l.db.ExecContext(ctx,
		"INSERT INTO events (seq, kind, epoch, subject, payload, at) VALUES (?, ?, ?, ?, ?, ?)",
		ev.Seq, string(ev.Kind), uint64(ev.Epoch), ev.Subject, []byte(ev.Payload), ev.At.UnixNano(),
	)
	if err != nil {
		l.mu.Unlock()
		return Event{}, fmt.Errorf("inserting event: %w", err)
	}
	l.lastSeq = ev.Seq
	l.mu.Unlock()

	l.fanout.publish(ev)
	return ev, nil
}

func (l *SQLiteLog) Since(ctx context.Context, after uint64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx,
		"SELECT seq, kind, epoch, subject, payload, at FROM events WHERE seq > ? ORDER BY seq ASC LIMIT ?",
		after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	return scanEvents(rows)
}

func (l *SQLiteLog) ByEpoch(ctx context.Context, epoch protocol.EpochID) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT seq, kind, epoch, subject, payload, at FROM events WHERE epoch = ? ORDER BY seq ASC",
		uint64(epoch),
	)
	if err != nil {
		return nil, fmt.Errorf("querying epoch events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev      Event
			kind    string
			epoch   uint64
			payload []byte
			at      int64
		)
		if err := rows.Scan(&ev.Seq, &kind, &epoch, &ev.Subject, &payload, &at); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.Kind = Kind(kind)
		ev.Epoch = protocol.EpochID(epoch)
		ev.Payload = payload
		ev.At = time.Unix(0, at).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (l *SQLiteLog) Subscribe(buffer int) (<-chan Event, func()) {
	return l.fanout.subscribe(buffer)
}

func (l *SQLiteLog) Close() error {
	l.fanout.closeAll()
	return l.db.Close()
}
