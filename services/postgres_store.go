package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bomba-atomica/atomica-sub004/eventlog"
	"github.com/bomba-atomica/atomica-sub004/protocol"
	_ "github.com/lib/pq"
)

// PostgresStore implements ProjectionStore with PostgreSQL persistence.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresStore connects to PostgreSQL and creates the projection tables.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bid_statuses (
		bid_id VARCHAR(64) PRIMARY KEY,
		participant VARCHAR(128) NOT NULL,
		pair VARCHAR(64) NOT NULL,
		epoch BIGINT NOT NULL,
		state VARCHAR(32) NOT NULL,
		status JSONB NOT NULL,
		seq BIGINT NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS obligations (
		obligation_id VARCHAR(64) PRIMARY KEY,
		participant VARCHAR(128) NOT NULL,
		epoch BIGINT NOT NULL,
		state VARCHAR(32) NOT NULL,
		obligation JSONB NOT NULL,
		seq BIGINT NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS projection_cursor (
		id SMALLINT PRIMARY KEY,
		seq BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bids_epoch ON bid_statuses(epoch);
	CREATE INDEX IF NOT EXISTS idx_obligations_participant ON obligations(participant);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Apply projects one event and advances the cursor in a single transaction.
// A row is only replaced by a later event.
func (s *PostgresStore) Apply(ctx context.Context, ev eventlog.Event) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	switch ev.Kind {
	case eventlog.KindBidStatus:
		var status protocol.BidStatus
		if err := ev.Decode(&status); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
		INSERT INTO bid_statuses (bid_id, participant, pair, epoch, state, status, seq, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (bid_id) DO UPDATE SET
			state = EXCLUDED.state,
			status = EXCLUDED.status,
			seq = EXCLUDED.seq,
			updated_at = NOW()
		WHERE bid_statuses.seq < EXCLUDED.seq
		`,
			string(status.BidID),
			string(status.Participant),
			status.Pair.String(),
			int64(status.Epoch),
			string(status.State),
			[]byte(ev.Payload),
			int64(ev.Seq),
		)
	case eventlog.KindObligation:
		var ob protocol.SettlementObligation
		if err := ev.Decode(&ob); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
		INSERT INTO obligations (obligation_id, participant, epoch, state, obligation, seq, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (obligation_id) DO UPDATE SET
			state = EXCLUDED.state,
			obligation = EXCLUDED.obligation,
			seq = EXCLUDED.seq,
			updated_at = NOW()
		WHERE obligations.seq < EXCLUDED.seq
		`,
			string(ob.ID),
			string(ob.Participant),
			int64(ob.Epoch),
			string(ob.State),
			[]byte(ev.Payload),
			int64(ev.Seq),
		)
	}
	if err != nil {
		return fmt.Errorf("projecting %s event %d: %w", ev.Kind, ev.Seq, err)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO projection_cursor (id, seq) VALUES (1, $1)
	ON CONFLICT (id) DO UPDATE SET seq = GREATEST(projection_cursor.seq, EXCLUDED.seq)
	`, int64(ev.Seq))
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Cursor returns the last event sequence applied.
func (s *PostgresStore) Cursor(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var seq int64
	err := s.db.QueryRowContext(ctx, "SELECT seq FROM projection_cursor WHERE id = 1").Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return uint64(seq), err
}

// BidStatus returns the latest status of a bid.
func (s *PostgresStore) BidStatus(ctx context.Context, id protocol.BidID) (protocol.BidStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var raw []byte
	err := s.db.QueryRowContext(ctx, "SELECT status FROM bid_statuses WHERE bid_id = $1", string(id)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.BidStatus{}, protocol.Errorf(protocol.ErrUnknownBid, "%s", id)
	}
	if err != nil {
		return protocol.BidStatus{}, err
	}

	var status protocol.BidStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return protocol.BidStatus{}, fmt.Errorf("decoding status of bid %s: %w", id, err)
	}
	return status, nil
}

// Obligations returns the obligations of a participant ordered by id.
func (s *PostgresStore) Obligations(ctx context.Context, participant protocol.ParticipantID) ([]protocol.SettlementObligation, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT obligation FROM obligations
		WHERE participant = $1
		ORDER BY obligation_id
	`, string(participant))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []protocol.SettlementObligation
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		var ob protocol.SettlementObligation
		if err := json.Unmarshal(raw, &ob); err != nil {
			return nil, fmt.Errorf("decoding obligation: %w", err)
		}
		out = append(out, ob)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
