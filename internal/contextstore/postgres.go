package contextstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is the `database` storage mode, backed by the
// `conversation_records` table created by internal/migrations
// (000002_conversation_records.up.sql). The contract matches MemoryStore
// exactly per spec §4.3.
type PostgresStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgresStore opens a connection pool against dsn. Schema is
// maintained by internal/migrations, not by this constructor.
func NewPostgresStore(dsn string, ttlDays int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{db: db}
	s.SetTTL(ttlDays)
	return s, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Load(credential string) ([]Turn, error) {
	var turnsJSON []byte
	err := s.db.QueryRow(
		`SELECT turns FROM conversation_records WHERE credential = $1`, credential,
	).Scan(&turnsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var turns []Turn
	if err := json.Unmarshal(turnsJSON, &turns); err != nil {
		return nil, err
	}
	return turns, nil
}

func (s *PostgresStore) Save(credential string, appended []Turn, effectiveTokenLimit int) (SaveOutcome, error) {
	existing, err := s.Load(credential)
	if err != nil {
		return SaveOutcome{}, err
	}
	merged := append(append([]Turn{}, existing...), appended...)

	truncated, tooLarge := truncateToFit(merged, effectiveTokenLimit)
	if tooLarge {
		return SaveOutcome{PairTooLarge: true}, nil
	}

	turnsJSON, err := json.Marshal(truncated)
	if err != nil {
		return SaveOutcome{}, err
	}

	var expiresAt interface{}
	if s.ttl > 0 {
		expiresAt = time.Now().Add(s.ttl)
	}

	_, err = s.db.Exec(`
		INSERT INTO conversation_records (credential, turns, created_at, last_used_at, expires_at)
		VALUES ($1, $2, now(), now(), $3)
		ON CONFLICT (credential) DO UPDATE
			SET turns = EXCLUDED.turns, last_used_at = now(), expires_at = EXCLUDED.expires_at
	`, credential, turnsJSON, expiresAt)
	if err != nil {
		return SaveOutcome{}, err
	}
	return SaveOutcome{Turns: truncated}, nil
}

func (s *PostgresStore) Delete(credential string) error {
	_, err := s.db.Exec(`DELETE FROM conversation_records WHERE credential = $1`, credential)
	return err
}

func (s *PostgresStore) SetTTL(days int) {
	if days <= 0 {
		s.ttl = 0
		return
	}
	s.ttl = time.Duration(days) * 24 * time.Hour
}

// SweepExpired deletes rows past expires_at; a no-op row count of zero is
// not an error (spec §4.3: "records whose last_used + ttl < now are
// removed").
func (s *PostgresStore) SweepExpired() (int, error) {
	res, err := s.db.Exec(`DELETE FROM conversation_records WHERE expires_at IS NOT NULL AND expires_at < now()`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
