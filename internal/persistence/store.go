// Package persistence stores the quantum log and state snapshots in
// Postgres and replays them on startup.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"QuantaLedger/internal/quantum"
)

// QuantumRow is one row of quantum_log.quanta.
type QuantumRow struct {
	Apex        uint64
	TimestampUs int64
	Kind        string
	Account     string
	Payload     []byte // JSON-encoded quantum (envelope + effects)
	Hash        []byte
	Signatures  []byte // JSON-encoded signature list
	Final       bool
}

// Store writes and reads the quantum log. Writes are multi-row INSERTs with
// ON CONFLICT DO NOTHING so a retried batch is idempotent.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// RowFor serializes a quantum into its storage row.
func RowFor(q *quantum.Quantum) (QuantumRow, error) {
	payload, err := json.Marshal(q)
	if err != nil {
		return QuantumRow{}, fmt.Errorf("marshal quantum %d: %w", q.Apex, err)
	}
	sigs, err := json.Marshal(q.Signatures)
	if err != nil {
		return QuantumRow{}, fmt.Errorf("marshal signatures %d: %w", q.Apex, err)
	}
	return QuantumRow{
		Apex:        q.Apex,
		TimestampUs: q.TimestampUs,
		Kind:        q.Envelope.Kind.String(),
		Account:     q.Envelope.Account.String(),
		Payload:     payload,
		Hash:        q.Hash[:],
		Signatures:  sigs,
	}, nil
}

// WriteBatch inserts a batch of quanta in one transaction.
func (s *Store) WriteBatch(ctx context.Context, rows []QuantumRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO quantum_log.quanta
		(apex, timestamp_us, kind, account, payload, hash, signatures, final)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*8)
	for i, r := range rows {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			r.Apex, r.TimestampUs, r.Kind, r.Account,
			r.Payload, r.Hash, r.Signatures, r.Final,
		)
	}
	query += strings.Join(values, ", ")
	query += " ON CONFLICT (apex) DO NOTHING"

	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// MarkFinal records the majority signature set once a quantum finalizes.
func (s *Store) MarkFinal(ctx context.Context, apex uint64, signatures []quantum.NodeSignature) error {
	sigs, err := json.Marshal(signatures)
	if err != nil {
		return fmt.Errorf("marshal signatures %d: %w", apex, err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE quantum_log.quanta SET final = TRUE, signatures = $2 WHERE apex = $1
	`, apex, sigs)
	return err
}

// LoadQuantaAbove reads up to limit quanta with apex > after, in order.
// Used for startup replay and for serving catch-up sync to peers.
func (s *Store) LoadQuantaAbove(ctx context.Context, after uint64, limit int) ([]*quantum.Quantum, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM quantum_log.quanta
		WHERE apex > $1
		ORDER BY apex ASC
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var quanta []*quantum.Quantum
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		q := &quantum.Quantum{}
		if err := json.Unmarshal(payload, q); err != nil {
			return nil, fmt.Errorf("unmarshal quantum: %w", err)
		}
		quanta = append(quanta, q)
	}
	return quanta, rows.Err()
}

// LastApex returns the highest apex in the log, 0 when empty.
func (s *Store) LastApex(ctx context.Context) (uint64, error) {
	var apex sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT MAX(apex) FROM quantum_log.quanta
	`).Scan(&apex); err != nil {
		return 0, err
	}
	if !apex.Valid {
		return 0, nil
	}
	return uint64(apex.Int64), nil
}

// DB exposes the handle for the migrator and snapshot manager.
func (s *Store) DB() *sql.DB { return s.db }
