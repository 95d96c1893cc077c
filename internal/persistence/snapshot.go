package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"QuantaLedger/internal/ledger"
	"QuantaLedger/internal/orderbook"
)

// SnapshotData is the full ledger state at one apex. Orders are stored flat
// and re-inserted into the books on restore; insertion re-registers them on
// their owner accounts.
type SnapshotData struct {
	Apex      uint64            `json:"apex"`
	HashTip   []byte            `json:"hash_tip"`
	Settings  ledger.Settings   `json:"settings"`
	Accounts  []AccountSnapshot `json:"accounts"`
	Orders    []OrderSnapshot   `json:"orders"`
	Cursors   map[string]uint64 `json:"cursors"`
	CreatedAt time.Time         `json:"created_at"`
}

type AccountSnapshot struct {
	PubKey     ledger.PublicKey         `json:"pubkey"`
	Nonce      uint64                   `json:"nonce"`
	Balances   []ledger.Balance         `json:"balances"`
	RateLimits ledger.RequestRateLimits `json:"rate_limits"`
}

type OrderSnapshot struct {
	ID          uint64           `json:"id"`
	Owner       ledger.PublicKey `json:"owner"`
	Price       float64          `json:"price"`
	Amount      int64            `json:"amount"`
	QuoteAmount int64            `json:"quote_amount"`
}

// BuildSnapshot captures the ledger. The caller must quiesce the engine
// first; the state is walked without locks.
func BuildSnapshot(st *ledger.State, apex uint64, hashTip [32]byte) *SnapshotData {
	snap := &SnapshotData{
		Apex:      apex,
		HashTip:   hashTip[:],
		Settings:  st.Settings,
		Cursors:   make(map[string]uint64, len(st.Cursors)),
		CreatedAt: time.Now().UTC(),
	}
	for name, v := range st.Cursors {
		snap.Cursors[name] = v
	}
	for _, a := range st.Accounts() {
		snap.Accounts = append(snap.Accounts, AccountSnapshot{
			PubKey:     a.PubKey,
			Nonce:      a.Nonce,
			Balances:   append([]ledger.Balance(nil), a.Balances...),
			RateLimits: a.RateLimits,
		})
	}
	for _, book := range st.Books() {
		for _, o := range book.Orders() {
			snap.Orders = append(snap.Orders, OrderSnapshot{
				ID:          o.ID,
				Owner:       o.Owner,
				Price:       o.Price,
				Amount:      o.Amount,
				QuoteAmount: o.QuoteAmount,
			})
		}
	}
	return snap
}

// Restore rebuilds a ledger state from the snapshot.
func (snap *SnapshotData) Restore() (*ledger.State, error) {
	st := ledger.NewState(snap.Settings)
	for _, as := range snap.Accounts {
		a, err := st.CreateAccount(as.PubKey, as.RateLimits)
		if err != nil {
			return nil, fmt.Errorf("restore account %s: %w", as.PubKey, err)
		}
		a.Nonce = as.Nonce
		a.Balances = append([]ledger.Balance(nil), as.Balances...)
	}
	for _, o := range snap.Orders {
		book := st.Book(ledger.Asset(orderbook.DecodeAsset(o.ID)))
		if err := book.Insert(orderbook.Order{
			ID:          o.ID,
			Owner:       o.Owner,
			Price:       o.Price,
			Amount:      o.Amount,
			QuoteAmount: o.QuoteAmount,
		}); err != nil {
			return nil, fmt.Errorf("restore order %d: %w", o.ID, err)
		}
		owner := st.GetAccount(o.Owner)
		if owner == nil {
			return nil, fmt.Errorf("restore order %d: owner %s missing", o.ID, o.Owner)
		}
		owner.Orders[o.ID] = struct{}{}
	}
	for name, v := range snap.Cursors {
		st.Cursors[name] = v
	}
	return st, nil
}

// SnapshotManager persists and loads snapshots.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot writes a snapshot; one row per apex, replaced on conflict.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO quantum_log.snapshots
			(snapshot_id, apex, data, hash_tip, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (apex) DO UPDATE SET data = $3, hash_tip = $4, size_bytes = $5
	`, uuid.New(), snap.Apex, data, snap.HashTip, len(data), snap.CreatedAt)
	return err
}

// LoadLatestSnapshot returns the most recent snapshot, nil on cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM quantum_log.snapshots
		ORDER BY apex DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// PruneBelow removes snapshots older than the given apex, keeping at least
// the latest one regardless.
func (sm *SnapshotManager) PruneBelow(ctx context.Context, apex uint64) error {
	_, err := sm.db.ExecContext(ctx, `
		DELETE FROM quantum_log.snapshots
		WHERE apex < $1
		  AND apex <> (SELECT MAX(apex) FROM quantum_log.snapshots)
	`, apex)
	return err
}
