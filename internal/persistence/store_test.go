package persistence_test

import (
	"context"
	"testing"

	"QuantaLedger/internal/effect"
	"QuantaLedger/internal/ledger"
	"QuantaLedger/internal/persistence"
	"QuantaLedger/internal/quantum"
	"QuantaLedger/internal/testutil"
)

func testQuantum(t *testing.T, apex uint64) *quantum.Quantum {
	t.Helper()
	kp := testutil.NewKeypair(10)
	env := testutil.SignedEnvelope(kp, apex, &quantum.PaymentRequest{
		To: testutil.NewKeypair(11).Pub, Asset: ledger.AssetBase, Amount: 10,
	})
	q := &quantum.Quantum{
		Apex:        apex,
		TimestampUs: 1_725_000_000_000_000 + int64(apex),
		Envelope:    env,
		Effects: []effect.Effect{
			&effect.NonceUpdate{Base: effect.Base{AccountKey: kp.Pub, ApexID: apex}, OldNonce: apex - 1, NewNonce: apex},
		},
	}
	q.Hash = quantum.NewHasher().ComputeHash(apex, q.ContentBytes(nil))
	return q
}

// ============================================================================
// Test: quantum log (integration)
// ============================================================================

func TestStore_WriteAndLoad(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := persistence.NewStore(db)
	ctx := context.Background()

	var rows []persistence.QuantumRow
	for apex := uint64(1); apex <= 3; apex++ {
		row, err := persistence.RowFor(testQuantum(t, apex))
		if err != nil {
			t.Fatal(err)
		}
		rows = append(rows, row)
	}
	if err := store.WriteBatch(ctx, rows); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Retrying the same batch is a no-op.
	if err := store.WriteBatch(ctx, rows); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	last, err := store.LastApex(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if last != 3 {
		t.Errorf("last apex = %d, want 3", last)
	}

	quanta, err := store.LoadQuantaAbove(ctx, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(quanta) != 2 {
		t.Fatalf("loaded %d quanta above 1, want 2", len(quanta))
	}
	if quanta[0].Apex != 2 || quanta[1].Apex != 3 {
		t.Errorf("apexes = %d, %d, want 2, 3", quanta[0].Apex, quanta[1].Apex)
	}
	if len(quanta[0].Effects) != 1 {
		t.Errorf("effects lost in storage round trip")
	}
	if !quanta[0].Envelope.VerifySignature() {
		t.Error("envelope signature lost in storage round trip")
	}
}

func TestStore_MarkFinal(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := persistence.NewStore(db)
	ctx := context.Background()

	q := testQuantum(t, 1)
	row, err := persistence.RowFor(q)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.WriteBatch(ctx, []persistence.QuantumRow{row}); err != nil {
		t.Fatal(err)
	}

	node := testutil.NewKeypair(2)
	sigs := []quantum.NodeSignature{{Node: node.Pub, Signature: q.SignHash(node.Priv)}}
	if err := store.MarkFinal(ctx, 1, sigs); err != nil {
		t.Fatalf("mark final: %v", err)
	}

	var final bool
	if err := db.QueryRow(`SELECT final FROM quantum_log.quanta WHERE apex = 1`).Scan(&final); err != nil {
		t.Fatal(err)
	}
	if !final {
		t.Error("quantum not marked final")
	}
}

func TestStore_EmptyLog(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := persistence.NewStore(db)
	last, err := store.LastApex(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if last != 0 {
		t.Errorf("last apex of empty log = %d, want 0", last)
	}
}
