package transport_test

import (
	"testing"
	"time"

	"QuantaLedger/internal/testutil"
	"QuantaLedger/internal/transport"
)

// ============================================================================
// Test: reconnect backoff
// ============================================================================

func TestCalculateBackoff(t *testing.T) {
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{30, 60 * time.Second},
		{1000, 60 * time.Second},
	}
	for _, c := range cases {
		if got := transport.CalculateBackoff(c.retry); got != c.want {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", c.retry, got, c.want)
		}
	}
}

// ============================================================================
// Test: handshake challenge
// ============================================================================

func TestChallenge_SignVerify(t *testing.T) {
	kp := testutil.NewKeypair(2)

	ch, err := transport.NewChallenge()
	if err != nil {
		t.Fatal(err)
	}
	if len(ch.Nonce) != 32 {
		t.Fatalf("nonce length = %d, want 32", len(ch.Nonce))
	}

	sig := transport.SignChallenge(kp.Priv, ch.Nonce, 42)
	if !transport.VerifyChallenge(kp.Pub, ch.Nonce, 42, sig) {
		t.Fatal("signature must verify against the issued nonce")
	}
	if transport.VerifyChallenge(kp.Pub, ch.Nonce, 43, sig) {
		t.Error("signature must bind the declared apex")
	}
	other, _ := transport.NewChallenge()
	if transport.VerifyChallenge(kp.Pub, other.Nonce, 42, sig) {
		t.Error("signature must bind the nonce")
	}
	if transport.VerifyChallenge(testutil.NewKeypair(3).Pub, ch.Nonce, 42, sig) {
		t.Error("signature must bind the node key")
	}
}

func TestChallenge_NoncesAreUnique(t *testing.T) {
	a, err := transport.NewChallenge()
	if err != nil {
		t.Fatal(err)
	}
	b, err := transport.NewChallenge()
	if err != nil {
		t.Fatal(err)
	}
	if string(a.Nonce) == string(b.Nonce) {
		t.Error("consecutive challenges must not repeat")
	}
}

// ============================================================================
// Test: wire envelope
// ============================================================================

func TestMessage_RoundTrip(t *testing.T) {
	in := transport.SyncRequest{AfterApex: 100, Limit: 50}
	msg, err := transport.NewMessage(transport.MsgSyncRequest, in)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != transport.MsgSyncRequest {
		t.Errorf("type = %s, want %s", msg.Type, transport.MsgSyncRequest)
	}

	var out transport.SyncRequest
	if err := msg.Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestMessage_DecodeWrongShape(t *testing.T) {
	msg := &transport.Message{Type: transport.MsgApexAnnounce, Payload: []byte(`"not an object"`)}
	var out transport.ApexAnnounce
	if err := msg.Decode(&out); err == nil {
		t.Error("decoding a mismatched payload should fail")
	}
}
