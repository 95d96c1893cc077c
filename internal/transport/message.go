// Package transport carries the constellation's peer protocol over
// websocket links: quantum broadcast, attestations, apex announcements, and
// catch-up sync.
package transport

import (
	"encoding/json"
	"fmt"

	"QuantaLedger/internal/ledger"
	"QuantaLedger/internal/quantum"
)

type MessageType string

const (
	MsgChallenge    MessageType = "challenge"
	MsgAuth         MessageType = "auth"
	MsgWelcome      MessageType = "welcome"
	MsgQuantum      MessageType = "quantum"
	MsgAttestation  MessageType = "attestation"
	MsgApexAnnounce MessageType = "apex"
	MsgSyncRequest  MessageType = "sync_request"
	MsgSyncResponse MessageType = "sync_response"
)

// Message is the wire envelope; the payload is typed by Type.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func NewMessage(t MessageType, v interface{}) (*Message, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Message{Type: t, Payload: payload}, nil
}

func (m *Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Challenge opens the handshake: the accepting side sends a random nonce
// the dialer must sign.
type Challenge struct {
	Nonce []byte `json:"nonce"`
}

// Auth answers the challenge with the dialer's node key, its last known
// apex, and a signature over both.
type Auth struct {
	Node      ledger.PublicKey `json:"node"`
	LastApex  uint64           `json:"last_apex"`
	Signature []byte           `json:"signature"`
}

// Welcome completes the handshake; the accepting side declares its own
// identity and apex so the dialer can detect how far behind it is.
type Welcome struct {
	Node     ledger.PublicKey `json:"node"`
	LastApex uint64           `json:"last_apex"`
}

// AttestationMsg carries an auditor's signature back to the alpha.
type AttestationMsg struct {
	Apex      uint64           `json:"apex"`
	Node      ledger.PublicKey `json:"node"`
	Signature []byte           `json:"signature"`
}

// ApexAnnounce is the alpha's periodic heartbeat; auditors compare it to
// their local apex to detect that they are falling behind.
type ApexAnnounce struct {
	Apex uint64 `json:"apex"`
}

// SyncRequest asks a peer for quanta above the given apex.
type SyncRequest struct {
	AfterApex uint64 `json:"after_apex"`
	Limit     int    `json:"limit"`
}

// SyncResponse returns a contiguous run of quanta and the sender's current
// apex; an empty batch with LastApex == AfterApex means fully caught up.
type SyncResponse struct {
	Quanta   []*quantum.Quantum `json:"quanta"`
	LastApex uint64             `json:"last_apex"`
}
