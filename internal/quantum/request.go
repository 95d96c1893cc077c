// Package quantum implements the sequencing core: request validation, apex
// assignment, effect production, and the leader/auditor processing paths.
package quantum

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"QuantaLedger/internal/ledger"
	"QuantaLedger/internal/orderbook"
)

// RequestKind discriminates the closed set of client request types.
type RequestKind int32

const (
	RequestUnknown RequestKind = iota
	RequestOrderPlace
	RequestOrderCancel
	RequestPayment
	RequestWithdrawal
	RequestAccountCreate
	RequestSettingsUpdate
)

func (k RequestKind) String() string {
	switch k {
	case RequestOrderPlace:
		return "OrderPlace"
	case RequestOrderCancel:
		return "OrderCancel"
	case RequestPayment:
		return "Payment"
	case RequestWithdrawal:
		return "Withdrawal"
	case RequestAccountCreate:
		return "AccountCreate"
	case RequestSettingsUpdate:
		return "SettingsUpdate"
	default:
		return "Unknown"
	}
}

// Request is one typed client request payload.
type Request interface {
	RequestKind() RequestKind
}

// OrderPlaceRequest places a limit order on the asset's market.
type OrderPlaceRequest struct {
	Asset  ledger.Asset   `json:"asset"`
	Side   orderbook.Side `json:"side"`
	Price  float64        `json:"price"`
	Amount int64          `json:"amount"`
}

func (r *OrderPlaceRequest) RequestKind() RequestKind { return RequestOrderPlace }

// OrderCancelRequest removes one of the submitter's resting orders.
type OrderCancelRequest struct {
	OrderID uint64 `json:"order_id"`
}

func (r *OrderCancelRequest) RequestKind() RequestKind { return RequestOrderCancel }

// PaymentRequest transfers funds to another account, creating it on first
// payment.
type PaymentRequest struct {
	To     ledger.PublicKey `json:"to"`
	Asset  ledger.Asset     `json:"asset"`
	Amount int64            `json:"amount"`
}

func (r *PaymentRequest) RequestKind() RequestKind { return RequestPayment }

// WithdrawalRequest reserves funds for settlement outside the ledger.
type WithdrawalRequest struct {
	Asset       ledger.Asset `json:"asset"`
	Amount      int64        `json:"amount"`
	Destination string       `json:"destination"`
}

func (r *WithdrawalRequest) RequestKind() RequestKind { return RequestWithdrawal }

// AccountCreateRequest registers an account explicitly. Only the alpha
// account may submit it; ordinary accounts come into existence through
// payments.
type AccountCreateRequest struct {
	NewAccount ledger.PublicKey         `json:"new_account"`
	RateLimits ledger.RequestRateLimits `json:"rate_limits"`
}

func (r *AccountCreateRequest) RequestKind() RequestKind { return RequestAccountCreate }

// SettingsUpdateRequest replaces the constellation settings. Alpha only.
type SettingsUpdateRequest struct {
	Settings ledger.Settings `json:"settings"`
}

func (r *SettingsUpdateRequest) RequestKind() RequestKind { return RequestSettingsUpdate }

// Envelope wraps a request with the submitting account, its replay nonce,
// and the account's signature over the canonical signing bytes.
type Envelope struct {
	RequestID uuid.UUID        `json:"request_id"`
	Account   ledger.PublicKey `json:"account"`
	Nonce     uint64           `json:"nonce"`
	Kind      RequestKind      `json:"kind"`
	Request   Request          `json:"-"`
	Signature []byte           `json:"signature"`
}

// Sign computes the envelope signature with the account's private key.
func (env *Envelope) Sign(priv ed25519.PrivateKey) {
	env.Signature = ed25519.Sign(priv, env.SigningBytes())
}

// VerifySignature checks the signature against the claimed account key.
func (env *Envelope) VerifySignature() bool {
	pub := ed25519.PublicKey(env.Account[:])
	return len(env.Signature) == ed25519.SignatureSize &&
		ed25519.Verify(pub, env.SigningBytes(), env.Signature)
}

// envelopeJSON is the wire form; the request payload is tagged by kind.
type envelopeJSON struct {
	RequestID uuid.UUID        `json:"request_id"`
	Account   ledger.PublicKey `json:"account"`
	Nonce     uint64           `json:"nonce"`
	Kind      RequestKind      `json:"kind"`
	Request   json.RawMessage  `json:"request"`
	Signature []byte           `json:"signature"`
}

func (env *Envelope) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(env.Request)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", env.Kind, err)
	}
	return json.Marshal(envelopeJSON{
		RequestID: env.RequestID,
		Account:   env.Account,
		Nonce:     env.Nonce,
		Kind:      env.Kind,
		Request:   payload,
		Signature: env.Signature,
	})
}

func (env *Envelope) UnmarshalJSON(data []byte) error {
	var raw envelopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var req Request
	switch raw.Kind {
	case RequestOrderPlace:
		req = &OrderPlaceRequest{}
	case RequestOrderCancel:
		req = &OrderCancelRequest{}
	case RequestPayment:
		req = &PaymentRequest{}
	case RequestWithdrawal:
		req = &WithdrawalRequest{}
	case RequestAccountCreate:
		req = &AccountCreateRequest{}
	case RequestSettingsUpdate:
		req = &SettingsUpdateRequest{}
	default:
		return fmt.Errorf("unknown request kind: %d", raw.Kind)
	}
	if err := json.Unmarshal(raw.Request, req); err != nil {
		return fmt.Errorf("unmarshal %s request: %w", raw.Kind, err)
	}

	env.RequestID = raw.RequestID
	env.Account = raw.Account
	env.Nonce = raw.Nonce
	env.Kind = raw.Kind
	env.Request = req
	env.Signature = raw.Signature
	return nil
}
