package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"QuantaLedger/internal/ledger"
	"QuantaLedger/internal/orderbook"
	"QuantaLedger/internal/quantum"
)

// AmountScale is the number of decimal places carried by integer minor
// units. Clients submit human-readable decimal strings; the ledger only
// ever sees integers.
const AmountScale = 8

// ParseRawRequest validates and converts a wire request into a signed
// envelope ready for the sequencing engine.
func ParseRawRequest(raw RawRequest) (*quantum.Envelope, error) {
	switch raw.Kind {
	case "order_place":
		return parseEnvelope(raw.Data, quantum.RequestOrderPlace, parseOrderPlace)
	case "order_cancel":
		return parseEnvelope(raw.Data, quantum.RequestOrderCancel, parseOrderCancel)
	case "payment":
		return parseEnvelope(raw.Data, quantum.RequestPayment, parsePayment)
	case "withdrawal":
		return parseEnvelope(raw.Data, quantum.RequestWithdrawal, parseWithdrawal)
	case "account_create":
		return parseEnvelope(raw.Data, quantum.RequestAccountCreate, parseAccountCreate)
	case "settings_update":
		return parseEnvelope(raw.Data, quantum.RequestSettingsUpdate, parseSettingsUpdate)
	default:
		return nil, fmt.Errorf("unknown request kind: %s", raw.Kind)
	}
}

// envelopeWire is the client wire format. Account keys are hex, signatures
// base64, money fields decimal strings.
type envelopeWire struct {
	RequestID string           `json:"request_id"`
	Account   ledger.PublicKey `json:"account"`
	Nonce     uint64           `json:"nonce"`
	Signature []byte           `json:"signature"`
	Payload   json.RawMessage  `json:"payload"`
}

func parseEnvelope(data []byte, kind quantum.RequestKind, parsePayload func([]byte) (quantum.Request, error)) (*quantum.Envelope, error) {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse %s envelope: %w", kind, err)
	}
	requestID, err := uuid.Parse(w.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	req, err := parsePayload(w.Payload)
	if err != nil {
		return nil, err
	}
	return &quantum.Envelope{
		RequestID: requestID,
		Account:   w.Account,
		Nonce:     w.Nonce,
		Kind:      kind,
		Request:   req,
		Signature: w.Signature,
	}, nil
}

// parseAmount converts a client decimal string into integer minor units.
// The value must land exactly on the minor-unit grid.
func parseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	shifted := d.Shift(AmountScale)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("amount %q exceeds %d decimal places", s, AmountScale)
	}
	if !shifted.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %q out of range", s)
	}
	return shifted.IntPart(), nil
}

func parsePrice(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	f, _ := d.Float64()
	return f, nil
}

func parseSide(s string) (orderbook.Side, error) {
	switch s {
	case "bid", "buy":
		return orderbook.SideBid, nil
	case "ask", "sell":
		return orderbook.SideAsk, nil
	default:
		return 0, fmt.Errorf("unknown side %q", s)
	}
}

type orderPlaceWire struct {
	Asset  ledger.Asset `json:"asset"`
	Side   string       `json:"side"`
	Price  string       `json:"price"`
	Amount string       `json:"amount"`
}

func parseOrderPlace(data []byte) (quantum.Request, error) {
	var w orderPlaceWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse order_place: %w", err)
	}
	side, err := parseSide(w.Side)
	if err != nil {
		return nil, err
	}
	price, err := parsePrice(w.Price)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(w.Amount)
	if err != nil {
		return nil, err
	}
	return &quantum.OrderPlaceRequest{
		Asset:  w.Asset,
		Side:   side,
		Price:  price,
		Amount: amount,
	}, nil
}

type orderCancelWire struct {
	OrderID uint64 `json:"order_id"`
}

func parseOrderCancel(data []byte) (quantum.Request, error) {
	var w orderCancelWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse order_cancel: %w", err)
	}
	return &quantum.OrderCancelRequest{OrderID: w.OrderID}, nil
}

type paymentWire struct {
	To     ledger.PublicKey `json:"to"`
	Asset  ledger.Asset     `json:"asset"`
	Amount string           `json:"amount"`
}

func parsePayment(data []byte) (quantum.Request, error) {
	var w paymentWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse payment: %w", err)
	}
	amount, err := parseAmount(w.Amount)
	if err != nil {
		return nil, err
	}
	return &quantum.PaymentRequest{To: w.To, Asset: w.Asset, Amount: amount}, nil
}

type withdrawalWire struct {
	Asset       ledger.Asset `json:"asset"`
	Amount      string       `json:"amount"`
	Destination string       `json:"destination"`
}

func parseWithdrawal(data []byte) (quantum.Request, error) {
	var w withdrawalWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse withdrawal: %w", err)
	}
	amount, err := parseAmount(w.Amount)
	if err != nil {
		return nil, err
	}
	if w.Destination == "" {
		return nil, fmt.Errorf("withdrawal destination is empty")
	}
	return &quantum.WithdrawalRequest{
		Asset:       w.Asset,
		Amount:      amount,
		Destination: w.Destination,
	}, nil
}

type accountCreateWire struct {
	NewAccount ledger.PublicKey `json:"new_account"`
	RateLimits struct {
		PerMinute int32 `json:"per_minute"`
		PerHour   int32 `json:"per_hour"`
	} `json:"rate_limits"`
}

func parseAccountCreate(data []byte) (quantum.Request, error) {
	var w accountCreateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse account_create: %w", err)
	}
	return &quantum.AccountCreateRequest{
		NewAccount: w.NewAccount,
		RateLimits: ledger.RequestRateLimits{
			PerMinute: w.RateLimits.PerMinute,
			PerHour:   w.RateLimits.PerHour,
		},
	}, nil
}

type settingsUpdateWire struct {
	Settings ledger.Settings `json:"settings"`
}

func parseSettingsUpdate(data []byte) (quantum.Request, error) {
	var w settingsUpdateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse settings_update: %w", err)
	}
	return &quantum.SettingsUpdateRequest{Settings: w.Settings}, nil
}
