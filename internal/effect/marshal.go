package effect

import (
	"encoding/json"
	"fmt"
)

// envelope is the persisted/transported form: a kind tag plus the typed
// payload. The closed switch below is the single place an effect kind maps
// to its concrete type.
type envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Marshal encodes an effect with its kind tag.
func Marshal(e Effect) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.Kind(), err)
	}
	return json.Marshal(envelope{Kind: e.Kind(), Payload: payload})
}

// Unmarshal decodes an effect from its tagged form. Unknown kinds are
// rejected rather than skipped: an auditor replaying an effect list it
// cannot fully decode must not silently diverge.
func Unmarshal(data []byte) (Effect, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal effect envelope: %w", err)
	}

	var e Effect
	switch env.Kind {
	case KindAccountCreate:
		e = &AccountCreate{}
	case KindNonceUpdate:
		e = &NonceUpdate{}
	case KindBalanceUpdate:
		e = &BalanceUpdate{}
	case KindLockLiabilities:
		e = &LockLiabilities{}
	case KindUnlockLiabilities:
		e = &UnlockLiabilities{}
	case KindOrderPlaced:
		e = &OrderPlaced{}
	case KindOrderRemoved:
		e = &OrderRemoved{}
	case KindTrade:
		e = &Trade{}
	case KindWithdrawalCreate:
		e = &WithdrawalCreate{}
	case KindCursorUpdate:
		e = &CursorUpdate{}
	case KindSettingsUpdate:
		e = &SettingsUpdate{}
	default:
		return nil, fmt.Errorf("unknown effect kind: %d", env.Kind)
	}

	if err := json.Unmarshal(env.Payload, e); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", env.Kind, err)
	}
	return e, nil
}

// MarshalList encodes an ordered effect list.
func MarshalList(effects []Effect) ([]byte, error) {
	raw := make([]json.RawMessage, len(effects))
	for i, e := range effects {
		data, err := Marshal(e)
		if err != nil {
			return nil, err
		}
		raw[i] = data
	}
	return json.Marshal(raw)
}

// UnmarshalList decodes an ordered effect list.
func UnmarshalList(data []byte) ([]Effect, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal effect list: %w", err)
	}
	effects := make([]Effect, len(raw))
	for i, r := range raw {
		e, err := Unmarshal(r)
		if err != nil {
			return nil, err
		}
		effects[i] = e
	}
	return effects, nil
}
