package ledger

import "errors"

var (
	ErrAccountExists       = errors.New("account already exists")
	ErrAccountNotFound     = errors.New("account not found")
	ErrUnknownAsset        = errors.New("unknown asset")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidUnlock       = errors.New("liabilities release exceeds locked amount")
	ErrTooManyRequests     = errors.New("too many requests")
)
