package engine

import "errors"

// Common errors for ledger operations
var (
	ErrInvalidAccount    = errors.New("account id out of range")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownOperation  = errors.New("unknown operation")
	ErrAmountOverflow    = errors.New("balance overflow")
)
