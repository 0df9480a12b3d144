package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/VanDung-dev/MutexLedger-Engine/protocol"
)

// Fixed outcome messages.
const (
	MsgDepositOK         = "Deposit OK"
	MsgWithdrawOK        = "Withdraw OK"
	MsgTransferOK        = "Transfer OK"
	MsgInsufficientFunds = "Insufficient Funds"
	MsgInvalidAccount    = "Invalid ID"
	MsgInvalidAmount     = "Invalid Amount"
	MsgInvalidOperation  = "Invalid Operation"
	MsgInternalError     = "Internal Error"
)

// Outcome is the result of one operation, ready to be put on the wire.
type Outcome struct {
	Status  protocol.Status
	Balance int64
	Message string
	Err     error
}

// Committed reports whether the operation changed the ledger.
func (o Outcome) Committed() bool {
	return o.Status == protocol.StatusOK
}

// Engine executes deposits, withdrawals and transfers against a Ledger.
type Engine struct {
	ledger *Ledger
	now    func() time.Time
}

// NewEngine creates a transaction engine over the ledger.
func NewEngine(ledger *Ledger) *Engine {
	return &Engine{ledger: ledger, now: time.Now}
}

// Ledger returns the underlying store.
func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

// Deposit credits the source account.
func (e *Engine) Deposit(src int, amount int64) (int64, error) {
	started := e.now()
	if err := e.validate(amount, src); err != nil {
		return 0, err
	}
	return e.ledger.Apply(src, amount, Event{
		Operation: protocol.OpDeposit,
		From:      src,
		Amount:    amount,
		Started:   started,
	})
}

// Withdraw debits the source account if the balance covers the amount.
func (e *Engine) Withdraw(src int, amount int64) (int64, error) {
	started := e.now()
	if err := e.validate(amount, src); err != nil {
		return 0, err
	}
	return e.ledger.Apply(src, -amount, Event{
		Operation: protocol.OpWithdraw,
		From:      src,
		Amount:    amount,
		Started:   started,
	})
}

// Transfer moves amount from src to dst and returns the new source balance.
// Both accounts are locked in ascending id order whatever their roles, and
// the source balance is checked only once both locks are held.
func (e *Engine) Transfer(src, dst int, amount int64) (int64, error) {
	started := e.now()
	if err := e.validate(amount, src, dst); err != nil {
		return 0, err
	}
	srcBalance, _, err := e.ledger.ApplyPair(src, -amount, dst, amount, Event{
		Operation: protocol.OpTransfer,
		From:      src,
		To:        dst,
		Amount:    amount,
		Started:   started,
	})
	return srcBalance, err
}

// Execute dispatches an operation and maps the result to an Outcome.
func (e *Engine) Execute(op protocol.Operation, src, dst int, amount int64) Outcome {
	var (
		balance int64
		err     error
	)

	switch op {
	case protocol.OpTransfer:
		balance, err = e.Transfer(src, dst, amount)
	case protocol.OpDeposit:
		balance, err = e.Deposit(src, amount)
	case protocol.OpWithdraw:
		balance, err = e.Withdraw(src, amount)
	default:
		err = fmt.Errorf("%w: %d", ErrUnknownOperation, op)
	}

	return OutcomeFor(op, balance, err)
}

func (e *Engine) validate(amount int64, ids ...int) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	for _, id := range ids {
		if !e.ledger.Valid(id) {
			return fmt.Errorf("%w: %d", ErrInvalidAccount, id)
		}
	}
	return nil
}

// OutcomeFor maps an operation result to its response status and message.
func OutcomeFor(op protocol.Operation, balance int64, err error) Outcome {
	out := Outcome{Balance: balance, Err: err}

	switch {
	case err == nil:
		out.Status = protocol.StatusOK
		switch op {
		case protocol.OpDeposit:
			out.Message = MsgDepositOK
		case protocol.OpWithdraw:
			out.Message = MsgWithdrawOK
		default:
			out.Message = MsgTransferOK
		}
	case errors.Is(err, ErrInsufficientFunds):
		out.Status = protocol.StatusInsufficientFunds
		out.Message = MsgInsufficientFunds
	case errors.Is(err, ErrInvalidAccount):
		out.Status = protocol.StatusError
		out.Message = MsgInvalidAccount
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrAmountOverflow):
		out.Status = protocol.StatusError
		out.Message = MsgInvalidAmount
	case errors.Is(err, ErrUnknownOperation):
		out.Status = protocol.StatusError
		out.Message = MsgInvalidOperation
	default:
		out.Status = protocol.StatusError
		out.Message = MsgInternalError
	}

	return out
}
