package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"math"
)

// Field widths of the fixed-layout messages.
const (
	UsernameLen = 16
	PasswordLen = 16
	MessageLen  = 64
)

// Encoded message sizes.
const (
	// LoginRequestSize is username[16] | password[16].
	LoginRequestSize = UsernameLen + PasswordLen
	// LoginResponseSize is success i32 | message[64] | pad[12]. The padding keeps
	// the message a whole number of 16-byte cipher blocks.
	LoginResponseSize = 80
	// TransactionRequestSize is source i32 | destination i32 | amount i32 | operation i32.
	TransactionRequestSize = 16
	// TransactionResponseSize is status i32 | balance i32 | message[64].
	TransactionResponseSize = 8 + MessageLen
)

// Message errors
var (
	ErrFieldTooLong = errors.New("field exceeds its fixed width")
	ErrBadLength    = errors.New("payload has the wrong length")
)

// Operation identifies a balance-mutating request.
type Operation int32

const (
	OpTransfer Operation = 1
	OpDeposit  Operation = 2
	OpWithdraw Operation = 3
)

func (o Operation) String() string {
	switch o {
	case OpTransfer:
		return "transfer"
	case OpDeposit:
		return "deposit"
	case OpWithdraw:
		return "withdraw"
	default:
		return "unknown"
	}
}

// Status is the outcome code of a transaction response.
type Status int32

const (
	StatusOK                Status = 0
	StatusError             Status = 1
	StatusInsufficientFunds Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusInsufficientFunds:
		return "insufficient_funds"
	default:
		return "unknown"
	}
}

// LoginRequest carries the client's credentials.
type LoginRequest struct {
	Username string
	Password string
}

// LoginResponse reports whether authentication succeeded.
type LoginResponse struct {
	Success bool
	Message string
}

// TransactionRequest is one operation on the ledger. SourceID is carried on
// the wire but the server always replaces it with the authenticated account.
type TransactionRequest struct {
	SourceID      int32
	DestinationID int32
	Amount        int32
	Operation     Operation
}

// TransactionResponse is the server's answer to a TransactionRequest.
type TransactionResponse struct {
	Status  Status
	Balance int32
	Message string
}

// MarshalBinary encodes the request as username[16] | password[16].
func (m LoginRequest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, LoginRequestSize)
	if err := putString(buf[:UsernameLen], m.Username); err != nil {
		return nil, fmt.Errorf("username: %w", err)
	}
	if err := putString(buf[UsernameLen:], m.Password); err != nil {
		return nil, fmt.Errorf("password: %w", err)
	}
	return buf, nil
}

// UnmarshalBinary decodes a LoginRequest.
func (m *LoginRequest) UnmarshalBinary(data []byte) error {
	if len(data) != LoginRequestSize {
		return fmt.Errorf("%w: login request %d bytes, want %d", ErrBadLength, len(data), LoginRequestSize)
	}
	m.Username = getString(data[:UsernameLen])
	m.Password = getString(data[UsernameLen:])
	return nil
}

// MarshalBinary encodes the response as success | message[64] | pad[12].
func (m LoginResponse) MarshalBinary() ([]byte, error) {
	buf := make([]byte, LoginResponseSize)
	if m.Success {
		ByteOrder.PutUint32(buf[0:4], 1)
	}
	if err := putString(buf[4:4+MessageLen], m.Message); err != nil {
		return nil, fmt.Errorf("message: %w", err)
	}
	return buf, nil
}

// UnmarshalBinary decodes a LoginResponse. Only success == 1 counts as success.
func (m *LoginResponse) UnmarshalBinary(data []byte) error {
	if len(data) != LoginResponseSize {
		return fmt.Errorf("%w: login response %d bytes, want %d", ErrBadLength, len(data), LoginResponseSize)
	}
	m.Success = int32(ByteOrder.Uint32(data[0:4])) == 1
	m.Message = getString(data[4 : 4+MessageLen])
	return nil
}

// MarshalBinary encodes the request.
func (m TransactionRequest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, TransactionRequestSize)
	ByteOrder.PutUint32(buf[0:4], uint32(m.SourceID))
	ByteOrder.PutUint32(buf[4:8], uint32(m.DestinationID))
	ByteOrder.PutUint32(buf[8:12], uint32(m.Amount))
	ByteOrder.PutUint32(buf[12:16], uint32(m.Operation))
	return buf, nil
}

// UnmarshalBinary decodes a TransactionRequest.
func (m *TransactionRequest) UnmarshalBinary(data []byte) error {
	if len(data) != TransactionRequestSize {
		return fmt.Errorf("%w: transaction request %d bytes, want %d", ErrBadLength, len(data), TransactionRequestSize)
	}
	m.SourceID = int32(ByteOrder.Uint32(data[0:4]))
	m.DestinationID = int32(ByteOrder.Uint32(data[4:8]))
	m.Amount = int32(ByteOrder.Uint32(data[8:12]))
	m.Operation = Operation(int32(ByteOrder.Uint32(data[12:16])))
	return nil
}

// MarshalBinary encodes the response.
func (m TransactionResponse) MarshalBinary() ([]byte, error) {
	buf := make([]byte, TransactionResponseSize)
	ByteOrder.PutUint32(buf[0:4], uint32(m.Status))
	ByteOrder.PutUint32(buf[4:8], uint32(m.Balance))
	if err := putString(buf[8:], m.Message); err != nil {
		return nil, fmt.Errorf("message: %w", err)
	}
	return buf, nil
}

// UnmarshalBinary decodes a TransactionResponse.
func (m *TransactionResponse) UnmarshalBinary(data []byte) error {
	if len(data) != TransactionResponseSize {
		return fmt.Errorf("%w: transaction response %d bytes, want %d", ErrBadLength, len(data), TransactionResponseSize)
	}
	m.Status = Status(int32(ByteOrder.Uint32(data[0:4])))
	m.Balance = int32(ByteOrder.Uint32(data[4:8]))
	m.Message = getString(data[8:])
	return nil
}

// SaturateBalance clamps a ledger balance into the int32 wire field.
func SaturateBalance(balance int64) int32 {
	switch {
	case balance > math.MaxInt32:
		return math.MaxInt32
	case balance < math.MinInt32:
		return math.MinInt32
	default:
		return int32(balance)
	}
}

// putString copies s into the NUL-padded field. One byte is kept for the
// terminator so C clients reading the field as a string stay in bounds.
func putString(field []byte, s string) error {
	if len(s) >= len(field) {
		return fmt.Errorf("%w: %d bytes (max: %d)", ErrFieldTooLong, len(s), len(field)-1)
	}
	copy(field, s)
	return nil
}

func getString(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}
