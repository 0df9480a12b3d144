package api

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VanDung-dev/MutexLedger-Engine/auth"
	"github.com/VanDung-dev/MutexLedger-Engine/engine"
	"github.com/VanDung-dev/MutexLedger-Engine/protocol"
	"github.com/VanDung-dev/MutexLedger-Engine/security"
)

// MsgPacketError is sent when a frame cannot be read, verified or decoded.
const MsgPacketError = "Packet Error / Timeout"

// Session errors
var (
	ErrPacket        = errors.New("packet error")
	ErrMissingEngine = errors.New("connection handler requires an engine")
	ErrMissingAuth   = errors.New("connection handler requires a user directory")
)

// State is a phase of one client connection.
type State int

const (
	StateAccepted State = iota
	StateAwaitingLogin
	StateAuthenticated
	StateAwaitingTransaction
	StateAuthFailed
	StateDone
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateAwaitingLogin:
		return "awaiting_login"
	case StateAuthenticated:
		return "authenticated"
	case StateAwaitingTransaction:
		return "awaiting_transaction"
	case StateAuthFailed:
		return "auth_failed"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// SessionConfig holds per-connection socket settings.
type SessionConfig struct {
	// IOTimeout bounds each phase (read plus write)
	IOTimeout time.Duration
	// KeepAlive is applied to TCP connections on accept
	KeepAlive net.KeepAliveConfig
}

// DefaultSessionConfig returns a 3s phase deadline and keep-alive probing
// after 5s idle, every 3s, 3 probes.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		IOTimeout: 3 * time.Second,
		KeepAlive: net.KeepAliveConfig{
			Enable:   true,
			Idle:     5 * time.Second,
			Interval: 3 * time.Second,
			Count:    3,
		},
	}
}

// HandlerOptions wires a ConnectionHandler. Engine and Directory are
// required; ciphers default to AES-128-CBC with the default key and IV and
// the 0xAA XOR mask.
type HandlerOptions struct {
	Engine        *engine.Engine
	Directory     *auth.Directory
	LoginCipher   security.BlockCipher
	SessionCipher security.Keystream
	Session       SessionConfig
	Metrics       *Metrics
	Logger        *zap.Logger
}

// ConnectionHandler runs the login-then-transaction exchange for each
// accepted connection. It implements core.Handler.
type ConnectionHandler struct {
	engine    *engine.Engine
	directory *auth.Directory
	login     security.BlockCipher
	stream    security.Keystream
	config    SessionConfig
	metrics   *Metrics
	logger    *zap.Logger
}

// NewConnectionHandler validates opts and builds a handler.
func NewConnectionHandler(opts HandlerOptions) (*ConnectionHandler, error) {
	if opts.Engine == nil {
		return nil, ErrMissingEngine
	}
	if opts.Directory == nil {
		return nil, ErrMissingAuth
	}
	if opts.LoginCipher == nil {
		c, err := security.NewAESCBC([]byte(security.DefaultLoginKey), []byte(security.DefaultLoginIV))
		if err != nil {
			return nil, err
		}
		opts.LoginCipher = c
	}
	if opts.SessionCipher == nil {
		opts.SessionCipher = security.XORMask(security.DefaultXORMask)
	}
	if opts.Session.IOTimeout <= 0 {
		opts.Session = DefaultSessionConfig()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &ConnectionHandler{
		engine:    opts.Engine,
		directory: opts.Directory,
		login:     opts.LoginCipher,
		stream:    opts.SessionCipher,
		config:    opts.Session,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}, nil
}

// Handle serves one connection to completion. The caller closes conn.
func (h *ConnectionHandler) Handle(workerID int, conn net.Conn) error {
	return h.NewSession(workerID, conn).Run()
}

// Session is the state machine for one connection: one login, then at
// most one transaction.
type Session struct {
	ID      string
	conn    net.Conn
	h       *ConnectionHandler
	logger  *zap.Logger
	account int

	mu    sync.Mutex
	state State
}

// NewSession creates a session in the Accepted state.
func (h *ConnectionHandler) NewSession(workerID int, conn net.Conn) *Session {
	id := uuid.NewString()
	return &Session{
		ID:      id,
		conn:    conn,
		h:       h,
		account: -1,
		state:   StateAccepted,
		logger: h.logger.With(
			zap.String("session", id),
			zap.Int("worker", workerID),
			zap.String("remote", conn.RemoteAddr().String()),
		),
	}
}

// State returns the current phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Account returns the authenticated account id, or -1.
func (s *Session) Account() int {
	return s.account
}

func (s *Session) transition(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	s.logger.Debug("session state", zap.Stringer("from", prev), zap.Stringer("to", next))
}

// Run drives the session until Done. It returns nil when a transaction
// was answered, whatever its business status.
func (s *Session) Run() error {
	s.h.metrics.SessionStarted()
	result := "ok"
	defer func() {
		s.h.metrics.SessionFinished(result)
	}()
	defer s.transition(StateDone)

	s.configureSocket()

	s.transition(StateAwaitingLogin)
	if err := s.authenticate(); err != nil {
		if errors.Is(err, auth.ErrAuthFailed) {
			result = "auth_failed"
		} else {
			result = "protocol_error"
		}
		return err
	}

	s.transition(StateAwaitingTransaction)
	if err := s.transact(); err != nil {
		result = "protocol_error"
		return err
	}
	return nil
}

func (s *Session) configureSocket() {
	tc, ok := s.conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tc.SetKeepAliveConfig(s.h.config.KeepAlive); err != nil {
		s.logger.Debug("keep-alive not applied", zap.Error(err))
	}
}

func (s *Session) deadline() {
	if err := s.conn.SetDeadline(time.Now().Add(s.h.config.IOTimeout)); err != nil {
		s.logger.Debug("set deadline failed", zap.Error(err))
	}
}

// authenticate reads, decrypts and checks the login frame, then answers
// with an encrypted LoginResponse.
func (s *Session) authenticate() error {
	s.deadline()

	var buf [protocol.LoginRequestSize]byte
	n, err := protocol.ReadFrame(s.conn, buf[:])
	if err != nil {
		return s.loginPacketError("read login frame", err)
	}

	plain := make([]byte, n)
	if err := s.h.login.Decrypt(plain, buf[:n]); err != nil {
		return s.loginPacketError("decrypt login", err)
	}

	var req protocol.LoginRequest
	if err := req.UnmarshalBinary(plain); err != nil {
		return s.loginPacketError("decode login", err)
	}

	account, ok := s.h.directory.Authenticate(req.Username, req.Password)
	s.h.metrics.RecordLogin(ok)

	resp := protocol.LoginResponse{Success: ok, Message: auth.MsgLoginOK}
	if !ok {
		resp.Message = auth.MsgLoginFailed
		s.logger.Warn("login failed", zap.String("username", req.Username))
	} else {
		s.account = account
		s.logger.Info("user connected", zap.String("username", req.Username), zap.Int("account", account))
	}

	if err := s.writeLogin(resp); err != nil {
		s.h.metrics.RecordProtocolError(errorKind(err))
		s.logger.Warn("login response not delivered", zap.Error(err))
		if ok {
			return fmt.Errorf("write login response: %w", err)
		}
	}

	if !ok {
		s.transition(StateAuthFailed)
		return fmt.Errorf("%w: %q", auth.ErrAuthFailed, req.Username)
	}
	s.transition(StateAuthenticated)
	return nil
}

// transact reads the transaction frame, executes it as the authenticated
// account and answers with the outcome.
func (s *Session) transact() error {
	s.deadline()

	var buf [protocol.TransactionRequestSize]byte
	n, err := protocol.ReadFrame(s.conn, buf[:])
	if err != nil {
		return s.transactionPacketError("read transaction frame", err)
	}
	s.h.stream.Apply(buf[:n], buf[:n])

	var req protocol.TransactionRequest
	if err := req.UnmarshalBinary(buf[:n]); err != nil {
		return s.transactionPacketError("decode transaction", err)
	}

	// The wire source id is never trusted
	if int(req.SourceID) != s.account {
		s.logger.Debug("source id overridden", zap.Int32("claimed", req.SourceID), zap.Int("account", s.account))
	}
	req.SourceID = int32(s.account) // #nosec G115 -- account ids are bounded by the ledger size

	start := time.Now()
	out := s.h.engine.Execute(req.Operation, s.account, int(req.DestinationID), int64(req.Amount))
	s.h.metrics.RecordTransaction(req.Operation, out.Status, time.Since(start))

	fields := []zap.Field{
		zap.Stringer("op", req.Operation),
		zap.Int("account", s.account),
		zap.Int32("destination", req.DestinationID),
		zap.Int32("amount", req.Amount),
		zap.Stringer("status", out.Status),
		zap.Int64("balance", out.Balance),
	}
	if out.Committed() {
		s.logger.Info("transaction committed", fields...)
	} else {
		s.logger.Info("transaction rejected", append(fields, zap.Error(out.Err))...)
	}

	resp := protocol.TransactionResponse{
		Status:  out.Status,
		Balance: protocol.SaturateBalance(out.Balance),
		Message: out.Message,
	}
	if err := s.writeTransaction(resp); err != nil {
		s.h.metrics.RecordProtocolError(errorKind(err))
		// The ledger change stands even if the client never sees the answer
		s.logger.Warn("transaction response not delivered", zap.Error(err))
		return fmt.Errorf("write transaction response: %w", err)
	}
	return nil
}

func (s *Session) writeLogin(resp protocol.LoginResponse) error {
	plain, err := resp.MarshalBinary()
	if err != nil {
		return err
	}
	sealed := make([]byte, len(plain))
	if err := s.h.login.Encrypt(sealed, plain); err != nil {
		return err
	}
	return protocol.WriteFrame(s.conn, sealed)
}

func (s *Session) writeTransaction(resp protocol.TransactionResponse) error {
	payload, err := resp.MarshalBinary()
	if err != nil {
		return err
	}
	s.h.stream.Apply(payload, payload)
	return protocol.WriteFrame(s.conn, payload)
}

// loginPacketError answers a broken login frame with a failed
// LoginResponse, best effort.
func (s *Session) loginPacketError(stage string, cause error) error {
	s.reportPacketError(stage, cause)
	s.freshWriteDeadline()
	if err := s.writeLogin(protocol.LoginResponse{Message: MsgPacketError}); err != nil {
		s.logger.Debug("packet error reply not delivered", zap.Error(err))
	}
	return fmt.Errorf("%w: %s: %w", ErrPacket, stage, cause)
}

// transactionPacketError answers a broken transaction frame with an Error
// response, best effort.
func (s *Session) transactionPacketError(stage string, cause error) error {
	s.reportPacketError(stage, cause)
	s.freshWriteDeadline()
	resp := protocol.TransactionResponse{Status: protocol.StatusError, Message: MsgPacketError}
	if err := s.writeTransaction(resp); err != nil {
		s.logger.Debug("packet error reply not delivered", zap.Error(err))
	}
	return fmt.Errorf("%w: %s: %w", ErrPacket, stage, cause)
}

func (s *Session) reportPacketError(stage string, cause error) {
	kind := errorKind(cause)
	s.h.metrics.RecordProtocolError(kind)
	if kind == "eof" {
		s.logger.Debug("client closed", zap.String("stage", stage), zap.Stringer("state", s.State()))
		return
	}
	s.logger.Warn("packet error",
		zap.String("stage", stage),
		zap.String("kind", kind),
		zap.Stringer("state", s.State()),
		zap.Error(cause))
}

func (s *Session) freshWriteDeadline() {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.h.config.IOTimeout)); err != nil {
		s.logger.Debug("set write deadline failed", zap.Error(err))
	}
}

// errorKind classifies protocol failures for metrics and logs.
func errorKind(err error) string {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return "timeout"
	case errors.Is(err, protocol.ErrCorruptFrame):
		return "corrupt"
	case errors.Is(err, protocol.ErrFrameTooLarge):
		return "too_large"
	case errors.Is(err, protocol.ErrBadLength), errors.Is(err, security.ErrNotBlockAligned):
		return "decode"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "eof"
	default:
		return "io"
	}
}
