// Package client implements the client side of the ledger protocol: one
// login followed by one transaction per connection.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/VanDung-dev/MutexLedger-Engine/protocol"
	"github.com/VanDung-dev/MutexLedger-Engine/security"
)

// Client errors
var (
	ErrLoginFailed = errors.New("login rejected")
	ErrSessionUsed = errors.New("session already carried a transaction")
)

// Config holds client settings. Ciphers must match the server's.
type Config struct {
	Address       string
	Timeout       time.Duration
	LoginCipher   security.BlockCipher
	SessionCipher security.Keystream
}

// DefaultConfig returns a config for address with the default ciphers.
func DefaultConfig(address string) Config {
	login, err := security.NewAESCBC([]byte(security.DefaultLoginKey), []byte(security.DefaultLoginIV))
	if err != nil {
		// default key material is well formed
		panic(err)
	}
	return Config{
		Address:       address,
		Timeout:       3 * time.Second,
		LoginCipher:   login,
		SessionCipher: security.XORMask(security.DefaultXORMask),
	}
}

// Client dials the ledger server.
type Client struct {
	config Config
	dialer net.Dialer
}

// New creates a client.
func New(config Config) (*Client, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("client address is required")
	}
	if config.LoginCipher == nil || config.SessionCipher == nil {
		return nil, fmt.Errorf("client ciphers are required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 3 * time.Second
	}
	return &Client{config: config}, nil
}

// Session is an authenticated connection. It carries exactly one
// transaction and is closed afterwards.
type Session struct {
	conn    net.Conn
	client  *Client
	message string
	used    bool
}

// Login dials the server and authenticates. On rejection the connection is
// closed and the error wraps ErrLoginFailed with the server's message.
func (c *Client) Login(ctx context.Context, username, password string) (*Session, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.config.Address, err)
	}

	s := &Session{conn: conn, client: c}
	resp, err := s.login(ctx, username, password)
	if err != nil {
		_ = conn.Close() // G104
		return nil, err
	}
	if !resp.Success {
		_ = conn.Close() // G104
		return nil, fmt.Errorf("%w: %s", ErrLoginFailed, resp.Message)
	}
	s.message = resp.Message
	return s, nil
}

func (s *Session) login(ctx context.Context, username, password string) (protocol.LoginResponse, error) {
	var resp protocol.LoginResponse
	s.deadline(ctx)

	plain, err := protocol.LoginRequest{Username: username, Password: password}.MarshalBinary()
	if err != nil {
		return resp, err
	}
	sealed := make([]byte, len(plain))
	if err := s.client.config.LoginCipher.Encrypt(sealed, plain); err != nil {
		return resp, err
	}
	if err := protocol.WriteFrame(s.conn, sealed); err != nil {
		return resp, fmt.Errorf("send login: %w", err)
	}

	buf := make([]byte, protocol.LoginResponseSize)
	n, err := protocol.ReadFrame(s.conn, buf)
	if err != nil {
		return resp, fmt.Errorf("read login response: %w", err)
	}
	opened := make([]byte, n)
	if err := s.client.config.LoginCipher.Decrypt(opened, buf[:n]); err != nil {
		return resp, err
	}
	if err := resp.UnmarshalBinary(opened); err != nil {
		return resp, err
	}
	return resp, nil
}

// Message returns the server's login message.
func (s *Session) Message() string {
	return s.message
}

// Do sends one transaction and returns the server's answer. The source id
// is filled in by the server from the login.
func (s *Session) Do(ctx context.Context, req protocol.TransactionRequest) (protocol.TransactionResponse, error) {
	var resp protocol.TransactionResponse
	if s.used {
		return resp, ErrSessionUsed
	}
	s.used = true
	s.deadline(ctx)

	payload, err := req.MarshalBinary()
	if err != nil {
		return resp, err
	}
	s.client.config.SessionCipher.Apply(payload, payload)
	if err := protocol.WriteFrame(s.conn, payload); err != nil {
		return resp, fmt.Errorf("send transaction: %w", err)
	}

	buf := make([]byte, protocol.TransactionResponseSize)
	n, err := protocol.ReadFrame(s.conn, buf)
	if err != nil {
		return resp, fmt.Errorf("read transaction response: %w", err)
	}
	s.client.config.SessionCipher.Apply(buf[:n], buf[:n])
	if err := resp.UnmarshalBinary(buf[:n]); err != nil {
		return resp, err
	}
	return resp, nil
}

// Conn exposes the underlying connection.
func (s *Session) Conn() net.Conn {
	return s.conn
}

// Close closes the connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) deadline(ctx context.Context) {
	d := time.Now().Add(s.client.config.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		d = dl
	}
	_ = s.conn.SetDeadline(d) // G104
}

// Transact logs in, runs one operation and closes the connection.
func (c *Client) Transact(ctx context.Context, username, password string, op protocol.Operation, destination, amount int32) (protocol.TransactionResponse, error) {
	s, err := c.Login(ctx, username, password)
	if err != nil {
		return protocol.TransactionResponse{}, err
	}
	defer s.Close()

	return s.Do(ctx, protocol.TransactionRequest{
		DestinationID: destination,
		Amount:        amount,
		Operation:     op,
	})
}
