package api

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/VanDung-dev/MutexLedger-Engine/auth"
	"github.com/VanDung-dev/MutexLedger-Engine/client"
	"github.com/VanDung-dev/MutexLedger-Engine/engine"
	"github.com/VanDung-dev/MutexLedger-Engine/protocol"
	"github.com/VanDung-dev/MutexLedger-Engine/security"
)

type testServer struct {
	server  *LedgerServer
	engine  *engine.Engine
	metrics *Metrics
	audit   *bytes.Buffer
	client  *client.Client
}

func startTestServer(t *testing.T, session SessionConfig) *testServer {
	t.Helper()

	var audit bytes.Buffer
	log, err := engine.NewAuditLog(&audit)
	if err != nil {
		t.Fatalf("NewAuditLog failed: %v", err)
	}
	eng := engine.NewEngine(engine.NewLedger(engine.DefaultLedgerConfig(), zaptest.NewLogger(t), log))
	metrics := NewMetrics("ledger")

	handler, err := NewConnectionHandler(HandlerOptions{
		Engine:    eng,
		Directory: auth.DefaultDirectory(eng.Ledger().Size()),
		Session:   session,
		Metrics:   metrics,
		Logger:    zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewConnectionHandler failed: %v", err)
	}

	server := NewLedgerServer(ServerConfig{Address: "127.0.0.1:0", Workers: 10}, handler, zaptest.NewLogger(t))
	if err := server.StartAsync(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })

	c, err := client.New(client.DefaultConfig(server.Addr().String()))
	if err != nil {
		t.Fatalf("client.New failed: %v", err)
	}

	return &testServer{server: server, engine: eng, metrics: metrics, audit: &audit, client: c}
}

func (ts *testServer) balance(t *testing.T, id int) int64 {
	t.Helper()
	b, err := ts.engine.Ledger().Balance(id)
	if err != nil {
		t.Fatalf("Balance(%d) failed: %v", id, err)
	}
	return b
}

func user(id int) (string, string) {
	return "user" + strconv.Itoa(id), "pass" + strconv.Itoa(id)
}

func TestLedgerServer_Deposit(t *testing.T) {
	ts := startTestServer(t, DefaultSessionConfig())
	u, p := user(3)

	resp, err := ts.client.Transact(context.Background(), u, p, protocol.OpDeposit, 0, 50)
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}
	if resp.Status != protocol.StatusOK || resp.Balance != 1050 || resp.Message != engine.MsgDepositOK {
		t.Errorf("Unexpected response: %+v", resp)
	}
	if got := ts.balance(t, 3); got != 1050 {
		t.Errorf("Expected 1050, got %d", got)
	}

	_ = ts.server.Stop()
	lines := strings.Split(strings.TrimSpace(ts.audit.String()), "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[1], "#1 Deposit: Acc 03 ($50)") {
		t.Errorf("Unexpected audit log: %q", lines)
	}
}

func TestLedgerServer_InsufficientFunds(t *testing.T) {
	ts := startTestServer(t, DefaultSessionConfig())
	u, p := user(7)

	resp, err := ts.client.Transact(context.Background(), u, p, protocol.OpWithdraw, 0, 2000)
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}
	if resp.Status != protocol.StatusInsufficientFunds || resp.Balance != 1000 {
		t.Errorf("Unexpected response: %+v", resp)
	}
	if ts.engine.Ledger().Stats().Transactions != 0 {
		t.Error("Rejected withdraw must not be counted")
	}
}

func TestLedgerServer_Transfer(t *testing.T) {
	ts := startTestServer(t, DefaultSessionConfig())
	u, p := user(5)

	resp, err := ts.client.Transact(context.Background(), u, p, protocol.OpTransfer, 2, 100)
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}
	if resp.Status != protocol.StatusOK || resp.Balance != 900 || resp.Message != engine.MsgTransferOK {
		t.Errorf("Unexpected response: %+v", resp)
	}
	if got := ts.balance(t, 2); got != 1100 {
		t.Errorf("Account 2: expected 1100, got %d", got)
	}
}

func TestLedgerServer_InvalidDestination(t *testing.T) {
	ts := startTestServer(t, DefaultSessionConfig())
	u, p := user(1)

	resp, err := ts.client.Transact(context.Background(), u, p, protocol.OpTransfer, 100, 10)
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}
	if resp.Status != protocol.StatusError || resp.Message != engine.MsgInvalidAccount {
		t.Errorf("Unexpected response: %+v", resp)
	}
}

func TestLedgerServer_BadCredentials(t *testing.T) {
	ts := startTestServer(t, DefaultSessionConfig())

	_, err := ts.client.Login(context.Background(), "user1", "wrong")
	if !errors.Is(err, client.ErrLoginFailed) {
		t.Fatalf("Expected ErrLoginFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), auth.MsgLoginFailed) {
		t.Errorf("Expected %q in error, got %v", auth.MsgLoginFailed, err)
	}

	_ = ts.server.Stop()
	if got := testutil.ToFloat64(ts.metrics.LoginsTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("Expected 1 failed login, got %v", got)
	}
	if got := testutil.ToFloat64(ts.metrics.SessionsTotal.WithLabelValues("auth_failed")); got != 1 {
		t.Errorf("Expected 1 auth_failed session, got %v", got)
	}
	if totalAssets(ts.engine) != 100*1000 {
		t.Error("Failed login must not change balances")
	}
}

func TestLedgerServer_SourceIDIsOverwritten(t *testing.T) {
	ts := startTestServer(t, DefaultSessionConfig())
	u, p := user(4)

	s, err := ts.client.Login(context.Background(), u, p)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	defer s.Close()

	resp, err := s.Do(context.Background(), protocol.TransactionRequest{
		SourceID:  9,
		Amount:    500,
		Operation: protocol.OpWithdraw,
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if resp.Status != protocol.StatusOK || resp.Balance != 500 {
		t.Errorf("Unexpected response: %+v", resp)
	}
	if got := ts.balance(t, 4); got != 500 {
		t.Errorf("Account 4: expected 500, got %d", got)
	}
	if got := ts.balance(t, 9); got != 1000 {
		t.Errorf("Account 9 must be untouched, got %d", got)
	}

	if _, err := s.Do(context.Background(), protocol.TransactionRequest{Operation: protocol.OpDeposit, Amount: 1}); !errors.Is(err, client.ErrSessionUsed) {
		t.Errorf("Expected ErrSessionUsed, got %v", err)
	}
}

func TestLedgerServer_ConcurrentCrossTransfers(t *testing.T) {
	ts := startTestServer(t, DefaultSessionConfig())

	const rounds = 20
	var wg sync.WaitGroup
	run := func(from, to int) {
		defer wg.Done()
		u, p := user(from)
		resp, err := ts.client.Transact(context.Background(), u, p, protocol.OpTransfer, int32(to), 50)
		if err != nil {
			t.Errorf("%d->%d: %v", from, to, err)
			return
		}
		if resp.Status != protocol.StatusOK {
			t.Errorf("%d->%d: %+v", from, to, resp)
		}
	}

	wg.Add(2 * rounds)
	for i := 0; i < rounds; i++ {
		go run(5, 2)
		go run(2, 5)
	}
	wg.Wait()

	if a, b := ts.balance(t, 5), ts.balance(t, 2); a != 1000 || b != 1000 {
		t.Errorf("Expected both accounts back at 1000, got 5=%d 2=%d", a, b)
	}
	if got := ts.engine.Ledger().Stats().Transactions; got != 2*rounds {
		t.Errorf("Expected %d transactions, got %d", 2*rounds, got)
	}
}

func TestLedgerServer_OversizedLoginFrame(t *testing.T) {
	ts := startTestServer(t, DefaultSessionConfig())

	conn, err := net.Dial("tcp", ts.server.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	// Only the length field is sent; the server must not wait for more
	header := make([]byte, 4)
	protocol.ByteOrder.PutUint32(header, 1000)
	if _, err := conn.Write(header); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	resp := readLoginResponse(t, conn)
	if resp.Success || resp.Message != MsgPacketError {
		t.Errorf("Unexpected response: %+v", resp)
	}

	_ = ts.server.Stop()
	if got := testutil.ToFloat64(ts.metrics.ProtocolErrors.WithLabelValues("too_large")); got != 1 {
		t.Errorf("Expected 1 too_large error, got %v", got)
	}
	if ts.engine.Ledger().Stats().Transactions != 0 {
		t.Error("Oversized frame must not reach the engine")
	}
}

func TestLedgerServer_CorruptTransactionFrame(t *testing.T) {
	ts := startTestServer(t, DefaultSessionConfig())
	u, p := user(6)

	s, err := ts.client.Login(context.Background(), u, p)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	defer s.Close()

	payload, _ := protocol.TransactionRequest{Amount: 10, Operation: protocol.OpDeposit}.MarshalBinary()
	security.XORMask(security.DefaultXORMask).Apply(payload, payload)
	frame := make([]byte, protocol.HeaderSize+len(payload))
	protocol.ByteOrder.PutUint32(frame[0:4], uint32(len(payload)))
	protocol.ByteOrder.PutUint32(frame[4:8], protocol.Checksum(payload)^1)
	copy(frame[protocol.HeaderSize:], payload)
	if _, err := s.Conn().Write(frame); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	resp := readTransactionResponse(t, s.Conn())
	if resp.Status != protocol.StatusError || resp.Message != MsgPacketError {
		t.Errorf("Unexpected response: %+v", resp)
	}
	if got := ts.balance(t, 6); got != 1000 {
		t.Errorf("Corrupt frame changed the balance: %d", got)
	}
}

func TestLedgerServer_TransactionTimeout(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.IOTimeout = 200 * time.Millisecond
	ts := startTestServer(t, cfg)
	u, p := user(8)

	s, err := ts.client.Login(context.Background(), u, p)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	defer s.Close()

	start := time.Now()
	resp := readTransactionResponse(t, s.Conn())
	if resp.Status != protocol.StatusError || resp.Message != MsgPacketError {
		t.Errorf("Unexpected response: %+v", resp)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Timeout reply took %v", elapsed)
	}
}

func TestLedgerServer_StopDrains(t *testing.T) {
	ts := startTestServer(t, DefaultSessionConfig())
	u, p := user(1)

	s, err := ts.client.Login(context.Background(), u, p)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	defer s.Close()

	stopped := make(chan error, 1)
	go func() { stopped <- ts.server.Stop() }()

	// The in-flight session still completes
	time.Sleep(50 * time.Millisecond)
	resp, err := s.Do(context.Background(), protocol.TransactionRequest{Amount: 5, Operation: protocol.OpDeposit})
	if err != nil {
		t.Fatalf("Do failed during drain: %v", err)
	}
	if resp.Status != protocol.StatusOK {
		t.Errorf("Unexpected response: %+v", resp)
	}

	if err := <-stopped; err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if ts.server.IsRunning() {
		t.Error("Server should not be running")
	}
	if _, err := ts.client.Login(context.Background(), u, p); err == nil {
		t.Error("Expected login to fail after stop")
	}
}

func totalAssets(e *engine.Engine) int64 {
	return engine.TotalAssets(e.Ledger().Snapshot())
}

func readLoginResponse(t *testing.T, conn net.Conn) protocol.LoginResponse {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	buf := make([]byte, protocol.LoginResponseSize)
	n, err := protocol.ReadFrame(conn, buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	c, err := security.NewAESCBC([]byte(security.DefaultLoginKey), []byte(security.DefaultLoginIV))
	if err != nil {
		t.Fatalf("NewAESCBC failed: %v", err)
	}
	plain := make([]byte, n)
	if err := c.Decrypt(plain, buf[:n]); err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	var resp protocol.LoginResponse
	if err := resp.UnmarshalBinary(plain); err != nil {
		t.Fatalf("UnmarshalBinary failed: %v", err)
	}
	return resp
}

func readTransactionResponse(t *testing.T, conn net.Conn) protocol.TransactionResponse {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	buf := make([]byte, protocol.TransactionResponseSize)
	n, err := protocol.ReadFrame(conn, buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	security.XORMask(security.DefaultXORMask).Apply(buf[:n], buf[:n])
	var resp protocol.TransactionResponse
	if err := resp.UnmarshalBinary(buf[:n]); err != nil {
		t.Fatalf("UnmarshalBinary failed: %v", err)
	}
	return resp
}
