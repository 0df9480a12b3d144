package core

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	return ln
}

func echoOnce(workerID int, conn net.Conn) error {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return err
	}
	_, err := conn.Write(buf)
	return err
}

func roundTrip(t *testing.T, addr string) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("Expected 'ping', got '%s'", buf)
	}
}

func TestNewAcceptorPool(t *testing.T) {
	pool := NewAcceptorPool("test", 4, listen(t), HandlerFunc(echoOnce), zaptest.NewLogger(t))
	defer pool.Shutdown()

	stats := pool.GetStats()
	if stats.Workers != 4 {
		t.Errorf("Expected 4 workers, got %d", stats.Workers)
	}
	if stats.Name != "test" {
		t.Errorf("Expected name 'test', got %s", stats.Name)
	}
	if !pool.IsRunning() {
		t.Error("Pool should be running")
	}
}

func TestAcceptorPoolDefaultWorkers(t *testing.T) {
	pool := NewAcceptorPool("test", 0, listen(t), HandlerFunc(echoOnce), nil)
	defer pool.Shutdown()

	if pool.GetStats().Workers != DefaultWorkers {
		t.Errorf("Expected %d workers, got %d", DefaultWorkers, pool.GetStats().Workers)
	}
}

func TestAcceptorPoolServesConcurrently(t *testing.T) {
	pool := NewAcceptorPool("test", 4, listen(t), HandlerFunc(echoOnce), zaptest.NewLogger(t))
	addr := pool.Addr().String()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			roundTrip(t, addr)
		}()
	}
	wg.Wait()
	pool.Shutdown()

	stats := pool.GetStats()
	if stats.Accepted != 40 || stats.Completed != 40 {
		t.Errorf("Expected 40 accepted/completed, got %+v", stats)
	}
	if stats.Active != 0 {
		t.Errorf("Expected no active connections, got %d", stats.Active)
	}
	if stats.SuccessRate != 100 {
		t.Errorf("Expected success rate 100, got %f", stats.SuccessRate)
	}
}

func TestAcceptorPoolWorkersRunInParallel(t *testing.T) {
	const workers = 3

	var inside int64
	release := make(chan struct{})
	handler := HandlerFunc(func(workerID int, conn net.Conn) error {
		atomic.AddInt64(&inside, 1)
		<-release
		return nil
	})

	pool := NewAcceptorPool("test", workers, listen(t), handler, zaptest.NewLogger(t))

	var conns []net.Conn
	for i := 0; i < workers; i++ {
		conn, err := net.Dial("tcp", pool.Addr().String())
		if err != nil {
			t.Fatalf("Failed to connect: %v", err)
		}
		conns = append(conns, conn)
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt64(&inside) < workers && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := atomic.LoadInt64(&inside); got != workers {
		t.Errorf("Expected %d handlers running at once, got %d", workers, got)
	}
	if got := pool.GetStats().Active; got != workers {
		t.Errorf("Expected %d active, got %d", workers, got)
	}

	close(release)
	pool.Shutdown()
	for _, c := range conns {
		c.Close()
	}
}

func TestAcceptorPoolPanicRecovery(t *testing.T) {
	var calls int64
	handler := HandlerFunc(func(workerID int, conn net.Conn) error {
		if atomic.AddInt64(&calls, 1) == 1 {
			panic("boom")
		}
		return echoOnce(workerID, conn)
	})

	// A single worker must survive the panic and serve the next connection
	pool := NewAcceptorPool("test", 1, listen(t), handler, zaptest.NewLogger(t))
	defer pool.Shutdown()

	conn, err := net.Dial("tcp", pool.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("Expected the panicking connection to be closed")
	}
	conn.Close()

	roundTrip(t, pool.Addr().String())

	stats := pool.GetStats()
	if stats.Failed != 1 {
		t.Errorf("Expected 1 failed, got %d", stats.Failed)
	}
}

func TestAcceptorPoolHandlerErrorCountsFailure(t *testing.T) {
	handler := HandlerFunc(func(workerID int, conn net.Conn) error {
		return errors.New("bad frame")
	})
	pool := NewAcceptorPool("test", 2, listen(t), handler, zaptest.NewLogger(t))

	conn, err := net.Dial("tcp", pool.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	_, _ = conn.Read(make([]byte, 1))
	conn.Close()

	pool.Shutdown()
	if got := pool.GetStats().Failed; got != 1 {
		t.Errorf("Expected 1 failed, got %d", got)
	}
}

func TestAcceptorPoolShutdownDrainsInFlight(t *testing.T) {
	started := make(chan struct{})
	var finished int64
	handler := HandlerFunc(func(workerID int, conn net.Conn) error {
		close(started)
		time.Sleep(200 * time.Millisecond)
		atomic.StoreInt64(&finished, 1)
		return nil
	})

	pool := NewAcceptorPool("test", 2, listen(t), handler, zaptest.NewLogger(t))
	addr := pool.Addr().String()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	<-started

	pool.Shutdown()

	if atomic.LoadInt64(&finished) != 1 {
		t.Error("Shutdown returned before the in-flight connection finished")
	}
	if pool.IsRunning() {
		t.Error("Pool should not be running after shutdown")
	}
	if _, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
		t.Error("Expected new connections to be refused after shutdown")
	}

	// Second shutdown is a no-op
	pool.Shutdown()
}

func TestAcceptorPoolShutdownWithTimeout(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	handler := HandlerFunc(func(workerID int, conn net.Conn) error {
		close(started)
		<-release
		return nil
	})

	pool := NewAcceptorPool("test", 1, listen(t), handler, zaptest.NewLogger(t))
	conn, err := net.Dial("tcp", pool.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	<-started

	err = pool.ShutdownWithTimeout(50 * time.Millisecond)
	if !errors.Is(err, ErrShutdownTimeout) {
		t.Errorf("Expected ErrShutdownTimeout, got %v", err)
	}

	close(release)
	if err := pool.ShutdownWithTimeout(2 * time.Second); err != nil {
		t.Errorf("Expected clean drain, got %v", err)
	}
}
