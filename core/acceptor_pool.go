package core

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultWorkers is the pool size used when none is configured.
const DefaultWorkers = 10

// ErrShutdownTimeout is returned when connections outlive the drain timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout")

// Handler serves one accepted connection. The pool closes conn after
// Handle returns.
type Handler interface {
	Handle(workerID int, conn net.Conn) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(workerID int, conn net.Conn) error

// Handle calls f.
func (f HandlerFunc) Handle(workerID int, conn net.Conn) error {
	return f(workerID, conn)
}

// PoolStats contains acceptor pool statistics.
type PoolStats struct {
	Name        string  `json:"name"`
	Workers     int     `json:"workers"`
	Active      int64   `json:"active"`
	Accepted    int64   `json:"accepted"`
	Completed   int64   `json:"completed"`
	Failed      int64   `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// AcceptorPool runs a fixed number of workers that each loop accept then
// handle on the same listener. Workers do not coordinate; the runtime
// decides which one wins each accept.
type AcceptorPool struct {
	name     string
	workers  int
	listener net.Listener
	handler  Handler
	logger   *zap.Logger
	wg       sync.WaitGroup

	// Atomic counters for thread-safe statistics
	active    int64
	accepted  int64
	completed int64
	failed    int64

	running bool
	mu      sync.RWMutex
}

// NewAcceptorPool starts workers goroutines serving listener with handler.
func NewAcceptorPool(name string, workers int, listener net.Listener, handler Handler, logger *zap.Logger) *AcceptorPool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pool := &AcceptorPool{
		name:     name,
		workers:  workers,
		listener: listener,
		handler:  handler,
		logger:   logger.With(zap.String("pool", name)),
		running:  true,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	return pool
}

// worker accepts and serves connections until the listener is closed.
func (p *AcceptorPool) worker(id int) {
	defer p.wg.Done()

	var backoff time.Duration
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !p.IsRunning() {
				return
			}
			// Transient accept failure (e.g. EMFILE), retry with backoff
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(2*backoff, time.Second)
			}
			p.logger.Warn("accept failed", zap.Int("worker", id), zap.Error(err), zap.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		atomic.AddInt64(&p.accepted, 1)
		p.serve(id, conn)
	}
}

// serve runs the handler for one connection.
func (p *AcceptorPool) serve(workerID int, conn net.Conn) {
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)
	defer func() {
		_ = conn.Close() // G104
	}()

	// Panic recovery to prevent one connection from killing its worker
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.failed, 1)
			p.logger.Error("panic in connection handler",
				zap.Int("worker", workerID),
				zap.String("remote", conn.RemoteAddr().String()),
				zap.String("panic", panicToString(r)))
		}
	}()

	if err := p.handler.Handle(workerID, conn); err != nil {
		atomic.AddInt64(&p.failed, 1)
		return
	}
	atomic.AddInt64(&p.completed, 1)
}

// panicToString converts a recovered panic value to a string.
func panicToString(r interface{}) string {
	switch v := r.(type) {
	case string:
		return v
	case error:
		return v.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Addr returns the listener address.
func (p *AcceptorPool) Addr() net.Addr {
	return p.listener.Addr()
}

// GetStats returns current pool statistics.
func (p *AcceptorPool) GetStats() PoolStats {
	completed := atomic.LoadInt64(&p.completed)
	failed := atomic.LoadInt64(&p.failed)
	total := completed + failed

	var successRate float64
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	return PoolStats{
		Name:        p.name,
		Workers:     p.workers,
		Active:      atomic.LoadInt64(&p.active),
		Accepted:    atomic.LoadInt64(&p.accepted),
		Completed:   completed,
		Failed:      failed,
		SuccessRate: successRate,
	}
}

// stop closes the listener once. It reports false if the pool was
// already stopped.
func (p *AcceptorPool) stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return false
	}
	p.running = false
	if err := p.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		p.logger.Warn("listener close failed", zap.Error(err))
	}
	return true
}

// Shutdown stops accepting and waits for every in-flight connection to
// finish. Running connections are never interrupted.
func (p *AcceptorPool) Shutdown() {
	p.stop()
	p.wg.Wait()
}

// ShutdownWithTimeout is Shutdown with a bound on the wait. Connections
// still running when the timeout fires keep running.
func (p *AcceptorPool) ShutdownWithTimeout(timeout time.Duration) error {
	p.stop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: %d connections still active", ErrShutdownTimeout, atomic.LoadInt64(&p.active))
	}
}

// Wait blocks until every worker has exited.
func (p *AcceptorPool) Wait() {
	p.wg.Wait()
}

// IsRunning returns true if the pool is still accepting connections.
func (p *AcceptorPool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}
