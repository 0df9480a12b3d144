package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"github.com/VanDung-dev/MutexLedger-Engine/engine"
)

// AuditTopic is the first frame of every published audit message.
const AuditTopic = "audit"

// Common errors for the audit feed
var (
	ErrPublisherNotRunning = errors.New("audit publisher is not running")
	ErrFeedFull            = errors.New("audit feed buffer full")
)

// PublisherStats contains audit feed statistics.
type PublisherStats struct {
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
}

// AuditPublisher broadcasts committed audit entries on a ZeroMQ PUB
// socket as [topic, json] messages. Record never blocks the ledger: it
// hands the entry to a buffered channel and drops it when the buffer is
// full.
type AuditPublisher struct {
	address string
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	pub     zmq4.Socket
	entries chan engine.AuditEntry
	quit    chan struct{}

	published int64
	dropped   int64
	failed    int64

	running bool
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// NewAuditPublisher creates a publisher bound to address
// (e.g. "tcp://127.0.0.1:5556") once started.
func NewAuditPublisher(address string, buffer int, logger *zap.Logger) *AuditPublisher {
	if buffer <= 0 {
		buffer = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &AuditPublisher{
		address: address,
		logger:  logger.With(zap.String("feed", address)),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(chan engine.AuditEntry, buffer),
		quit:    make(chan struct{}),
	}
}

// Start binds the PUB socket and starts the sender.
func (p *AuditPublisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return errors.New("audit publisher already running")
	}

	p.pub = zmq4.NewPub(p.ctx)
	if err := p.pub.Listen(p.address); err != nil {
		_ = p.pub.Close() // G104
		return fmt.Errorf("failed to bind publisher: %w", err)
	}
	p.running = true

	p.wg.Add(1)
	go p.sendLoop()

	p.logger.Info("audit feed publishing", zap.String("topic", AuditTopic))
	return nil
}

// Record implements engine.AuditSink.
func (p *AuditPublisher) Record(entry engine.AuditEntry) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return ErrPublisherNotRunning
	}

	select {
	case p.entries <- entry:
		return nil
	default:
		atomic.AddInt64(&p.dropped, 1)
		return fmt.Errorf("%w: entry #%d dropped", ErrFeedFull, entry.Seq)
	}
}

// sendLoop publishes queued entries until the publisher stops, then
// flushes what is left in the buffer.
func (p *AuditPublisher) sendLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.quit:
			for {
				select {
				case entry := <-p.entries:
					p.publish(entry)
				default:
					return
				}
			}
		case entry := <-p.entries:
			p.publish(entry)
		}
	}
}

func (p *AuditPublisher) publish(entry engine.AuditEntry) {
	body, err := json.Marshal(entry)
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		p.logger.Warn("failed to encode audit entry", zap.Int64("seq", entry.Seq), zap.Error(err))
		return
	}

	if err := p.pub.Send(zmq4.NewMsgFrom([]byte(AuditTopic), body)); err != nil {
		atomic.AddInt64(&p.failed, 1)
		p.logger.Warn("failed to publish audit entry", zap.Int64("seq", entry.Seq), zap.Error(err))
		return
	}
	atomic.AddInt64(&p.published, 1)
}

// Stats returns the feed counters.
func (p *AuditPublisher) Stats() PublisherStats {
	return PublisherStats{
		Published: atomic.LoadInt64(&p.published),
		Dropped:   atomic.LoadInt64(&p.dropped),
		Failed:    atomic.LoadInt64(&p.failed),
	}
}

// IsRunning returns true while entries are accepted.
func (p *AuditPublisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Stop publishes what is already queued, then closes the socket.
func (p *AuditPublisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.quit)
	p.wg.Wait()
	p.cancel()

	if err := p.pub.Close(); err != nil {
		_ = err // G104: explicitly acknowledge during shutdown
	}
}

// DecodeAuditMessage parses a message received from the feed.
func DecodeAuditMessage(msg zmq4.Msg) (engine.AuditEntry, error) {
	var entry engine.AuditEntry
	if len(msg.Frames) != 2 || string(msg.Frames[0]) != AuditTopic {
		return entry, fmt.Errorf("unexpected audit message shape: %d frames", len(msg.Frames))
	}
	if err := json.Unmarshal(msg.Frames[1], &entry); err != nil {
		return entry, fmt.Errorf("failed to decode audit entry: %w", err)
	}
	return entry, nil
}
