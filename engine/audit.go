package engine

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/VanDung-dev/MutexLedger-Engine/protocol"
)

// AuditBanner is written when an audit log is opened.
const AuditBanner = "=== Mutex Bank Transaction Log Started ==="

// AuditEntry describes one committed, balance-changing operation.
type AuditEntry struct {
	Seq       int64              `json:"seq"`
	Time      time.Time          `json:"time"`
	Operation protocol.Operation `json:"operation"`
	From      int                `json:"from"`
	To        int                `json:"to,omitempty"`
	Amount    int64              `json:"amount"`
}

// AuditSink receives committed entries. Record is called with the ledger's
// audit lock held, so implementations must not block on the network.
type AuditSink interface {
	Record(entry AuditEntry) error
}

// FormatEntry renders an entry as one audit log line (without newline).
func FormatEntry(e AuditEntry) string {
	ts := e.Time.Format(time.ANSIC)
	switch e.Operation {
	case protocol.OpTransfer:
		return fmt.Sprintf("[%s] #%d Transfer: Acc %02d -> Acc %02d ($%d)", ts, e.Seq, e.From, e.To, e.Amount)
	case protocol.OpDeposit:
		return fmt.Sprintf("[%s] #%d Deposit: Acc %02d ($%d)", ts, e.Seq, e.From, e.Amount)
	case protocol.OpWithdraw:
		return fmt.Sprintf("[%s] #%d Withdraw: Acc %02d ($%d)", ts, e.Seq, e.From, e.Amount)
	default:
		return fmt.Sprintf("[%s] #%d %s: Acc %02d ($%d)", ts, e.Seq, e.Operation, e.From, e.Amount)
	}
}

// AuditLog appends one text line per entry to a writer.
type AuditLog struct {
	w      io.Writer
	closer io.Closer
	mu     sync.Mutex
}

// NewAuditLog writes entries to w. The banner is written immediately.
func NewAuditLog(w io.Writer) (*AuditLog, error) {
	if _, err := fmt.Fprintln(w, AuditBanner); err != nil {
		return nil, fmt.Errorf("failed to write audit banner: %w", err)
	}
	return &AuditLog{w: w}, nil
}

// OpenAuditLog opens (or creates) an append-only audit log file.
func OpenAuditLog(path string) (*AuditLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) // #nosec G302 - audit log is meant to be readable
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log %s: %w", path, err)
	}
	log, err := NewAuditLog(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	log.closer = f
	return log, nil
}

// Record implements AuditSink.
func (l *AuditLog) Record(entry AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := fmt.Fprintln(l.w, FormatEntry(entry)); err != nil {
		return fmt.Errorf("failed to append audit entry #%d: %w", entry.Seq, err)
	}
	return nil
}

// Close closes the underlying file, if any.
func (l *AuditLog) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
