package engine

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/VanDung-dev/MutexLedger-Engine/protocol"
	"go.uber.org/zap"
)

// LedgerConfig holds the shape of the account table.
type LedgerConfig struct {
	// Accounts is the number of accounts, with ids 0..Accounts-1
	Accounts int
	// SeedBalance is the starting balance of every account
	SeedBalance int64
}

// DefaultLedgerConfig returns the classic 100 accounts at 1000 units.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		Accounts:    100,
		SeedBalance: 1000,
	}
}

// Account is one row of the ledger, guarded by its own lock.
type Account struct {
	ID      int
	balance int64
	mu      sync.Mutex
}

// AccountBalance is a point-in-time copy of an account.
type AccountBalance struct {
	ID      int   `json:"id"`
	Balance int64 `json:"balance"`
}

// Event describes the operation a mutation belongs to, for the audit trail.
type Event struct {
	Operation protocol.Operation
	From      int
	To        int
	Amount    int64
	// Started is when handling began; the commit adds time.Since(Started) to
	// the latency accumulator.
	Started time.Time
}

// LedgerStats contains the global counters.
type LedgerStats struct {
	Transactions int64         `json:"transactions"`
	TotalLatency time.Duration `json:"total_latency"`
}

// AverageLatency returns the mean latency per committed transaction.
func (s LedgerStats) AverageLatency() time.Duration {
	if s.Transactions == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.Transactions)
}

// Ledger is the shared account table plus the audit counters.
//
// Lock order: account locks in ascending id order, then the audit lock. The
// audit lock is never held while acquiring an account lock.
type Ledger struct {
	accounts []*Account

	auditMu      sync.Mutex
	txCount      int64
	totalLatency time.Duration
	sinks        []AuditSink

	logger *zap.Logger
	now    func() time.Time
}

// NewLedger creates a ledger with every account at the seed balance.
func NewLedger(config LedgerConfig, logger *zap.Logger, sinks ...AuditSink) *Ledger {
	if config.Accounts <= 0 {
		config.Accounts = DefaultLedgerConfig().Accounts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	accounts := make([]*Account, config.Accounts)
	for i := range accounts {
		accounts[i] = &Account{ID: i, balance: config.SeedBalance}
	}

	return &Ledger{
		accounts: accounts,
		sinks:    sinks,
		logger:   logger,
		now:      time.Now,
	}
}

// Size returns the number of accounts.
func (l *Ledger) Size() int {
	return len(l.accounts)
}

// Valid reports whether id names an account.
func (l *Ledger) Valid(id int) bool {
	return id >= 0 && id < len(l.accounts)
}

// Balance returns the current balance of one account.
func (l *Ledger) Balance(id int) (int64, error) {
	if !l.Valid(id) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAccount, id)
	}
	acc := l.accounts[id]
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.balance, nil
}

// Apply adds delta to one account under its lock and commits the event.
// A debit larger than the balance is rejected without changing anything.
func (l *Ledger) Apply(id int, delta int64, ev Event) (int64, error) {
	if !l.Valid(id) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAccount, id)
	}

	acc := l.accounts[id]
	acc.mu.Lock()
	defer acc.mu.Unlock()

	next, err := applyDelta(acc.balance, delta)
	if err != nil {
		return acc.balance, err
	}
	acc.balance = next

	l.commit(ev)
	return next, nil
}

// ApplyPair adds deltaA to account a and deltaB to account b atomically.
// Locks are taken in ascending id order and released in descending order;
// if either side would go negative neither is changed. a == b is allowed and
// applies both deltas to the one account.
func (l *Ledger) ApplyPair(a int, deltaA int64, b int, deltaB int64, ev Event) (int64, int64, error) {
	if !l.Valid(a) {
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidAccount, a)
	}
	if !l.Valid(b) {
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidAccount, b)
	}

	if a == b {
		acc := l.accounts[a]
		acc.mu.Lock()
		defer acc.mu.Unlock()

		mid, err := applyDelta(acc.balance, deltaA)
		if err != nil {
			return acc.balance, acc.balance, err
		}
		next, err := applyDelta(mid, deltaB)
		if err != nil {
			return acc.balance, acc.balance, err
		}
		acc.balance = next

		l.commit(ev)
		return next, next, nil
	}

	unlock := l.lockPair(a, b)
	defer unlock()

	accA, accB := l.accounts[a], l.accounts[b]
	nextA, err := applyDelta(accA.balance, deltaA)
	if err != nil {
		return accA.balance, accB.balance, err
	}
	nextB, err := applyDelta(accB.balance, deltaB)
	if err != nil {
		return accA.balance, accB.balance, err
	}
	accA.balance = nextA
	accB.balance = nextB

	l.commit(ev)
	return nextA, nextB, nil
}

// lockPair locks two distinct accounts in ascending id order and returns the
// function that unlocks them in descending order.
func (l *Ledger) lockPair(a, b int) func() {
	first, second := a, b
	if first > second {
		first, second = second, first
	}

	l.accounts[first].mu.Lock()
	l.accounts[second].mu.Lock()

	return func() {
		l.accounts[second].mu.Unlock()
		l.accounts[first].mu.Unlock()
	}
}

// commit records a successful mutation. Callers hold the affected row locks.
func (l *Ledger) commit(ev Event) {
	l.auditMu.Lock()
	defer l.auditMu.Unlock()

	l.txCount++
	if !ev.Started.IsZero() {
		l.totalLatency += l.now().Sub(ev.Started)
	}

	entry := AuditEntry{
		Seq:       l.txCount,
		Time:      l.now(),
		Operation: ev.Operation,
		From:      ev.From,
		To:        ev.To,
		Amount:    ev.Amount,
	}
	for _, sink := range l.sinks {
		if err := sink.Record(entry); err != nil {
			l.logger.Warn("audit sink failed", zap.Int64("seq", entry.Seq), zap.Error(err))
		}
	}
}

// Snapshot copies every balance, each read under its own account lock.
// Individual values are never torn, but operations running concurrently on
// other accounts may or may not be reflected.
func (l *Ledger) Snapshot() []AccountBalance {
	out := make([]AccountBalance, len(l.accounts))
	for i, acc := range l.accounts {
		acc.mu.Lock()
		out[i] = AccountBalance{ID: acc.ID, Balance: acc.balance}
		acc.mu.Unlock()
	}
	return out
}

// ConsistentSnapshot copies every balance while holding all account locks,
// acquired in ascending id order. It blocks every mutation for its duration.
func (l *Ledger) ConsistentSnapshot() []AccountBalance {
	for _, acc := range l.accounts {
		acc.mu.Lock()
	}
	out := make([]AccountBalance, len(l.accounts))
	for i, acc := range l.accounts {
		out[i] = AccountBalance{ID: acc.ID, Balance: acc.balance}
	}
	for i := len(l.accounts) - 1; i >= 0; i-- {
		l.accounts[i].mu.Unlock()
	}
	return out
}

// Stats returns the global counters.
func (l *Ledger) Stats() LedgerStats {
	l.auditMu.Lock()
	defer l.auditMu.Unlock()
	return LedgerStats{
		Transactions: l.txCount,
		TotalLatency: l.totalLatency,
	}
}

// TotalAssets sums a snapshot.
func TotalAssets(balances []AccountBalance) int64 {
	var total int64
	for _, b := range balances {
		total += b.Balance
	}
	return total
}

func applyDelta(balance, delta int64) (int64, error) {
	if delta > 0 && balance > math.MaxInt64-delta {
		return balance, ErrAmountOverflow
	}
	next := balance + delta
	if delta < 0 && next < 0 {
		return balance, ErrInsufficientFunds
	}
	return next, nil
}
