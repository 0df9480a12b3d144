package arrow

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/VanDung-dev/MutexLedger-Engine/engine"
)

// Report is the end-of-run summary of the ledger.
type Report struct {
	Balances       []engine.AccountBalance
	TotalAssets    int64
	Transactions   int64
	AverageLatency time.Duration
}

// NewReport summarizes a snapshot and the ledger's audit counters.
func NewReport(balances []engine.AccountBalance, stats engine.LedgerStats) Report {
	return Report{
		Balances:       balances,
		TotalAssets:    engine.TotalAssets(balances),
		Transactions:   stats.Transactions,
		AverageLatency: stats.AverageLatency(),
	}
}

// FinalReport takes a point-in-time snapshot of the ledger. Call it after
// the worker pool has drained.
func FinalReport(ledger *engine.Ledger) Report {
	return NewReport(ledger.ConsistentSnapshot(), ledger.Stats())
}

// AverageLatencyMillis returns the average latency in milliseconds.
func (r Report) AverageLatencyMillis() float64 {
	return float64(r.AverageLatency) / float64(time.Millisecond)
}

// Metadata returns the summary as Arrow schema metadata.
func (r Report) Metadata() arrow.Metadata {
	return arrow.NewMetadata(
		[]string{MetaTotalAssets, MetaTransactions, MetaAverageLatencyMS},
		[]string{
			strconv.FormatInt(r.TotalAssets, 10),
			strconv.FormatInt(r.Transactions, 10),
			strconv.FormatFloat(r.AverageLatencyMillis(), 'f', 3, 64),
		},
	)
}

// WriteText prints the balance table, four accounts per row, followed by
// the statistics.
func (r Report) WriteText(w io.Writer) error {
	var sb strings.Builder
	sb.WriteString("\n========== [Mutex Bank Account Balances] ==========\n")
	for i, b := range r.Balances {
		if i%4 == 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "[Acc %02d: $%4d]  ", b.ID, b.Balance)
	}
	sb.WriteString("\n---------------------------------------------------\n")
	sb.WriteString("Statistics:\n")
	fmt.Fprintf(&sb, " 1. Total assets: $%d\n", r.TotalAssets)
	fmt.Fprintf(&sb, " 2. Total transactions: %d\n", r.Transactions)
	fmt.Fprintf(&sb, " 3. Average latency: %.3f ms\n", r.AverageLatencyMillis())
	sb.WriteString("===================================================\n")

	_, err := io.WriteString(w, sb.String())
	return err
}

// WriteArrow writes the balances as an IPC stream with the summary in
// the schema metadata.
func (r Report) WriteArrow(w io.Writer) error {
	meta := r.Metadata()
	return NewIPCWriter().WriteBalances(w, r.Balances, &meta)
}

// WriteArrowFile writes the IPC stream to path.
func (r Report) WriteArrowFile(path string) (err error) {
	f, err := os.Create(path) // #nosec G304 - operator supplied report path
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return r.WriteArrow(f)
}

// ReadReport reads a report written by WriteArrow.
func ReadReport(in io.Reader) (Report, error) {
	balances, meta, err := NewIPCWriter().ReadBalances(in)
	if err != nil {
		return Report{}, err
	}

	r := Report{Balances: balances, TotalAssets: engine.TotalAssets(balances)}
	if v, ok := lookup(meta, MetaTransactions); ok {
		if r.Transactions, err = strconv.ParseInt(v, 10, 64); err != nil {
			return Report{}, fmt.Errorf("bad %s metadata: %w", MetaTransactions, err)
		}
	}
	if v, ok := lookup(meta, MetaAverageLatencyMS); ok {
		ms, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Report{}, fmt.Errorf("bad %s metadata: %w", MetaAverageLatencyMS, err)
		}
		r.AverageLatency = time.Duration(ms * float64(time.Millisecond))
	}
	return r, nil
}

func lookup(meta arrow.Metadata, key string) (string, bool) {
	i := meta.FindKey(key)
	if i < 0 {
		return "", false
	}
	return meta.Values()[i], true
}
