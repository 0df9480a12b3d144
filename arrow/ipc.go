package arrow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/VanDung-dev/MutexLedger-Engine/engine"
)

// ErrSchemaMismatch is returned when a record is not a balance snapshot.
var ErrSchemaMismatch = errors.New("record does not match the balance schema")

// IPCWriter converts balance snapshots to and from Arrow IPC streams.
type IPCWriter struct {
	allocator memory.Allocator
}

// NewIPCWriter creates a new IPCWriter.
func NewIPCWriter() *IPCWriter {
	return &IPCWriter{
		allocator: memory.DefaultAllocator,
	}
}

// NewIPCWriterWithAllocator creates an IPCWriter using mem.
func NewIPCWriterWithAllocator(mem memory.Allocator) *IPCWriter {
	return &IPCWriter{allocator: mem}
}

// BalancesToRecord builds a record from a snapshot. The caller releases it.
func (w *IPCWriter) BalancesToRecord(balances []engine.AccountBalance, meta *arrow.Metadata) (arrow.Record, error) {
	builder := array.NewRecordBuilder(w.allocator, balanceSchema(meta))
	defer builder.Release()

	idBuilder := builder.Field(0).(*array.Int32Builder)
	balanceBuilder := builder.Field(1).(*array.Int64Builder)
	idBuilder.Reserve(len(balances))
	balanceBuilder.Reserve(len(balances))

	for _, b := range balances {
		if b.ID < 0 || b.ID > math.MaxInt32 {
			return nil, fmt.Errorf("account id %d out of int32 range", b.ID)
		}
		idBuilder.Append(int32(b.ID)) // #nosec G115 - bounds checked above
		balanceBuilder.Append(b.Balance)
	}

	return builder.NewRecord(), nil
}

// RecordToBalances reads a snapshot back from a record.
func RecordToBalances(record arrow.Record) ([]engine.AccountBalance, error) {
	if record.NumCols() != 2 {
		return nil, fmt.Errorf("%w: expected 2 columns, got %d", ErrSchemaMismatch, record.NumCols())
	}
	ids, ok := record.Column(0).(*array.Int32)
	if !ok {
		return nil, fmt.Errorf("%w: column 0 (account_id) is not an Int32 array", ErrSchemaMismatch)
	}
	values, ok := record.Column(1).(*array.Int64)
	if !ok {
		return nil, fmt.Errorf("%w: column 1 (balance) is not an Int64 array", ErrSchemaMismatch)
	}

	balances := make([]engine.AccountBalance, record.NumRows())
	for i := range balances {
		balances[i] = engine.AccountBalance{
			ID:      int(ids.Value(i)),
			Balance: values.Value(i),
		}
	}
	return balances, nil
}

// WriteBalances writes a snapshot as one IPC stream to w.
func (w *IPCWriter) WriteBalances(out io.Writer, balances []engine.AccountBalance, meta *arrow.Metadata) error {
	record, err := w.BalancesToRecord(balances, meta)
	if err != nil {
		return err
	}
	defer record.Release()

	writer := ipc.NewWriter(out, ipc.WithSchema(record.Schema()), ipc.WithAllocator(w.allocator))
	if err := writer.Write(record); err != nil {
		_ = writer.Close() // G104
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}

// SerializeBalances serializes a snapshot to IPC bytes.
func (w *IPCWriter) SerializeBalances(balances []engine.AccountBalance) ([]byte, error) {
	var buf bytes.Buffer
	if err := w.WriteBalances(&buf, balances, nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadBalances reads every record of an IPC stream and returns the
// concatenated snapshot with the stream's schema metadata.
func (w *IPCWriter) ReadBalances(in io.Reader) ([]engine.AccountBalance, arrow.Metadata, error) {
	reader, err := ipc.NewReader(in, ipc.WithAllocator(w.allocator))
	if err != nil {
		return nil, arrow.Metadata{}, fmt.Errorf("failed to create reader: %w", err)
	}
	defer reader.Release()

	var balances []engine.AccountBalance
	for reader.Next() {
		part, err := RecordToBalances(reader.Record())
		if err != nil {
			return nil, arrow.Metadata{}, err
		}
		balances = append(balances, part...)
	}
	if reader.Err() != nil {
		return nil, arrow.Metadata{}, reader.Err()
	}

	return balances, reader.Schema().Metadata(), nil
}

// DeserializeBalances deserializes IPC bytes to a snapshot.
func (w *IPCWriter) DeserializeBalances(data []byte) ([]engine.AccountBalance, error) {
	balances, _, err := w.ReadBalances(bytes.NewReader(data))
	return balances, err
}
