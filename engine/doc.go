// Package engine provides the shared ledger and the transaction engine.
// This package implements:
// - Ledger store with one lock per account (row locks)
// - Deposit, withdraw and transfer with ascending-id lock ordering
// - Audit trail: transaction counter, latency accumulator and log sinks
package engine
