// Package arrow provides Apache Arrow export of the ledger.
// This package implements:
// - Balance snapshot schema (account_id int32, balance int64)
// - Arrow IPC stream serialization of snapshots
// - Final report with summary statistics as schema metadata
package arrow
