// Package network provides the ZeroMQ audit feed.
// This package implements:
// - AuditPublisher: PUB socket broadcasting committed ledger operations
// - Non-blocking hand-off from the ledger's audit lock
package network
