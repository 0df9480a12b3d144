// Package core provides the connection worker pool.
// This package implements:
// - Acceptor pool: a fixed set of goroutines racing on one listener
// - Panic isolation per connection
// - Graceful drain on shutdown
package core
