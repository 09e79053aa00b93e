// Package interfaces defines the core interfaces and types used by the blaze pool.
package interfaces

import (
	"context"
	"fmt"
)

// Scheme identifies the transport scheme of a destination.
type Scheme string

const (
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
)

// RequestKey identifies a destination endpoint. It is the sole dimension of
// per-key accounting in the pool: two connections are interchangeable if and
// only if their keys are equal.
type RequestKey struct {
	Scheme Scheme `json:"scheme"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

func (k RequestKey) String() string {
	return fmt.Sprintf("%s://%s:%d", k.Scheme, k.Host, k.Port)
}

// Addr returns the host:port form used for dialing.
func (k RequestKey) Addr() string {
	return fmt.Sprintf("%s:%d", k.Host, k.Port)
}

// Connection is the capability the pool manages. Implementations own the
// underlying transport; the pool only tracks ownership and accounting.
type Connection interface {
	// RequestKey returns the destination this connection is bound to.
	RequestKey() RequestKey

	// IsClosed reports whether the transport is known dead. Once the pool
	// observes true it never re-offers the connection.
	IsClosed() bool

	// IsRecyclable reports whether the connection is in a clean
	// post-request state and safe to hand to another borrower.
	IsRecyclable() bool

	// Shutdown tears the transport down. It is idempotent and must not panic.
	Shutdown()
}

// ConnectionBuilder produces fresh connections for a key. Build may fail
// arbitrarily; on success the connection is healthy, never used, and bound
// to the given key.
type ConnectionBuilder interface {
	Build(ctx context.Context, key RequestKey) (Connection, error)
}

// NextConnection is the result of a successful borrow. Fresh is true when the
// connection was just built, false when a parked idle entry was recycled.
type NextConnection struct {
	Conn  Connection
	Fresh bool
}
