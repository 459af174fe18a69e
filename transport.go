package resilient

import (
	"context"
)

// Conn is one live session to one server. A Conn is owned by a single
// Handle and is never shared between slots.
type Conn interface {
	// Ping is the liveness probe.
	Ping(ctx context.Context) error
	// Do sends one command and returns its reply. A nil reply is returned
	// as (nil, nil). Server error replies must be returned as ReplyError.
	Do(ctx context.Context, name string, args ...interface{}) (interface{}, error)
	// Close releases the session without talking to the server.
	Close() error
}

// Transport opens sessions. Open must fail if the address is unreachable
// or the handshake (auth, db selection) is rejected.
type Transport interface {
	Open(ctx context.Context, addr Address) (Conn, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, addr Address) (Conn, error)

func (f TransportFunc) Open(ctx context.Context, addr Address) (Conn, error) {
	return f(ctx, addr)
}
