package resilient

import (
	"errors"
	"fmt"
)

// ReplyError is an error reply sent back by the server, e.g. WRONGTYPE.
// The connection that produced it is still healthy.
type ReplyError struct {
	Msg string
}

func (e ReplyError) Error() string {
	return e.Msg
}

// ClientError is an error produced by this client: connection failures,
// exhausted pools, failed resolutions and failed commands.
type ClientError struct {
	Code uint32
	// Addr is the address attempted, in redacted form. May be empty.
	Addr string
	Msg  string
	// Err is the underlying transport error, if any.
	Err error
}

func (clierr ClientError) Error() string {
	var s string
	if clierr.Addr != "" {
		s = fmt.Sprintf("%s (0x%x) [%s]", clierr.Msg, clierr.Code, clierr.Addr)
	} else {
		s = fmt.Sprintf("%s (0x%x)", clierr.Msg, clierr.Code)
	}
	if clierr.Err != nil {
		s += ": " + clierr.Err.Error()
	}
	return s
}

func (clierr ClientError) Unwrap() error {
	return clierr.Err
}

// Temporary returns true if next attempt to perform request may succeed.
func (clierr ClientError) Temporary() bool {
	switch clierr.Code {
	case ErrConnectFailed, ErrUnreachable, ErrNoLiveNode, ErrResolutionFailed:
		return true
	default:
		return false
	}
}

// Client error codes.
const (
	ErrConnectFailed    = 0x4000 + iota
	ErrUnreachable      = 0x4000 + iota
	ErrCommandFailed    = 0x4000 + iota
	ErrNoLiveNode       = 0x4000 + iota
	ErrResolutionFailed = 0x4000 + iota
	ErrClosed           = 0x4000 + iota
	ErrNil              = 0x4000 + iota
)

var errorMessages = map[uint32]string{
	ErrConnectFailed:    "connect failed",
	ErrUnreachable:      "connection unreachable",
	ErrCommandFailed:    "command failed",
	ErrNoLiveNode:       "no live node",
	ErrResolutionFailed: "master resolution failed",
	ErrClosed:           "client is closed",
	ErrNil:              "nil reply",
}

// NewClientError builds a ClientError with the default message of code.
func NewClientError(code uint32, addr Address, err error) ClientError {
	clierr := ClientError{Code: code, Msg: errorMessages[code], Err: err}
	if addr.Host != "" {
		clierr.Addr = addr.Redacted()
	}
	return clierr
}

// IsCode reports whether err is, or wraps, a ClientError with the given
// code. Client errors nested in the Err of another one are checked too.
func IsCode(err error, code uint32) bool {
	var clierr ClientError
	for errors.As(err, &clierr) {
		if clierr.Code == code {
			return true
		}
		err = clierr.Err
	}
	return false
}

// IsReplyError reports whether err is, or wraps, a server error reply.
func IsReplyError(err error) bool {
	var rerr ReplyError
	return errors.As(err, &rerr)
}
