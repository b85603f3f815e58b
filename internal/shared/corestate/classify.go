package corestate

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
)

// ErrorKind buckets a failed IPC request for breaker accounting.
type ErrorKind int

const (
	// KindOther is anything we cannot attribute to the peer being gone.
	KindOther ErrorKind = iota
	// KindCritical means the peer is absent: trip the breaker immediately.
	KindCritical
	// KindTransient means the peer may recover: trip after a streak.
	KindTransient
)

// ErrCoreDown is returned to callers while the breaker rejects requests.
var ErrCoreDown = errors.New("core is down")

// ErrPoolExhausted is returned when the request pool cannot admit a caller
// before its context expires.
var ErrPoolExhausted = errors.New("ipc request pool exhausted")

// Classify assigns an error kind to a transport failure.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindOther
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH):
		return KindCritical
	case errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, ErrPoolExhausted):
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	// Named-pipe dials surface text rather than errno values.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no route to host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "cannot find the file"):
		return KindCritical
	case strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "timeout"):
		return KindTransient
	}
	return KindOther
}
