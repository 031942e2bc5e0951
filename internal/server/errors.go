package server

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDraining is returned when a request arrives after shutdown began.
	ErrDraining = errors.New("server is draining")
	// ErrBacklogFull is returned when a bounded backlog has no room left.
	ErrBacklogFull = errors.New("worker backlog is full")
	// ErrAlreadyStarted is returned by Start on a runtime that left Starting.
	ErrAlreadyStarted = errors.New("runtime already started")
)

// BindError reports a listening socket that could not be opened.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// HandlerError marks a failure inside the application handler. It is
// reported to the client as a generic server error.
type HandlerError struct {
	Op  string
	Err error
}

func (e *HandlerError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("handler: %v", e.Err)
	}
	return fmt.Sprintf("handler %s: %v", e.Op, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// ShutdownTimeoutError reports requests still running when the grace period ran out.
type ShutdownTimeoutError struct {
	Grace     time.Duration
	Abandoned int
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("shutdown grace %s elapsed with %d request(s) in flight", e.Grace, e.Abandoned)
}
