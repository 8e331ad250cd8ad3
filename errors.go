package gearman

import "fmt"

// ProtocolError reports a violation of the wire protocol's invariants: a
// malformed frame, a response that does not match the head of the blocking
// queue, or a response whose fields disagree with the request that produced
// it (e.g. a STATUS_RES for the wrong handle). It is always fatal to the
// connection that produced it.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("gearman: protocol error: %s", e.Reason)
}

// ServerError wraps a server-issued ERROR command. It rejects the blocking
// action it was correlated with; it does not close the connection.
type ServerError struct {
	Code string
	Text string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("gearman: server error %s: %s", e.Code, e.Text)
}

// DuplicateJobError is raised synchronously by Client.Submit, before any
// bytes are sent, when (function, uniqueID) is already in flight.
type DuplicateJobError struct {
	Function string
	UniqueID string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("gearman: duplicate job: function %q already has an in-flight task with unique id %q", e.Function, e.UniqueID)
}

// UnsupportedOptionError is returned by Client.SetOption for any value other
// than the recognized option set.
type UnsupportedOptionError struct {
	Option string
}

func (e *UnsupportedOptionError) Error() string {
	return fmt.Sprintf("gearman: unsupported option %q", e.Option)
}

// ErrConnectionClosed is returned by any blocking action, and any pending
// one, once the underlying connection has been closed.
var ErrConnectionClosed = &connectionClosedError{}

type connectionClosedError struct{}

func (*connectionClosedError) Error() string { return "gearman: connection closed" }

// ErrInvalidJobState is returned by Job operations issued after the job has
// already reached a terminal verdict (complete, fail, or exception).
var ErrInvalidJobState = &invalidJobStateError{}

type invalidJobStateError struct{}

func (*invalidJobStateError) Error() string { return "gearman: job already in a terminal state" }
