package gearman

import (
	"fmt"
	"sync/atomic"

	"github.com/bzikarsky/gearman-go/internal/protocol"
)

// Job is the worker-side handle for one job assignment (spec §3). A
// JobHandler is expected to call exactly one of Complete, Fail, or
// Exception before returning; any Job operation issued afterward fails
// with ErrInvalidJobState.
type Job struct {
	Function string
	Handle   string
	Workload []byte
	UniqueID string

	conn *Connection
	done int32 // atomic bool
}

func newJob(conn *Connection, handle, function, uniqueID string, workload []byte) *Job {
	return &Job{Function: function, Handle: handle, Workload: workload, UniqueID: uniqueID, conn: conn}
}

func (j *Job) send(name string, args map[string]string, data []byte) error {
	cmd, err := protocol.New(name, protocol.MagicRequest, args, data)
	if err != nil {
		return err
	}
	return j.conn.Send(cmd)
}

// SendData sends a WORK_DATA chunk: partial output, flushed before the job
// completes.
func (j *Job) SendData(data []byte) error {
	if j.isDone() {
		return ErrInvalidJobState
	}
	return j.send(protocol.WorkData, map[string]string{"handle": j.Handle}, data)
}

// SendWarning sends a WORK_WARNING chunk.
func (j *Job) SendWarning(data []byte) error {
	if j.isDone() {
		return ErrInvalidJobState
	}
	return j.send(protocol.WorkWarning, map[string]string{"handle": j.Handle}, data)
}

// SendStatus reports numerator/denominator progress via WORK_STATUS.
func (j *Job) SendStatus(numerator, denominator int) error {
	if j.isDone() {
		return ErrInvalidJobState
	}
	return j.send(protocol.WorkStatus, map[string]string{
		"handle":    j.Handle,
		"numerator": fmt.Sprintf("%d", numerator),
	}, []byte(fmt.Sprintf("%d", denominator)))
}

// Complete reports successful completion with the given result. Terminal.
func (j *Job) Complete(result []byte) error {
	if !j.markDone() {
		return ErrInvalidJobState
	}
	return j.send(protocol.WorkComplete, map[string]string{"handle": j.Handle}, result)
}

// Fail reports that the job failed, with no payload. Terminal.
func (j *Job) Fail() error {
	if !j.markDone() {
		return ErrInvalidJobState
	}
	cmd, err := protocol.New(protocol.WorkFail, protocol.MagicRequest, nil, []byte(j.Handle))
	if err != nil {
		return err
	}
	return j.conn.Send(cmd)
}

// Exception reports that the job failed with the given exception payload.
// Terminal. The server only relays this to clients that called
// Client.SetOption("exceptions"); the core trusts the server's own policy
// on whether to forward it (see spec §9 open questions).
func (j *Job) Exception(reason []byte) error {
	if !j.markDone() {
		return ErrInvalidJobState
	}
	return j.send(protocol.WorkException, map[string]string{"handle": j.Handle}, reason)
}

func (j *Job) isDone() bool {
	return atomic.LoadInt32(&j.done) == 1
}

func (j *Job) markDone() bool {
	return atomic.CompareAndSwapInt32(&j.done, 0, 1)
}
