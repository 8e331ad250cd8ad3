package gearman

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bzikarsky/gearman-go/internal/protocol"
)

// JobHandler executes one assigned Job. It is expected to call exactly one
// of job.Complete, job.Fail, or job.Exception before returning; if it does
// not, Serve fails the job automatically so no job is left hanging
// indefinitely on the server.
type JobHandler func(job *Job)

// Worker registers functions with a Gearman server and executes jobs the
// server assigns to it (spec §4.6). All state is owned by the goroutine
// running Serve; Register/Unregister/SetWorkerID may be called from any
// goroutine before or while Serve is running.
type Worker struct {
	*participant

	mu        sync.Mutex
	functions map[string]JobHandler

	onJob      []func(*Job)
	onCloseFns []func()
	onErrorFns []func(error)
}

// NewWorker connects to addr and returns a ready-to-use Worker. This is the
// createWorker factory surface from spec §6.
func NewWorker(ctx context.Context, addr string, log *zap.Logger) (*Worker, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := Dial(ctx, addr, log)
	if err != nil {
		return nil, fmt.Errorf("gearman: create worker: %w", err)
	}
	w := newWorker(conn, log)
	if err := w.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("gearman: create worker: initial ping failed: %w", err)
	}
	return w, nil
}

func newWorker(conn *Connection, log *zap.Logger) *Worker {
	w := &Worker{functions: make(map[string]JobHandler)}
	// A worker's read side is never paused by the gate: it always wants to
	// keep consuming JOB_ASSIGN/NOOP/NO_JOB frames while it is running, so
	// it starts (and stays) not-idle.
	w.participant = newParticipant(conn, log, false)
	conn.OnClose(w.handleClose)
	conn.OnError(func(err error) {
		w.mu.Lock()
		fns := append([]func(error){}, w.onErrorFns...)
		w.mu.Unlock()
		for _, f := range fns {
			f(err)
		}
	})
	return w
}

// OnJob registers h to run for every job assignment, in addition to the
// function-specific handler installed by Register.
func (w *Worker) OnJob(h func(*Job)) {
	w.mu.Lock()
	w.onJob = append(w.onJob, h)
	w.mu.Unlock()
}

// OnClose registers h to run once the underlying connection closes.
func (w *Worker) OnClose(h func()) {
	w.mu.Lock()
	w.onCloseFns = append(w.onCloseFns, h)
	w.mu.Unlock()
}

// OnError registers h to run on every error the connection reports: each
// server ERROR command, including one that also rejected a pending call, and
// the error that closed the connection unless it was a local close.
func (w *Worker) OnError(h func(error)) {
	w.mu.Lock()
	w.onErrorFns = append(w.onErrorFns, h)
	w.mu.Unlock()
}

func (w *Worker) handleClose() {
	w.mu.Lock()
	fns := append([]func(){}, w.onCloseFns...)
	w.mu.Unlock()
	for _, f := range fns {
		f()
	}
}

// Ping verifies the connection is alive via ECHO_REQ/ECHO_RES, mirroring
// Client.Ping from the worker side.
func (w *Worker) Ping() error {
	return w.participant.ping([]byte("ping"))
}

// Register tells the server this worker can perform function, and installs
// handler to run for every job assigned to it. CAN_DO has no response in
// this protocol subset, so Register only blocks for the write to flush.
func (w *Worker) Register(function string, handler JobHandler) error {
	cmd, err := protocol.New(protocol.CanDo, protocol.MagicRequest, nil, []byte(function))
	if err != nil {
		return err
	}
	if err := w.conn.Send(cmd); err != nil {
		return err
	}
	w.mu.Lock()
	w.functions[function] = handler
	w.mu.Unlock()
	return nil
}

// RegisterWithTimeout is Register, but tells the server to fail the job if
// it runs longer than timeout, via CAN_DO_TIMEOUT.
func (w *Worker) RegisterWithTimeout(function string, handler JobHandler, timeout time.Duration) error {
	seconds := uint32(timeout / time.Second)
	data := []byte{byte(seconds >> 24), byte(seconds >> 16), byte(seconds >> 8), byte(seconds)}
	cmd, err := protocol.New(protocol.CanDoTimeout, protocol.MagicRequest, map[string]string{"function_name": function}, data)
	if err != nil {
		return err
	}
	if err := w.conn.Send(cmd); err != nil {
		return err
	}
	w.mu.Lock()
	w.functions[function] = handler
	w.mu.Unlock()
	return nil
}

// Unregister tells the server this worker can no longer perform function.
func (w *Worker) Unregister(function string) error {
	cmd, err := protocol.New(protocol.CantDo, protocol.MagicRequest, nil, []byte(function))
	if err != nil {
		return err
	}
	if err := w.conn.Send(cmd); err != nil {
		return err
	}
	w.mu.Lock()
	delete(w.functions, function)
	w.mu.Unlock()
	return nil
}

// UnregisterAll tells the server this worker can no longer perform any
// function it previously registered.
func (w *Worker) UnregisterAll() error {
	cmd, err := protocol.New(protocol.ResetAbilities, protocol.MagicRequest, nil, nil)
	if err != nil {
		return err
	}
	if err := w.conn.Send(cmd); err != nil {
		return err
	}
	w.mu.Lock()
	w.functions = make(map[string]JobHandler)
	w.mu.Unlock()
	return nil
}

// SetWorkerID sets a human-readable identifier for this connection, visible
// to server-side monitoring tools (SET_CLIENT_ID).
func (w *Worker) SetWorkerID(id string) error {
	cmd, err := protocol.New(protocol.SetClientID, protocol.MagicRequest, nil, []byte(id))
	if err != nil {
		return err
	}
	return w.conn.Send(cmd)
}

// Disconnect closes the underlying connection.
func (w *Worker) Disconnect() error {
	return w.conn.Close()
}

// Serve runs the grab loop until ctx is cancelled or the connection closes:
// GRAB_JOB_UNIQ → execute on JOB_ASSIGN_UNIQ → back to GRAB_JOB_UNIQ, or
// PRE_SLEEP → wait for NOOP → GRAB_JOB_UNIQ on NO_JOB (spec §4.6's grab loop
// state machine). The handler for an assigned job runs synchronously on the
// calling goroutine: per spec §5, handlers run to completion without
// pre-emption, so only one job is ever executing at a time per Worker.
//
// ctx is checked once per loop iteration, before each GRAB_JOB_UNIQ. A
// cancellation that happens while Serve waits for JOB_ASSIGN/NO_JOB or
// NOOP, or while a handler runs, takes effect only after that step
// finishes; closing the connection ends any wait at once.
func (w *Worker) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, gotJob, err := w.grabJob()
		if err != nil {
			return err
		}
		if !gotJob {
			if err := w.sleepUntilWoken(ctx); err != nil {
				return err
			}
			continue
		}

		w.execute(job)
	}
}

type grabbedJob struct {
	handle, function, uniqueID string
	workload                   []byte
}

func (w *Worker) grabJob() (*Job, bool, error) {
	req, err := protocol.New(protocol.GrabJobUniq, protocol.MagicRequest, nil, nil)
	if err != nil {
		return nil, false, err
	}

	val, err := w.blockingAction(req, []string{protocol.JobAssignUniq, protocol.JobAssign, protocol.NoJob}, func(_, res *protocol.Command) (any, error) {
		switch res.Type.Name {
		case protocol.NoJob:
			return (*grabbedJob)(nil), nil
		case protocol.JobAssignUniq:
			return &grabbedJob{handle: res.Arg("handle"), function: res.Arg("function_name"), uniqueID: res.Arg("id"), workload: res.Data}, nil
		case protocol.JobAssign:
			return &grabbedJob{handle: res.Arg("handle"), function: res.Arg("function_name"), workload: res.Data}, nil
		default:
			return nil, &ProtocolError{Reason: "unexpected response to GRAB_JOB_UNIQ: " + res.Type.Name}
		}
	})
	if err != nil {
		return nil, false, err
	}
	g := val.(*grabbedJob)
	if g == nil {
		return nil, false, nil
	}
	return newJob(w.conn, g.handle, g.function, g.uniqueID, g.workload), true, nil
}

func (w *Worker) sleepUntilWoken(ctx context.Context) error {
	req, err := protocol.New(protocol.PreSleep, protocol.MagicRequest, nil, nil)
	if err != nil {
		return err
	}
	_, err = w.blockingAction(req, []string{protocol.Noop}, func(_, _ *protocol.Command) (any, error) {
		return nil, nil
	})
	return err
}

func (w *Worker) execute(job *Job) {
	w.mu.Lock()
	handler := w.functions[job.Function]
	onJob := append([]func(*Job){}, w.onJob...)
	w.mu.Unlock()

	for _, f := range onJob {
		f(job)
	}

	if handler == nil {
		w.log.Warn("job assigned for unregistered function, failing it", zap.String("function", job.Function), zap.String("handle", job.Handle))
		job.Fail()
		return
	}

	handler(job)

	if !job.isDone() {
		w.log.Warn("handler returned without a terminal job operation, failing it", zap.String("function", job.Function), zap.String("handle", job.Handle))
		job.Fail()
	}
}
