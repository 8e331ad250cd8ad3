package gearman

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bzikarsky/gearman-go/internal/protocol"
)

// Client submits jobs to a Gearman server and relays their progress back to
// the caller via Task events (spec §4.5).
type Client struct {
	*participant

	mu          sync.Mutex
	tasks       map[string]*Task // handle -> Task, invariant I1/I2
	uniqueTasks map[uniqueKey]bool
	waiters     []chan struct{}

	onTaskSubmitted []func(*Task)
	onTaskUnknown   []func(handle, command string)
	onStatus        []func(StatusEvent)
	onOption        []func(name string)
	onCloseFns      []func()
	onErrorFns      []func(error)
}

type uniqueKey struct {
	function string
	uniqueID string
}

// NewClient connects to addr, pings the server once to verify the connection
// is live, and returns a ready-to-use Client. This is the createClient
// factory surface from spec §6.
func NewClient(ctx context.Context, addr string, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := Dial(ctx, addr, log)
	if err != nil {
		return nil, fmt.Errorf("gearman: create client: %w", err)
	}
	c := newClient(conn, log)
	if err := c.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("gearman: create client: initial ping failed: %w", err)
	}
	return c, nil
}

func newClient(conn *Connection, log *zap.Logger) *Client {
	c := &Client{
		tasks:       make(map[string]*Task),
		uniqueTasks: make(map[uniqueKey]bool),
	}
	// A freshly constructed Client has no tasks yet.
	c.participant = newParticipant(conn, log, true)

	for _, name := range []string{
		protocol.WorkComplete, protocol.WorkFail, protocol.WorkException,
		protocol.WorkData, protocol.WorkWarning, protocol.WorkStatus,
	} {
		conn.Subscribe(name, c.handleWorkEvent)
	}
	conn.OnClose(c.handleClose)
	conn.OnError(func(err error) {
		c.mu.Lock()
		fns := append([]func(error){}, c.onErrorFns...)
		c.mu.Unlock()
		for _, f := range fns {
			f(err)
		}
	})
	return c
}

// OnTaskSubmitted registers h to run whenever Submit successfully creates a
// Task.
func (c *Client) OnTaskSubmitted(h func(*Task)) {
	c.mu.Lock()
	c.onTaskSubmitted = append(c.onTaskSubmitted, h)
	c.mu.Unlock()
}

// OnTaskUnknown registers h to run when a work event arrives for a handle
// the Client has no Task for.
func (c *Client) OnTaskUnknown(h func(handle, command string)) {
	c.mu.Lock()
	c.onTaskUnknown = append(c.onTaskUnknown, h)
	c.mu.Unlock()
}

// OnStatus registers h to run on every GetStatus resolution, regardless of
// whether the handle is locally known.
func (c *Client) OnStatus(h func(StatusEvent)) {
	c.mu.Lock()
	c.onStatus = append(c.onStatus, h)
	c.mu.Unlock()
}

// OnOption registers h to run whenever SetOption resolves successfully.
func (c *Client) OnOption(h func(name string)) {
	c.mu.Lock()
	c.onOption = append(c.onOption, h)
	c.mu.Unlock()
}

// OnClose registers h to run once the underlying connection closes.
func (c *Client) OnClose(h func()) {
	c.mu.Lock()
	c.onCloseFns = append(c.onCloseFns, h)
	c.mu.Unlock()
}

// OnError registers h to run on every error the connection reports (each
// server ERROR command, including one that also rejected a pending call, and
// the error that closed the connection unless it was a local close), and on
// a recovered panic from a task event handler.
func (c *Client) OnError(h func(error)) {
	c.mu.Lock()
	c.onErrorFns = append(c.onErrorFns, h)
	c.mu.Unlock()
}

// Disconnect closes the underlying connection.
func (c *Client) Disconnect() error {
	return c.conn.Close()
}

// Ping verifies the connection is alive by round-tripping a random payload
// through ECHO_REQ/ECHO_RES.
func (c *Client) Ping() error {
	payload := uuid.New().String()
	return c.participant.ping([]byte(payload))
}

func submitTypeName(priority Priority, background bool) string {
	switch {
	case priority == PriorityHigh && background:
		return protocol.SubmitJobHighBG
	case priority == PriorityHigh:
		return protocol.SubmitJobHigh
	case priority == PriorityLow && background:
		return protocol.SubmitJobLowBG
	case priority == PriorityLow:
		return protocol.SubmitJobLow
	case background:
		return protocol.SubmitJobBG
	default:
		return protocol.SubmitJob
	}
}

// Submit submits a foreground job and blocks until the server has assigned
// it a handle (spec §4.5). If uniqueID is empty, a random UUIDv4 is
// generated. A duplicate (function, uniqueID) pair already in flight on
// this Client is rejected synchronously, before any bytes are sent
// (invariant I2, scenario "duplicate unique").
func (c *Client) Submit(function string, workload []byte, priority Priority, uniqueID string) (*Task, error) {
	if uniqueID == "" {
		uniqueID = uuid.New().String()
	}
	key := uniqueKey{function: function, uniqueID: uniqueID}

	// Reserve the key at check time, not once JOB_CREATED arrives: two
	// concurrent Submit calls for the same key must not both pass the
	// check before either's blocking action resolves (invariant I2).
	c.mu.Lock()
	if c.uniqueTasks[key] {
		c.mu.Unlock()
		return nil, &DuplicateJobError{Function: function, UniqueID: uniqueID}
	}
	c.uniqueTasks[key] = true
	c.mu.Unlock()

	req, err := protocol.New(submitTypeName(priority, false), protocol.MagicRequest, map[string]string{
		"function_name": function,
		"id":            uniqueID,
	}, workload)
	if err != nil {
		c.unreserve(key)
		return nil, err
	}

	val, err := c.blockingAction(req, []string{protocol.JobCreated}, func(_, res *protocol.Command) (any, error) {
		return string(res.Data), nil
	})
	if err != nil {
		c.unreserve(key)
		return nil, err
	}
	handle := val.(string)

	task := &Task{Function: function, Workload: workload, Handle: handle, Priority: priority, UniqueID: uniqueID}

	c.mu.Lock()
	c.tasks[handle] = task
	fns := append([]func(*Task){}, c.onTaskSubmitted...)
	tasksEmpty := len(c.tasks) == 0
	c.mu.Unlock()
	c.participant.setIdle(tasksEmpty)

	for _, f := range fns {
		f(task)
	}
	return task, nil
}

// unreserve rolls back the uniqueTasks reservation Submit made at check
// time, for a submit that never produced a live task.
func (c *Client) unreserve(key uniqueKey) {
	c.mu.Lock()
	delete(c.uniqueTasks, key)
	c.mu.Unlock()
}

// SubmitBackground submits a background (fire-and-forget) job. The returned
// Task carries the server-assigned handle but is never inserted into the
// Client's task map: no work events will ever be delivered for it, and it
// never holds the backpressure gate open (invariant I6). Uniqueness is not
// enforced locally for background submits; the server's own uniqueness
// policy (if any) applies.
func (c *Client) SubmitBackground(function string, workload []byte, priority Priority, uniqueID string) (*Task, error) {
	if uniqueID == "" {
		uniqueID = uuid.New().String()
	}

	req, err := protocol.New(submitTypeName(priority, true), protocol.MagicRequest, map[string]string{
		"function_name": function,
		"id":            uniqueID,
	}, workload)
	if err != nil {
		return nil, err
	}

	val, err := c.blockingAction(req, []string{protocol.JobCreated}, func(_, res *protocol.Command) (any, error) {
		return string(res.Data), nil
	})
	if err != nil {
		return nil, err
	}

	return &Task{Function: function, Workload: workload, Handle: val.(string), Priority: priority, UniqueID: uniqueID}, nil
}

// SubmitScheduled submits a SUBMIT_JOB_SCHED job: like SubmitBackground, but
// the server runs it at the minute, hour, day of month, month and day of
// week taken from at, rather than immediately. The server sends no JOB_CREATED for it, so the call is
// fire-and-forget.
func (c *Client) SubmitScheduled(function string, workload []byte, at time.Time, uniqueID string) error {
	if uniqueID == "" {
		uniqueID = uuid.New().String()
	}

	weekday := int(at.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	weekday--

	req, err := protocol.New(protocol.SubmitJobSched, protocol.MagicRequest, map[string]string{
		"function_name": function,
		"id":            uniqueID,
		"minute":        fmt.Sprintf("%d", at.Minute()),
		"hour":          fmt.Sprintf("%d", at.Hour()),
		"day_of_month":  fmt.Sprintf("%d", at.Day()),
		"month":         fmt.Sprintf("%d", int(at.Month())),
		"day_of_week":   fmt.Sprintf("%d", weekday),
	}, workload)
	if err != nil {
		return err
	}
	return c.conn.Send(req)
}

// SetOption sets a connection-scoped option. Only "exceptions" is recognized
// by the protocol core.
func (c *Client) SetOption(option string) error {
	if option != "exceptions" {
		return &UnsupportedOptionError{Option: option}
	}

	req, err := protocol.New(protocol.OptionReq, protocol.MagicRequest, nil, []byte(option))
	if err != nil {
		return err
	}

	_, err = c.blockingAction(req, []string{protocol.OptionRes}, func(req, res *protocol.Command) (any, error) {
		if string(res.Data) != string(req.Data) {
			return nil, &ProtocolError{Reason: "OPTION_RES option name did not match OPTION_REQ"}
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	fns := append([]func(string){}, c.onOption...)
	c.mu.Unlock()
	for _, f := range fns {
		f(option)
	}
	return nil
}

// GetStatus queries the server for the status of a job handle. If the
// handle is locally known, the result is also emitted as a status event on
// that Task.
func (c *Client) GetStatus(handle string) (StatusEvent, error) {
	req, err := protocol.New(protocol.GetStatus, protocol.MagicRequest, nil, []byte(handle))
	if err != nil {
		return StatusEvent{}, err
	}

	val, err := c.blockingAction(req, []string{protocol.StatusRes}, func(req, res *protocol.Command) (any, error) {
		if res.Arg("handle") != string(req.Data) {
			return nil, &ProtocolError{Reason: "STATUS_RES handle did not match GET_STATUS"}
		}
		return parseStatus(res), nil
	})
	if err != nil {
		return StatusEvent{}, err
	}
	ev := val.(StatusEvent)

	c.mu.Lock()
	task := c.tasks[ev.Handle]
	fns := append([]func(StatusEvent){}, c.onStatus...)
	c.mu.Unlock()

	if task != nil {
		task.emitStatus(ev)
	}
	for _, f := range fns {
		f(ev)
	}
	return ev, nil
}

func parseStatus(res *protocol.Command) StatusEvent {
	var num, denom int
	fmt.Sscanf(res.Arg("numerator"), "%d", &num)
	fmt.Sscanf(string(res.Data), "%d", &denom)
	return StatusEvent{
		Handle:      res.Arg("handle"),
		Known:       res.Arg("known") == "1",
		Running:     res.Arg("running") == "1",
		Numerator:   num,
		Denominator: denom,
	}
}

// Cancel removes all listeners from task and finalizes it locally. The wire
// protocol has no cancel message for foreground jobs; the server is not
// notified (see spec §9 open questions).
func (c *Client) Cancel(task *Task) {
	task.clearListeners()
	c.setTaskDone(task)
}

// Wait resolves once the Client has no pending blocking actions and no live
// tasks (the same condition that pauses the connection's read side).
func (c *Client) Wait() {
	c.mu.Lock()
	if !c.hasWorkLocked() {
		c.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()
	<-ch
}

// hasWorkLocked must be called with c.mu held; it reads c.tasks directly and
// asks the participant only about blocking-action count (pendingActionsOnly
// only ever acquires p.mu, never c.mu, so this is safe to call with c.mu
// held).
func (c *Client) hasWorkLocked() bool {
	return len(c.tasks) > 0 || c.participant.pendingActionsOnly()
}

func (c *Client) handleWorkEvent(cmd *protocol.Command) {
	handle := cmd.Arg("handle")
	if cmd.Type.Name == protocol.WorkFail {
		// WORK_FAIL's only field, the handle, is its data field.
		handle = string(cmd.Data)
	}

	c.mu.Lock()
	task := c.tasks[handle]
	c.mu.Unlock()

	if task == nil {
		c.mu.Lock()
		fns := append([]func(string, string){}, c.onTaskUnknown...)
		c.mu.Unlock()
		for _, f := range fns {
			f(handle, cmd.Type.Name)
		}
		return
	}

	switch cmd.Type.Name {
	case protocol.WorkComplete:
		c.safeEmit(func() { task.emitComplete(cmd.Data) })
		c.setTaskDone(task)
	case protocol.WorkFail:
		c.safeEmit(task.emitFailure)
		c.setTaskDone(task)
	case protocol.WorkException:
		c.safeEmit(func() { task.emitException(cmd.Data) })
		c.setTaskDone(task)
	case protocol.WorkData:
		c.safeEmit(func() { task.emitData(cmd.Data) })
	case protocol.WorkWarning:
		c.safeEmit(func() { task.emitWarning(cmd.Data) })
	case protocol.WorkStatus:
		var num, denom int
		fmt.Sscanf(cmd.Arg("numerator"), "%d", &num)
		fmt.Sscanf(string(cmd.Data), "%d", &denom)
		ev := StatusEvent{Handle: handle, Known: true, Running: true, Numerator: num, Denominator: denom}
		c.safeEmit(func() { task.emitStatus(ev) })
	}
}

// safeEmit runs f, which invokes zero or more user-registered handlers, and
// recovers a panic from any of them: a handler's bug must not corrupt
// Client/Task state or take down the Connection's reader goroutine. The
// panic is logged and surfaced as a Client error event instead.
func (c *Client) safeEmit(f func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("gearman: task event handler panicked: %v", r)
			c.log.Error("recovered panic in task event handler", zap.Error(err))
			c.mu.Lock()
			fns := append([]func(error){}, c.onErrorFns...)
			c.mu.Unlock()
			for _, fn := range fns {
				fn(err)
			}
		}
	}()
	f()
}

// setTaskDone removes task from the task map and its uniqueness
// registration, re-evaluates the gate, and wakes any waiters if the Client
// is now fully idle (spec §4.5 "setTaskDone").
func (c *Client) setTaskDone(task *Task) {
	if !task.markDone() {
		return
	}

	c.mu.Lock()
	delete(c.tasks, task.Handle)
	if task.UniqueID != "" {
		delete(c.uniqueTasks, uniqueKey{function: task.Function, uniqueID: task.UniqueID})
	}
	tasksEmpty := len(c.tasks) == 0
	idle := tasksEmpty && !c.participant.pendingActionsOnly()
	var waiters []chan struct{}
	if idle {
		waiters = c.waiters
		c.waiters = nil
	}
	c.mu.Unlock()

	c.participant.setIdle(tasksEmpty)
	for _, w := range waiters {
		close(w)
	}
}

// handleClose runs on connection loss: every surviving task receives a
// final "Lost connection" exception, then is finalized; all waiters are
// released (invariant I5). This runs after participant.handleClose (it
// subscribes second, in newClient), so by the time it runs any blocking
// action's pending count has already been zeroed — a Wait() call parked
// only on a pending action (no live tasks at all, e.g. an in-flight Submit
// awaiting JOB_CREATED) would otherwise never be drained, since the tasks
// loop below has nothing to iterate for it.
func (c *Client) handleClose() {
	c.mu.Lock()
	tasks := make([]*Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		tasks = append(tasks, t)
	}
	fns := append([]func(){}, c.onCloseFns...)
	c.mu.Unlock()

	for _, t := range tasks {
		t.emitException([]byte("Lost connection"))
		c.setTaskDone(t)
	}

	c.mu.Lock()
	var waiters []chan struct{}
	if !c.hasWorkLocked() {
		waiters = c.waiters
		c.waiters = nil
	}
	c.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}

	for _, f := range fns {
		f()
	}
}
