package gearman

import (
	"sync"

	"go.uber.org/zap"

	"github.com/bzikarsky/gearman-go/internal/protocol"
)

// blockingEntry is one in-flight request/response RPC: the request that was
// sent, the set of response command names that can satisfy it, and the
// combiner that turns (request, response) into the value handed back to the
// caller.
type blockingEntry struct {
	req      *protocol.Command
	expected map[string]bool
	combine  func(req, res *protocol.Command) (any, error)
	reply    chan blockingResult
}

type blockingResult struct {
	val any
	err error
}

// responseNames is every command name that can ever satisfy a blocking
// action across Client and Worker. Participant subscribes to all of them up
// front; only the ones relevant to a given call will ever actually be the
// head of a non-empty queue.
var responseNames = []string{
	protocol.JobCreated,
	protocol.StatusRes,
	protocol.EchoRes,
	protocol.OptionRes,
	protocol.JobAssign,
	protocol.JobAssignUniq,
	protocol.NoJob,
	protocol.Noop,
}

// participant is the shared base embedded by Client and Worker: it
// implements the blocking-action RPC pattern and the backpressure gate
// described in spec §4.4 and invariant I1/I4.
type participant struct {
	conn *Connection
	log  *zap.Logger

	mu      sync.Mutex
	pending int // pendingBlockingActions
	queue   []*blockingEntry
	closed  bool

	// idle reports whether the embedding participant currently has no
	// participant-specific pending work (e.g. a Client's tasks map being
	// empty). It is maintained by the embedder via setIdle, never by a
	// callback into the embedder's own lock: recomputeGateLocked runs with
	// p.mu held, and a callback re-entering the embedder's mutex from there
	// would invert lock order against call paths (Wait, setTaskDone) that
	// take the embedder's mutex first and p.mu second. A Worker, which
	// always wants to keep reading, simply never calls setIdle(true).
	idle bool
}

func newParticipant(conn *Connection, log *zap.Logger, initialIdle bool) *participant {
	p := &participant{conn: conn, log: log, idle: initialIdle}
	for _, name := range responseNames {
		conn.Subscribe(name, p.handleResponse)
	}
	conn.Subscribe(protocol.Error, p.handleError)
	conn.OnClose(p.handleClose)
	return p
}

// setIdle updates whether the embedder currently has participant-specific
// pending work and recomputes the gate. It only ever acquires p.mu, so
// callers may call it with or without their own lock held — unlike the
// callback it replaces, it never risks a lock-order inversion.
func (p *participant) setIdle(idle bool) {
	p.mu.Lock()
	p.idle = idle
	p.recomputeGateLocked()
	p.mu.Unlock()
}

// blockingAction sends req and blocks the calling goroutine until a command
// matching one of the names in expected is dispatched, combining it with req
// via combine. It implements spec §4.4 steps 1-6.
func (p *participant) blockingAction(req *protocol.Command, expected []string, combine func(req, res *protocol.Command) (any, error)) (any, error) {
	set := make(map[string]bool, len(expected))
	for _, n := range expected {
		set[n] = true
	}
	entry := &blockingEntry{req: req, expected: set, combine: combine, reply: make(chan blockingResult, 1)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	p.pending++
	p.queue = append(p.queue, entry)
	p.recomputeGateLocked()
	p.mu.Unlock()

	if err := p.conn.Send(req); err != nil {
		p.removeEntry(entry, err)
		return nil, err
	}

	res := <-entry.reply
	return res.val, res.err
}

// removeEntry is used when a blocking action fails before any response could
// possibly arrive for it (e.g. the send itself failed).
func (p *participant) removeEntry(entry *blockingEntry, err error) {
	p.mu.Lock()
	for i, e := range p.queue {
		if e == entry {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			p.pending--
			break
		}
	}
	p.recomputeGateLocked()
	p.mu.Unlock()
	select {
	case entry.reply <- blockingResult{err: err}:
	default:
	}
}

// handleResponse is the Connection subscription invoked for every candidate
// response command name. Per invariant I4/spec step 4, it always resolves
// the FIFO head; a response that does not match the head's expected set is a
// protocol error.
func (p *participant) handleResponse(cmd *protocol.Command) {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		// Not every response name is necessarily tied to a blocking action
		// for every embedder (e.g. a Worker's JOB_ASSIGN always follows a
		// GRAB_JOB, but a stray one with no outstanding grab is a protocol
		// violation).
		p.conn.fail(&ProtocolError{Reason: "received " + cmd.Type.Name + " with no outstanding request"})
		return
	}
	head := p.queue[0]
	if !head.expected[cmd.Type.Name] {
		p.mu.Unlock()
		p.conn.fail(&ProtocolError{Reason: "expected one of the outstanding request's response types, got " + cmd.Type.Name})
		return
	}
	p.queue = p.queue[1:]
	p.pending--
	p.recomputeGateLocked()
	p.mu.Unlock()

	val, err := head.combine(head.req, cmd)
	if _, ok := err.(*ProtocolError); ok {
		p.conn.fail(err)
	}
	head.reply <- blockingResult{val: val, err: err}
}

func (p *participant) handleError(cmd *protocol.Command) {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return // Connection.dispatch already emits the general error event.
	}
	head := p.queue[0]
	p.queue = p.queue[1:]
	p.pending--
	p.recomputeGateLocked()
	p.mu.Unlock()

	head.reply <- blockingResult{err: &ServerError{Code: cmd.Arg("error_code"), Text: string(cmd.Data)}}
}

func (p *participant) handleClose() {
	p.mu.Lock()
	p.closed = true
	queue := p.queue
	p.queue = nil
	p.pending = 0
	p.mu.Unlock()

	for _, e := range queue {
		e.reply <- blockingResult{err: ErrConnectionClosed}
	}
}

// recomputeGateLocked must be called with p.mu held; it implements
// invariant I1 by resuming the connection whenever there is pending
// blocking-action or participant-specific work, and pausing it otherwise.
func (p *participant) recomputeGateLocked() {
	if p.pending > 0 || !p.idle {
		p.conn.Resume()
	} else {
		p.conn.Pause()
	}
}

func (p *participant) hasPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending > 0 || !p.idle
}

// pendingActionsOnly reports whether there are outstanding blocking actions,
// ignoring idle. Used by callers that only care about RPC-queue occupancy,
// such as Client.hasWorkLocked, which tracks its own tasks map separately.
func (p *participant) pendingActionsOnly() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending > 0
}

// ping implements spec §4.4's ping() as a blocking action on ECHO_REQ.
func (p *participant) ping(payload []byte) error {
	req, err := protocol.New(protocol.EchoReq, protocol.MagicRequest, nil, payload)
	if err != nil {
		return err
	}
	_, err = p.blockingAction(req, []string{protocol.EchoRes}, func(req, res *protocol.Command) (any, error) {
		if string(res.Data) != string(req.Data) {
			return nil, &ProtocolError{Reason: "ECHO_RES data did not match ECHO_REQ"}
		}
		return nil, nil
	})
	return err
}
