package gearman

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/bzikarsky/gearman-go/internal/protocol"
)

// Handler receives a decoded command dispatched by name.
type Handler func(cmd *protocol.Command)

// Connection owns one TCP byte stream and the framing codec over it. It
// dispatches decoded commands to subscribers by command name, serializes
// writes, and exposes the pause/resume backpressure gate described in
// spec §4.3: the reader never starts decoding the next frame while paused,
// so a paused Connection stops consuming bytes from the socket entirely.
//
// All public methods are safe for concurrent use; a single background
// goroutine (started by Dial) performs all reads and dispatch.
type Connection struct {
	conn net.Conn
	log  *zap.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	cond     *sync.Cond
	handlers map[string][]Handler
	errorFns []func(error)
	closeFns []func()
	paused   bool
	closed   bool
	closeErr error
}

// Dial opens a TCP connection to addr and wraps it in a Connection. The
// reader goroutine starts immediately, in the paused state (per invariant
// I1 a fresh connection with no pending work starts paused).
func Dial(ctx context.Context, addr string, log *zap.Logger) (*Connection, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("gearman: dial %s: %w", addr, err)
	}
	return newConnection(conn, log), nil
}

func newConnection(conn net.Conn, log *zap.Logger) *Connection {
	c := &Connection{
		conn:     conn,
		log:      log,
		handlers: make(map[string][]Handler),
		paused:   true,
	}
	c.cond = sync.NewCond(&c.mu)
	go c.readLoop()
	return c
}

// Subscribe registers h to run for every decoded command named name, in
// registration order. Handlers run on the Connection's single reader
// goroutine and must not block.
func (c *Connection) Subscribe(name string, h Handler) {
	c.mu.Lock()
	c.handlers[name] = append(c.handlers[name], h)
	c.mu.Unlock()
}

// OnError registers f to run whenever the connection emits a general error
// event: every ERROR command received (including one that also rejected the
// pending request it answers), and the error that closed the connection
// unless it was a local Close.
func (c *Connection) OnError(f func(error)) {
	c.mu.Lock()
	c.errorFns = append(c.errorFns, f)
	c.mu.Unlock()
}

// OnClose registers f to run once, after the connection has closed for any
// reason.
func (c *Connection) OnClose(f func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		f()
		return
	}
	c.closeFns = append(c.closeFns, f)
	c.mu.Unlock()
}

// Send encodes and writes cmd. Writes from multiple goroutines are
// serialized and preserve call order.
func (c *Connection) Send(cmd *protocol.Command) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return ErrConnectionClosed
	}
	if err := protocol.Encode(c.conn, cmd); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// Pause stops the reader goroutine from decoding further frames, once any
// frame currently in flight has been dispatched. This is the backpressure
// gate's mechanism (spec invariant I1).
func (c *Connection) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume allows the reader goroutine to decode the next frame.
func (c *Connection) Resume() {
	c.mu.Lock()
	c.paused = false
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Close closes the underlying socket and runs all registered close handlers.
// Idempotent.
func (c *Connection) Close() error {
	c.fail(ErrConnectionClosed)
	return nil
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fail closes the connection (if not already closed) and records err as the
// reason close handlers observe.
func (c *Connection) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	fns := c.closeFns
	c.closeFns = nil
	c.cond.Broadcast()
	c.mu.Unlock()

	c.conn.Close()
	c.log.Debug("connection closed", zap.Error(err))
	if err != nil && err != ErrConnectionClosed {
		c.emitError(err)
	}
	for _, f := range fns {
		f()
	}
}

func (c *Connection) readLoop() {
	dec := protocol.NewDecoder(c.conn)
	for {
		if !c.waitForResume() {
			return
		}
		cmd, err := dec.Decode()
		if err != nil {
			c.fail(err)
			return
		}
		c.dispatch(cmd)
	}
}

// waitForResume blocks while the gate is paused and the connection is still
// open. It returns false once the connection has closed.
func (c *Connection) waitForResume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.paused && !c.closed {
		c.cond.Wait()
	}
	return !c.closed
}

func (c *Connection) dispatch(cmd *protocol.Command) {
	c.mu.Lock()
	hs := append([]Handler(nil), c.handlers[cmd.Type.Name]...)
	errFns := c.errorFns
	c.mu.Unlock()

	c.log.Debug("dispatch", zap.String("command", cmd.Type.Name))
	for _, h := range hs {
		h(cmd)
	}

	if cmd.Type.Name == protocol.Error {
		serverErr := &ServerError{Code: cmd.Arg("error_code"), Text: string(cmd.Data)}
		for _, f := range errFns {
			f(serverErr)
		}
	}
}

func (c *Connection) emitError(err error) {
	c.mu.Lock()
	fns := c.errorFns
	c.mu.Unlock()
	for _, f := range fns {
		f(err)
	}
}
