package gearman

import (
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bzikarsky/gearman-go/internal/protocol"
)

// fakeServer stands in for a live Gearman server for unit tests, using an
// in-memory net.Pipe() instead of a real socket (cinch's handler tests use
// httptest.NewRecorder for the analogous role).
type fakeServer struct {
	t    *testing.T
	conn net.Conn
	dec  *protocol.Decoder
}

func newFakeServerPair(t *testing.T) (*Connection, *fakeServer) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	conn := newConnection(clientSide, zap.NewNop())
	fs := &fakeServer{t: t, conn: serverSide, dec: protocol.NewDecoder(serverSide)}
	t.Cleanup(func() { serverSide.Close() })
	return conn, fs
}

// recv waits for the next command the participant under test sent.
func (f *fakeServer) recv() *protocol.Command {
	f.t.Helper()
	type result struct {
		cmd *protocol.Command
		err error
	}
	ch := make(chan result, 1)
	go func() {
		cmd, err := f.dec.Decode()
		ch <- result{cmd, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			f.t.Fatalf("fakeServer.recv: %v", r.err)
		}
		return r.cmd
	case <-time.After(2 * time.Second):
		f.t.Fatal("fakeServer.recv: timed out")
		return nil
	}
}

// send writes a response command to the participant under test.
func (f *fakeServer) send(name string, args map[string]string, data []byte) {
	f.t.Helper()
	cmd, err := protocol.New(name, protocol.MagicResponse, args, data)
	if err != nil {
		f.t.Fatalf("fakeServer.send: %v", err)
	}
	if err := protocol.Encode(f.conn, cmd); err != nil {
		f.t.Fatalf("fakeServer.send encode: %v", err)
	}
}

// respondJobCreated reads a SUBMIT_JOB* command and replies JOB_CREATED with
// the given handle.
func (f *fakeServer) respondJobCreated(handle string) *protocol.Command {
	cmd := f.recv()
	f.send(protocol.JobCreated, nil, []byte(handle))
	return cmd
}
