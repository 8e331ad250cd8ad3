package gearman

import (
	"testing"

	"github.com/bzikarsky/gearman-go/internal/protocol"
)

func TestJobCompleteSendsWorkComplete(t *testing.T) {
	conn, fs := newFakeServerPair(t)
	conn.Resume()
	job := newJob(conn, "handle.1", "reverse", "", []byte("hello"))

	errCh := make(chan error, 1)
	go func() { errCh <- job.Complete([]byte("olleh")) }()

	cmd := fs.recv()
	if cmd.Type.Name != protocol.WorkComplete || cmd.Arg("handle") != "handle.1" || string(cmd.Data) != "olleh" {
		t.Fatalf("unexpected WORK_COMPLETE frame: %+v", cmd)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
}

func TestJobOperationsAfterTerminalStateFail(t *testing.T) {
	conn, fs := newFakeServerPair(t)
	conn.Resume()
	job := newJob(conn, "handle.1", "reverse", "", nil)

	go job.Fail()
	cmd := fs.recv()
	if cmd.Type.Name != protocol.WorkFail {
		t.Fatalf("expected WORK_FAIL, got %s", cmd.Type.Name)
	}

	if err := job.Complete([]byte("too late")); err != ErrInvalidJobState {
		t.Fatalf("expected ErrInvalidJobState, got %v", err)
	}
	if err := job.SendStatus(1, 2); err != ErrInvalidJobState {
		t.Fatalf("expected ErrInvalidJobState from SendStatus, got %v", err)
	}
}

func TestJobSendStatusEncodesNumeratorAndDenominator(t *testing.T) {
	conn, fs := newFakeServerPair(t)
	conn.Resume()
	job := newJob(conn, "handle.1", "reverse", "", nil)

	go job.SendStatus(3, 10)
	cmd := fs.recv()
	if cmd.Type.Name != protocol.WorkStatus || cmd.Arg("numerator") != "3" || string(cmd.Data) != "10" {
		t.Fatalf("unexpected WORK_STATUS frame: %+v", cmd)
	}
}
