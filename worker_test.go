package gearman

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bzikarsky/gearman-go/internal/protocol"
)

func TestWorkerRegisterSendsCanDo(t *testing.T) {
	conn, fs := newFakeServerPair(t)
	worker := newWorker(conn, zap.NewNop())

	errCh := make(chan error, 1)
	go func() { errCh <- worker.Register("reverse", func(*Job) {}) }()

	cmd := fs.recv()
	if cmd.Type.Name != protocol.CanDo || string(cmd.Data) != "reverse" {
		t.Fatalf("unexpected CAN_DO frame: %+v", cmd)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Register failed: %v", err)
	}
}

func TestWorkerServeGrabsAssignedJobAndCompletes(t *testing.T) {
	conn, fs := newFakeServerPair(t)
	worker := newWorker(conn, zap.NewNop())

	executed := make(chan string, 1)
	regErr := make(chan error, 1)
	go func() {
		regErr <- worker.Register("reverse", func(job *Job) {
			executed <- string(job.Workload)
			job.Complete([]byte("reversed"))
		})
	}()
	fs.recv() // CAN_DO
	if err := <-regErr; err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- worker.Serve(ctx) }()

	grab := fs.recv()
	if grab.Type.Name != protocol.GrabJobUniq {
		t.Fatalf("expected GRAB_JOB_UNIQ, got %s", grab.Type.Name)
	}
	fs.send(protocol.JobAssignUniq, map[string]string{
		"handle": "handle.1", "function_name": "reverse", "id": "uniq-1",
	}, []byte("hello"))

	select {
	case payload := <-executed:
		if payload != "hello" {
			t.Fatalf("unexpected job payload: %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job execution")
	}

	// Cancel while the handler's WORK_COMPLETE is still unread, so Serve
	// sees the cancellation before it sends the next GRAB_JOB_UNIQ.
	cancel()

	complete := fs.recv()
	if complete.Type.Name != protocol.WorkComplete || complete.Arg("handle") != "handle.1" || string(complete.Data) != "reversed" {
		t.Fatalf("unexpected WORK_COMPLETE frame: %+v", complete)
	}

	select {
	case err := <-serveErr:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestWorkerServeSleepsOnNoJobThenWakesOnNoop(t *testing.T) {
	conn, fs := newFakeServerPair(t)
	worker := newWorker(conn, zap.NewNop())
	regErr := make(chan error, 1)
	go func() { regErr <- worker.Register("reverse", func(job *Job) { job.Complete(nil) }) }()
	fs.recv() // CAN_DO
	if err := <-regErr; err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Serve(ctx)

	grab := fs.recv()
	if grab.Type.Name != protocol.GrabJobUniq {
		t.Fatalf("expected GRAB_JOB_UNIQ, got %s", grab.Type.Name)
	}
	fs.send(protocol.NoJob, nil, nil)

	sleep := fs.recv()
	if sleep.Type.Name != protocol.PreSleep {
		t.Fatalf("expected PRE_SLEEP, got %s", sleep.Type.Name)
	}
	fs.send(protocol.Noop, nil, nil)

	regrab := fs.recv()
	if regrab.Type.Name != protocol.GrabJobUniq {
		t.Fatalf("expected a second GRAB_JOB_UNIQ after NOOP, got %s", regrab.Type.Name)
	}
}

func TestWorkerExecuteFailsUnregisteredFunction(t *testing.T) {
	conn, fs := newFakeServerPair(t)
	worker := newWorker(conn, zap.NewNop())

	job := newJob(conn, "handle.1", "unknown-fn", "", []byte("x"))
	go worker.execute(job)

	cmd := fs.recv()
	if cmd.Type.Name != protocol.WorkFail || string(cmd.Data) != "handle.1" {
		t.Fatalf("expected WORK_FAIL for handle.1, got %+v", cmd)
	}
}

func TestWorkerExecuteFailsHandlerThatForgotToFinalize(t *testing.T) {
	conn, fs := newFakeServerPair(t)
	worker := newWorker(conn, zap.NewNop())

	regErr := make(chan error, 1)
	go func() { regErr <- worker.Register("noop-handler", func(*Job) {}) }()
	fs.recv() // CAN_DO
	if err := <-regErr; err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	job := newJob(conn, "handle.2", "noop-handler", "", nil)
	go worker.execute(job)

	cmd := fs.recv()
	if cmd.Type.Name != protocol.WorkFail || string(cmd.Data) != "handle.2" {
		t.Fatalf("expected safety-net WORK_FAIL for handle.2, got %+v", cmd)
	}
}
