package gearman

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bzikarsky/gearman-go/internal/protocol"
)

func TestClientSubmitAndWork(t *testing.T) {
	conn, fs := newFakeServerPair(t)
	client := newClient(conn, zap.NewNop())

	type submitResult struct {
		task *Task
		err  error
	}
	resultCh := make(chan submitResult, 1)
	go func() {
		task, err := client.Submit("reverse", []byte("hello"), PriorityNormal, "")
		resultCh <- submitResult{task, err}
	}()

	req := fs.recv()
	if req.Type.Name != protocol.SubmitJob {
		t.Fatalf("expected SUBMIT_JOB, got %s", req.Type.Name)
	}
	if req.Arg("function_name") != "reverse" {
		t.Fatalf("unexpected function_name: %q", req.Arg("function_name"))
	}
	fs.send(protocol.JobCreated, nil, []byte("handle.1"))

	res := <-resultCh
	if res.err != nil {
		t.Fatalf("Submit returned error: %v", res.err)
	}
	if res.task.Handle != "handle.1" {
		t.Fatalf("expected handle.1, got %s", res.task.Handle)
	}

	done := make(chan []byte, 1)
	res.task.OnComplete(func(data []byte) { done <- data })

	fs.send(protocol.WorkComplete, map[string]string{"handle": "handle.1"}, []byte("olleh"))

	select {
	case data := <-done:
		if string(data) != "olleh" {
			t.Fatalf("expected olleh, got %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion event")
	}

	client.Wait()
}

func TestClientSubmitDuplicateUniqueRejectedLocally(t *testing.T) {
	conn, fs := newFakeServerPair(t)
	client := newClient(conn, zap.NewNop())

	resultCh := make(chan error, 1)
	go func() {
		_, err := client.Submit("reverse", []byte("x"), PriorityNormal, "dup-1")
		resultCh <- err
	}()

	fs.recv()
	fs.send(protocol.JobCreated, nil, []byte("handle.dup"))
	if err := <-resultCh; err != nil {
		t.Fatalf("first submit failed: %v", err)
	}

	_, err := client.Submit("reverse", []byte("y"), PriorityNormal, "dup-1")
	if err == nil {
		t.Fatal("expected duplicate job error, got nil")
	}
	if _, ok := err.(*DuplicateJobError); !ok {
		t.Fatalf("expected *DuplicateJobError, got %T: %v", err, err)
	}
}

func TestClientSubmitPriorityWireType(t *testing.T) {
	cases := []struct {
		priority   Priority
		background bool
		want       string
	}{
		{PriorityNormal, false, protocol.SubmitJob},
		{PriorityHigh, false, protocol.SubmitJobHigh},
		{PriorityLow, false, protocol.SubmitJobLow},
		{PriorityNormal, true, protocol.SubmitJobBG},
		{PriorityHigh, true, protocol.SubmitJobHighBG},
		{PriorityLow, true, protocol.SubmitJobLowBG},
	}
	for _, c := range cases {
		got := submitTypeName(c.priority, c.background)
		if got != c.want {
			t.Errorf("submitTypeName(%v, %v) = %s, want %s", c.priority, c.background, got, c.want)
		}
	}
}

func TestClientSubmitBackgroundNeverBlocksGate(t *testing.T) {
	conn, fs := newFakeServerPair(t)
	client := newClient(conn, zap.NewNop())

	resultCh := make(chan error, 1)
	go func() {
		_, err := client.SubmitBackground("reverse", []byte("x"), PriorityNormal, "")
		resultCh <- err
	}()

	req := fs.recv()
	if req.Type.Name != protocol.SubmitJobBG {
		t.Fatalf("expected SUBMIT_JOB_BG, got %s", req.Type.Name)
	}
	fs.send(protocol.JobCreated, nil, []byte("handle.bg"))
	if err := <-resultCh; err != nil {
		t.Fatalf("SubmitBackground failed: %v", err)
	}

	// A background task is never tracked, so the client is immediately idle
	// and Wait returns without any further server interaction.
	waitDone := make(chan struct{})
	go func() {
		client.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return for a client with only a background submit")
	}
}

func TestClientSetOptionRejectsUnknown(t *testing.T) {
	conn, _ := newFakeServerPair(t)
	client := newClient(conn, zap.NewNop())

	err := client.SetOption("not-a-real-option")
	if err == nil {
		t.Fatal("expected UnsupportedOptionError")
	}
	if _, ok := err.(*UnsupportedOptionError); !ok {
		t.Fatalf("expected *UnsupportedOptionError, got %T", err)
	}
}

func TestClientGetStatus(t *testing.T) {
	conn, fs := newFakeServerPair(t)
	client := newClient(conn, zap.NewNop())

	resultCh := make(chan struct {
		ev  StatusEvent
		err error
	}, 1)
	go func() {
		ev, err := client.GetStatus("handle.1")
		resultCh <- struct {
			ev  StatusEvent
			err error
		}{ev, err}
	}()

	req := fs.recv()
	if req.Type.Name != protocol.GetStatus || string(req.Data) != "handle.1" {
		t.Fatalf("unexpected GET_STATUS request: %+v", req)
	}
	fs.send(protocol.StatusRes, map[string]string{
		"handle": "handle.1", "known": "1", "running": "1", "numerator": "3",
	}, []byte("10"))

	res := <-resultCh
	if res.err != nil {
		t.Fatalf("GetStatus failed: %v", res.err)
	}
	if res.ev.Numerator != 3 || res.ev.Denominator != 10 || !res.ev.Known || !res.ev.Running {
		t.Fatalf("unexpected status event: %+v", res.ev)
	}
}

func TestClientHandlerPanicDoesNotCorruptState(t *testing.T) {
	conn, fs := newFakeServerPair(t)
	client := newClient(conn, zap.NewNop())

	errCh := make(chan error, 1)
	client.OnError(func(err error) { errCh <- err })

	resultCh := make(chan *Task, 1)
	go func() {
		task, err := client.Submit("reverse", []byte("x"), PriorityNormal, "")
		if err != nil {
			t.Errorf("submit failed: %v", err)
		}
		resultCh <- task
	}()
	fs.recv()
	fs.send(protocol.JobCreated, nil, []byte("handle.1"))
	task := <-resultCh

	task.OnComplete(func([]byte) { panic("boom") })

	fs.send(protocol.WorkComplete, map[string]string{"handle": "handle.1"}, []byte("done"))

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected a non-nil error from the panicking handler")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recovered-panic error event")
	}

	// The task must still have been finalized despite the panic.
	client.Wait()
}

func TestClientHandleCloseFailsLiveTasks(t *testing.T) {
	conn, fs := newFakeServerPair(t)
	client := newClient(conn, zap.NewNop())

	resultCh := make(chan *Task, 1)
	go func() {
		task, err := client.Submit("reverse", []byte("x"), PriorityNormal, "")
		if err != nil {
			t.Errorf("submit failed: %v", err)
		}
		resultCh <- task
	}()
	fs.recv()
	fs.send(protocol.JobCreated, nil, []byte("handle.1"))
	task := <-resultCh

	exCh := make(chan []byte, 1)
	task.OnException(func(data []byte) { exCh <- data })

	conn.Close()

	select {
	case data := <-exCh:
		if string(data) != "Lost connection" {
			t.Fatalf("unexpected exception payload: %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lost-connection exception")
	}
}
