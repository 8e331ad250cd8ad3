package gearman

import "testing"

func TestTaskMarkDoneIsOneShot(t *testing.T) {
	task := &Task{Handle: "handle.1"}
	if !task.markDone() {
		t.Fatal("first markDone should succeed")
	}
	if task.markDone() {
		t.Fatal("second markDone should report already-done")
	}
}

func TestTaskClearListenersSuppressesFurtherEvents(t *testing.T) {
	task := &Task{Handle: "handle.1"}
	fired := false
	task.OnComplete(func([]byte) { fired = true })
	task.clearListeners()
	task.emitComplete([]byte("result"))
	if fired {
		t.Fatal("emitComplete ran a handler that should have been cleared")
	}
}

func TestTaskEmitRunsHandlersInRegistrationOrder(t *testing.T) {
	task := &Task{Handle: "handle.1"}
	var order []int
	task.OnComplete(func([]byte) { order = append(order, 1) })
	task.OnComplete(func([]byte) { order = append(order, 2) })
	task.emitComplete(nil)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("unexpected handler order: %v", order)
	}
}
