package adapter

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingAdapter struct {
	mu      sync.Mutex
	updates []TaskUpdate
	reqs    []ApprovalRequest
	done    chan struct{}
}

func newRecordingAdapter() *recordingAdapter {
	return &recordingAdapter{done: make(chan struct{}, 10)}
}

func (r *recordingAdapter) SendTaskUpdate(_ context.Context, u TaskUpdate) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *recordingAdapter) RequestApproval(_ context.Context, req ApprovalRequest) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	r.done <- struct{}{}
}

func waitForCallback(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched callback")
	}
}

func TestDispatchTaskUpdateReachesRegisteredAdapter(t *testing.T) {
	reg := New(nil)
	a := newRecordingAdapter()
	reg.Register("web", a)

	reg.DispatchTaskUpdate(context.Background(), "web", TaskUpdate{TaskID: "t1", Status: "done"})
	waitForCallback(t, a.done)

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.updates) != 1 || a.updates[0].TaskID != "t1" {
		t.Fatalf("updates = %v", a.updates)
	}
}

func TestDispatchApprovalRequestReachesRegisteredAdapter(t *testing.T) {
	reg := New(nil)
	a := newRecordingAdapter()
	reg.Register("web", a)

	reg.DispatchApprovalRequest(context.Background(), "web", ApprovalRequest{ApprovalID: "a1", TaskID: "t1"})
	waitForCallback(t, a.done)

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.reqs) != 1 || a.reqs[0].ApprovalID != "a1" {
		t.Fatalf("reqs = %v", a.reqs)
	}
}

func TestDispatchToUnknownTagDoesNotPanic(t *testing.T) {
	reg := New(nil)
	reg.DispatchTaskUpdate(context.Background(), "missing", TaskUpdate{TaskID: "t1"})
	reg.DispatchApprovalRequest(context.Background(), "missing", ApprovalRequest{ApprovalID: "a1"})
}

type panickingAdapter struct{ done chan struct{} }

func (p *panickingAdapter) SendTaskUpdate(context.Context, TaskUpdate) {
	defer close(p.done)
	panic("boom")
}
func (p *panickingAdapter) RequestApproval(context.Context, ApprovalRequest) {}

func TestDispatchRecoversFromPanickingAdapter(t *testing.T) {
	reg := New(nil)
	p := &panickingAdapter{done: make(chan struct{})}
	reg.Register("flaky", p)

	reg.DispatchTaskUpdate(context.Background(), "flaky", TaskUpdate{TaskID: "t1"})
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatal("panicking adapter callback never ran")
	}
	// If the panic propagated past safeCall, the test binary itself would
	// have crashed before reaching this line.
}

func TestUnregisterRemovesAdapter(t *testing.T) {
	reg := New(nil)
	a := newRecordingAdapter()
	reg.Register("web", a)
	reg.Unregister("web")

	if _, ok := reg.lookup("web"); ok {
		t.Fatal("expected adapter to be removed")
	}
}
