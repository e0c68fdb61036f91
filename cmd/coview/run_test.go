package main

import (
	"context"
	"sync"
	"testing"

	"github.com/coview-labs/coview/pkg/broker"
	"github.com/coview-labs/coview/pkg/core"
)

type fakeControl struct {
	mu     sync.Mutex
	active bool
	starts int
	stops  int
}

func (f *fakeControl) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeControl) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active {
		return core.NewStateError(core.CodeAlreadyActive, "already active")
	}
	f.active = true
	f.starts++
	return nil
}

func (f *fakeControl) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return core.NewStateError(core.CodeNotActive, "not active")
	}
	f.active = false
	f.stops++
	return nil
}

func (f *fakeControl) SetMode(bool) {}

func (f *fakeControl) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type silentNotifier struct{}

func (silentNotifier) Note(string, ...any) {}
func (silentNotifier) Fail(error)          {}

func newTestPanel(ctrl *fakeControl) *panelSide {
	return &panelSide{
		ctrl:  ctrl,
		out:   silentNotifier{},
		ctx:   context.Background(),
		self:  "panel-a",
		owned: true,
	}
}

func TestPanelReleasesCaptureWhenOwnershipMoves(t *testing.T) {
	ctrl := &fakeControl{}
	p := newTestPanel(ctrl)

	started, err := p.startIfOwned(context.Background())
	if err != nil || !started {
		t.Fatalf("startIfOwned = (%v, %v), want (true, nil)", started, err)
	}
	if !ctrl.Active() {
		t.Fatal("capture not running after start")
	}

	p.OwnerChanged("panel-b")
	if ctrl.Active() {
		t.Fatal("capture still running after losing ownership")
	}

	// A repeated notification for the same owner must not stop twice.
	p.OwnerChanged("panel-b")
	if _, stops := ctrl.counts(); stops != 1 {
		t.Fatalf("stops = %d, want 1", stops)
	}

	p.OwnerChanged("panel-a")
	if !ctrl.Active() {
		t.Fatal("capture not resumed after regaining ownership")
	}
	if starts, _ := ctrl.counts(); starts != 2 {
		t.Fatalf("starts = %d, want 2", starts)
	}
}

func TestPanelDefersStartWhenNotOwner(t *testing.T) {
	ctrl := &fakeControl{}
	p := newTestPanel(ctrl)

	// Ownership moved away before the session ever started.
	p.OwnerChanged("panel-b")
	started, err := p.startIfOwned(context.Background())
	if err != nil {
		t.Fatalf("startIfOwned: %v", err)
	}
	if started || ctrl.Active() {
		t.Fatal("capture started while another panel owns the session")
	}

	// A session_info snapshot returning ownership resumes capture even if
	// the owner_changed was missed.
	p.SessionInfo(broker.SessionInfo{OwnerPanelID: "panel-a"})
	if !ctrl.Active() {
		t.Fatal("capture not resumed from session_info reconciliation")
	}
}

func TestPanelTreatsEmptyOwnerAsOwn(t *testing.T) {
	ctrl := &fakeControl{}
	p := newTestPanel(ctrl)
	if _, err := p.startIfOwned(context.Background()); err != nil {
		t.Fatalf("startIfOwned: %v", err)
	}

	// No owner at all (sole panel during broker churn) must not tear
	// capture down.
	p.OwnerChanged("")
	if !ctrl.Active() {
		t.Fatal("capture stopped on empty owner")
	}
}
