package doclist

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"docchat/internal/backend"
	"docchat/internal/models"
)

var errTest = errors.New("test error")

func authorized(t *testing.T, m *Manager, userID string, api *fakeAPI) *Controller {
	t.Helper()
	ctrl := m.Controller(context.Background(), userID)
	if err := ctrl.Authorize(context.Background(), "key-"+userID, api); err != nil {
		t.Fatalf("Authorize %s: %v", userID, err)
	}
	return ctrl
}

func TestManagerReusesControllerPerUser(t *testing.T) {
	m := NewManager(ManagerConfig{})
	defer m.Close()

	first := &fakeAPI{lists: []listCall{{docs: []models.Document{doc("d1", models.StatusReady)}}}}
	second := &fakeAPI{lists: []listCall{{docs: []models.Document{doc("d2", models.StatusReady)}}}}

	a := m.Controller(context.Background(), "alice")
	if err := a.Authorize(context.Background(), "k1", first); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	b := m.Controller(context.Background(), "alice")
	if a != b {
		t.Fatalf("expected the same controller for one user")
	}
	if err := b.Authorize(context.Background(), "k2", second); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if snap := b.Snapshot(); !sameIDs(snap.Documents, "d2") {
		t.Fatalf("latest session not used: %v", ids(snap.Documents))
	}

	if other := m.Controller(context.Background(), "bob"); other == a {
		t.Fatalf("users must not share controllers")
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 controllers, got %d", m.Len())
	}

	m.Reset(context.Background(), "alice")
	if m.Get("alice") != nil {
		t.Fatalf("reset did not drop controller")
	}
}

func TestManagerSweepPollsAndEvicts(t *testing.T) {
	m := NewManager(ManagerConfig{IdleTimeout: time.Minute})
	defer m.Close()
	now := time.Now()
	m.now = func() time.Time { return now }

	busy := &fakeAPI{lists: []listCall{
		{docs: []models.Document{doc("d1", models.StatusProcessing)}},
		{docs: []models.Document{doc("d1", models.StatusReady)}},
	}}
	idle := &fakeAPI{lists: []listCall{{docs: []models.Document{doc("d9", models.StatusReady)}}}}

	busyCtrl := authorized(t, m, "busy", busy)
	authorized(t, m, "idle", idle)

	now = now.Add(30 * time.Second)
	busyCtrl.touch()
	now = now.Add(45 * time.Second)
	m.sweep(context.Background())

	if m.Get("idle") != nil {
		t.Fatalf("idle controller should be evicted")
	}
	if m.Get("busy") == nil {
		t.Fatalf("recently used controller evicted")
	}
	if got := busyCtrl.Snapshot().Documents[0].DocStatus; got != models.StatusReady {
		t.Fatalf("in-progress list not polled, status %s", got)
	}
	if idle.listCount != 1 {
		t.Fatalf("settled list should not be polled, calls=%d", idle.listCount)
	}
}

func TestManagerSweepKeepsWatchedController(t *testing.T) {
	m := NewManager(ManagerConfig{IdleTimeout: time.Minute})
	defer m.Close()
	now := time.Now()
	m.now = func() time.Time { return now }

	ctrl := authorized(t, m, "viewer", &fakeAPI{lists: []listCall{{docs: []models.Document{doc("d1", models.StatusReady)}}}})
	release := ctrl.Watch()
	now = now.Add(10 * time.Minute)
	m.sweep(context.Background())
	if m.Get("viewer") != ctrl {
		t.Fatalf("controller with an open stream was evicted")
	}

	release()
	now = now.Add(2 * time.Minute)
	m.sweep(context.Background())
	if m.Get("viewer") != nil {
		t.Fatalf("released controller should be evicted once idle")
	}
}

func TestManagerSweepDropsRejectedSession(t *testing.T) {
	m := NewManager(ManagerConfig{})
	defer m.Close()
	api := &fakeAPI{lists: []listCall{
		{docs: []models.Document{doc("d1", models.StatusProcessing)}},
		{err: fmt.Errorf("list: %w", backend.ErrUnauthorized)},
	}}
	authorized(t, m, "expired", api)
	other := authorized(t, m, "other", &fakeAPI{lists: []listCall{
		{docs: []models.Document{doc("d2", models.StatusProcessing)}},
		{err: errTest},
	}})

	m.sweep(context.Background())
	if m.Get("expired") != nil {
		t.Fatalf("controller with a rejected session should be dropped")
	}
	if m.Get("other") != other {
		t.Fatalf("transient failure must not drop the controller")
	}
}

func TestManagerIgnoresOwnInvalidation(t *testing.T) {
	m := NewManager(ManagerConfig{})
	defer m.Close()
	api := &fakeAPI{lists: []listCall{{docs: []models.Document{doc("d1", models.StatusReady), doc("d2", models.StatusReady)}}}}
	ctrl := authorized(t, m, "alice", api)

	m.handleInvalidation(invalidateMessage{UserID: "alice", DocumentID: "d1", Origin: m.origin})
	if !sameIDs(ctrl.Snapshot().Documents, "d1", "d2") {
		t.Fatalf("own message must be ignored")
	}
	m.handleInvalidation(invalidateMessage{UserID: "alice", DocumentID: "d1", Origin: "other"})
	if !sameIDs(ctrl.Snapshot().Documents, "d2") {
		t.Fatalf("remote delete not applied")
	}
	m.handleInvalidation(invalidateMessage{UserID: "nobody", DocumentID: "d2", Origin: "other"})
}

func TestListenWithoutRedis(t *testing.T) {
	m := NewManager(ManagerConfig{})
	defer m.Close()
	if err := m.Listen(context.Background()); err != nil {
		t.Fatalf("Listen without redis should return nil, got %v", err)
	}
}

func TestJanitorStopsWithContext(t *testing.T) {
	m := NewManager(ManagerConfig{})
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	m.StartJanitor(ctx, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	cancel()
}
