package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryGetOrCreate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	sess, err := m.GetOrCreate(ctx, "session-1", "pirate_captain")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if sess.Persona != "pirate_captain" {
		t.Fatalf("persona = %q, want pirate_captain", sess.Persona)
	}
	if len(sess.History) != 0 {
		t.Fatalf("new session has %d turns", len(sess.History))
	}

	// A second call with a different persona keeps the original.
	again, err := m.GetOrCreate(ctx, "session-1", "default")
	if err != nil {
		t.Fatalf("GetOrCreate again: %v", err)
	}
	if again.Persona != "pirate_captain" {
		t.Fatalf("persona = %q, want pirate_captain", again.Persona)
	}
}

func TestMemoryAppendTrims(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	const max = 6
	if _, err := m.GetOrCreate(ctx, "session-1", ""); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	for i := 0; i < 10; i++ {
		err := m.Append(ctx, "session-1", max, UserTurn("hello"), ModelTurn("hi"))
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		history, err := m.History(ctx, "session-1")
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(history) > max {
			t.Fatalf("history grew to %d, max %d", len(history), max)
		}
	}

	history, err := m.History(ctx, "session-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != max {
		t.Fatalf("history = %d turns, want %d", len(history), max)
	}
	// The newest turns survive trimming.
	if history[len(history)-1].Role != RoleModel {
		t.Fatalf("last turn role = %q, want model", history[len(history)-1].Role)
	}
}

func TestMemoryAppendRecreatesSession(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	if err := m.Append(ctx, "ghost", 50, UserTurn("hello")); err != nil {
		t.Fatalf("Append to unknown session: %v", err)
	}
	history, err := m.History(ctx, "ghost")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history = %d turns, want 1", len(history))
	}
}

func TestMemoryRetractUserTurn(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	if _, err := m.GetOrCreate(ctx, "session-1", ""); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	seed := []Turn{
		UserTurn("first"),
		ModelTurn("reply"),
		UserTurn("second"),
		ToolTurn("get_current_weather", map[string]any{"temp": "12C"}),
	}
	if err := m.Append(ctx, "session-1", 50, seed...); err != nil {
		t.Fatalf("Append: %v", err)
	}

	removed, err := m.RetractUserTurn(ctx, "session-1")
	if err != nil {
		t.Fatalf("RetractUserTurn: %v", err)
	}
	if !removed {
		t.Fatal("expected a turn to be retracted")
	}
	history, err := m.History(ctx, "session-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d turns, want 2", len(history))
	}
	if history[1].Role != RoleModel {
		t.Fatalf("last turn role = %q, want model", history[1].Role)
	}

	// Nothing user-trailing left, so a second retract is a no-op.
	removed, err = m.RetractUserTurn(ctx, "session-1")
	if err != nil {
		t.Fatalf("RetractUserTurn again: %v", err)
	}
	if removed {
		t.Fatal("retracted past a model turn")
	}
}

func TestMemoryHistoryUnknownSession(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	_, err := m.History(context.Background(), "nope")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestMemoryDeleteUnknownSession(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	if err := m.Delete(context.Background(), "nope"); err != nil {
		t.Fatalf("Delete unknown session: %v", err)
	}
}

func TestMemoryReap(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	m := NewMemoryWithClock(func() time.Time { return clock })
	defer m.Close()

	if _, err := m.GetOrCreate(ctx, "stale", ""); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	clock = now.Add(23 * time.Hour)
	if _, err := m.GetOrCreate(ctx, "fresh", ""); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	clock = now.Add(25 * time.Hour)
	reaped, err := m.Reap(ctx, clock, 24*time.Hour)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}
	if _, err := m.History(ctx, "stale"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("stale session survived reap: %v", err)
	}
	if _, err := m.History(ctx, "fresh"); err != nil {
		t.Fatalf("fresh session reaped: %v", err)
	}

	// Second sweep over the same window removes nothing.
	reaped, err = m.Reap(ctx, clock, 24*time.Hour)
	if err != nil {
		t.Fatalf("Reap again: %v", err)
	}
	if reaped != 0 {
		t.Fatalf("second reap = %d, want 0", reaped)
	}
}

func TestMemoryTouchKeepsSessionAlive(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	m := NewMemoryWithClock(func() time.Time { return clock })
	defer m.Close()

	if _, err := m.GetOrCreate(ctx, "session-1", ""); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	clock = now.Add(20 * time.Hour)
	if err := m.Touch(ctx, "session-1"); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	clock = now.Add(25 * time.Hour)
	reaped, err := m.Reap(ctx, clock, 24*time.Hour)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if reaped != 0 {
		t.Fatalf("reaped = %d, want 0", reaped)
	}
}

func TestReaperSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	m := NewMemoryWithClock(func() time.Time { return clock })
	defer m.Close()

	if _, err := m.GetOrCreate(ctx, "stale", ""); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	r := NewReaper(m, ReaperConfig{
		Idle: 24 * time.Hour,
		Now:  func() time.Time { return clock },
	})
	clock = now.Add(25 * time.Hour)
	if _, err := r.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, err := m.History(ctx, "stale"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("stale session survived sweep: %v", err)
	}

	r.Stop()
	// Stop is idempotent, even without Start.
	r.Stop()
}
