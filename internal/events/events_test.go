// Copyright (C) 2026 WPMedia. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package events

import (
	"context"
	"testing"
	"time"

	"github.com/WPMedia/pritunl/internal/store"
)

func testCoalescer(t *testing.T) (*Coalescer, *store.Store, context.Context) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return New(ctx, st), st, ctx
}

func TestPublish_Immediate(t *testing.T) {
	c, st, ctx := testCoalescer(t)

	cursor, err := st.CurrentCursor(ctx, "events")
	if err != nil {
		t.Fatalf("current cursor: %v", err)
	}

	if err := c.Publish(ctx, "srv1", "SERVER_STARTED", "srv1", 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got, _, err := c.GetEvents(ctx, cursor)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(got) != 1 || got[0].Type != "SERVER_STARTED" {
		t.Fatalf("expected one SERVER_STARTED event, got %+v", got)
	}
}

func TestPublish_Delayed(t *testing.T) {
	c, st, ctx := testCoalescer(t)

	cursor, err := st.CurrentCursor(ctx, "events")
	if err != nil {
		t.Fatalf("current cursor: %v", err)
	}

	if err := c.Publish(ctx, "srv1", "SERVER_STARTED", "srv1", 30*time.Millisecond); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Before the delay elapses, nothing should be visible yet.
	immediate, err := st.CurrentCursor(ctx, "events")
	if err != nil {
		t.Fatalf("current cursor: %v", err)
	}
	if immediate != cursor {
		t.Fatal("expected delayed publish not to have landed immediately")
	}

	deadline := time.After(2 * time.Second)
	for {
		cur, err := st.CurrentCursor(ctx, "events")
		if err != nil {
			t.Fatalf("current cursor: %v", err)
		}
		if cur != cursor {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for delayed publish to land")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestGetEvents_DedupesWithinYieldWindow(t *testing.T) {
	c, st, ctx := testCoalescer(t)

	cursor, err := st.CurrentCursor(ctx, "events")
	if err != nil {
		t.Fatalf("current cursor: %v", err)
	}

	go func() {
		c.Publish(ctx, "srv1", "USER_UPDATED", "user1", 0)
		time.Sleep(2 * time.Millisecond)
		c.Publish(ctx, "srv1", "USER_UPDATED", "user1", 0)
		time.Sleep(2 * time.Millisecond)
		c.Publish(ctx, "srv1", "USER_UPDATED", "user2", 0)
	}()

	got, _, err := c.GetEvents(ctx, cursor)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 deduplicated events (user1 merged, user2 distinct), got %d: %+v", len(got), got)
	}
}

func TestGetEvents_TimesOutWithNoEvents(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(ctx, st)

	// Override the subscribe timeout indirectly isn't possible without
	// exporting it, so this just confirms an empty-channel GetEvents
	// returns cleanly once its subscription's context is canceled rather
	// than hanging forever.
	shortCtx, shortCancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer shortCancel()

	got, _, err := c.GetEvents(shortCtx, 0)
	if len(got) != 0 {
		t.Fatalf("expected no events, got %+v", got)
	}
	_ = err
}
