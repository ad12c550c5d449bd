// Copyright (C) 2026 WPMedia. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package events implements the Event Coalescer (spec §4.H): it publishes
// state-change notifications to the "events" channel, either immediately or
// after a delay, and exposes a deduplicating subscribe for consumers
// fanning out to UIs.
package events

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/WPMedia/pritunl/internal/store"
)

const channel = "events"

// subscribeTimeout bounds how long GetEvents blocks waiting for the first
// event before returning an empty result (spec §4.H).
const subscribeTimeout = 10 * time.Second

// yieldWindow is how long a GetEvents call keeps absorbing further events
// after the first one arrives, merging duplicate (type, resource_id) pairs
// before returning (spec §4.H).
const yieldWindow = 20 * time.Millisecond

// Publisher is the subset of the store this package depends on.
type Publisher interface {
	Publish(ctx context.Context, channel, serverID, changeType, resourceID string) (store.Cursor, error)
	Subscribe(ctx context.Context, channel string, from store.Cursor, serverID string) <-chan store.Change
}

// delayedEntry is one pending delayed publish, ordered by deadline.
type delayedEntry struct {
	deadline   time.Time
	serverID   string
	changeType string
	resourceID string
	index      int
}

type delayQueue []*delayedEntry

func (q delayQueue) Len() int            { return len(q) }
func (q delayQueue) Less(i, j int) bool  { return q[i].deadline.Before(q[j].deadline) }
func (q delayQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *delayQueue) Push(x any)         { e := x.(*delayedEntry); e.index = len(*q); *q = append(*q, e) }
func (q *delayQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

// Coalescer owns the delayed-publish queue and drains it in the background.
type Coalescer struct {
	store Publisher

	mu    sync.Mutex
	queue delayQueue
	wake  chan struct{}
}

// New creates a Coalescer and starts its background delay-queue drain
// worker, which runs until ctx is canceled.
func New(ctx context.Context, st Publisher) *Coalescer {
	c := &Coalescer{store: st, wake: make(chan struct{}, 1)}
	go c.drainLoop(ctx)
	return c
}

// Publish sends a notification. When delay is zero, it is published
// immediately; otherwise it is enqueued and published once delay has
// elapsed (spec §4.H).
func (c *Coalescer) Publish(ctx context.Context, serverID, changeType, resourceID string, delay time.Duration) error {
	if delay <= 0 {
		_, err := c.store.Publish(ctx, channel, serverID, changeType, resourceID)
		return err
	}

	c.mu.Lock()
	heap.Push(&c.queue, &delayedEntry{
		deadline:   time.Now().Add(delay),
		serverID:   serverID,
		changeType: changeType,
		resourceID: resourceID,
	})
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// drainLoop wakes whenever the queue's earliest deadline passes (or a new,
// possibly-earlier entry is added) and publishes every entry whose deadline
// has arrived.
func (c *Coalescer) drainLoop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		c.mu.Lock()
		var next time.Duration
		if len(c.queue) == 0 {
			next = time.Hour
		} else {
			next = time.Until(c.queue[0].deadline)
			if next < 0 {
				next = 0
			}
		}
		c.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			c.drainDue(ctx)
		case <-c.wake:
			c.drainDue(ctx)
		}
	}
}

func (c *Coalescer) drainDue(ctx context.Context) {
	now := time.Now()
	for {
		c.mu.Lock()
		if len(c.queue) == 0 || c.queue[0].deadline.After(now) {
			c.mu.Unlock()
			return
		}
		entry := heap.Pop(&c.queue).(*delayedEntry)
		c.mu.Unlock()

		c.store.Publish(ctx, channel, entry.serverID, entry.changeType, entry.resourceID)
	}
}

// dedupKey identifies duplicate notifications within one yield window.
type dedupKey struct {
	changeType string
	resourceID string
}

// GetEvents subscribes to the events channel from cursor (zero replays the
// whole log from its start),
// waits up to subscribeTimeout for the first event, then absorbs further
// events for one yieldWindow, merging duplicate (type, resource_id) pairs
// so only the latest survives, and returns the deduplicated batch along
// with the cursor to resume from (spec §4.H).
func (c *Coalescer) GetEvents(ctx context.Context, from store.Cursor) ([]store.Change, store.Cursor, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := c.store.Subscribe(subCtx, channel, from, "")

	select {
	case first, ok := <-ch:
		if !ok {
			return nil, from, nil
		}
		return c.collectWindow(ch, first)
	case <-time.After(subscribeTimeout):
		return nil, from, nil
	case <-ctx.Done():
		return nil, from, ctx.Err()
	}
}

func changeKey(c store.Change) dedupKey {
	return dedupKey{changeType: c.Type, resourceID: c.ResourceID}
}

func (c *Coalescer) collectWindow(ch <-chan store.Change, first store.Change) ([]store.Change, store.Cursor, error) {
	merged := map[dedupKey]store.Change{changeKey(first): first}
	order := []dedupKey{changeKey(first)}
	cursor := first.Cursor

	deadline := time.After(yieldWindow)
	for {
		select {
		case c2, ok := <-ch:
			if !ok {
				return finalizeWindow(merged, order), cursor, nil
			}
			key := changeKey(c2)
			if _, seen := merged[key]; !seen {
				order = append(order, key)
			}
			merged[key] = c2
			if c2.Cursor > cursor {
				cursor = c2.Cursor
			}
		case <-deadline:
			return finalizeWindow(merged, order), cursor, nil
		}
	}
}

func finalizeWindow(merged map[dedupKey]store.Change, order []dedupKey) []store.Change {
	out := make([]store.Change, 0, len(order))
	for _, k := range order {
		out = append(out, merged[k])
	}
	return out
}
