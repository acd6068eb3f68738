// Package eventbus implements the Event Bus of spec.md §4.2/§8: a bounded,
// multi-consumer FIFO log that buffers one source's events for fan-out to
// one or more Pipes, with backpressure and a split operation so a single
// slow subscriber can never hold every other subscriber's buffer hostage.
package eventbus

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/excelwang/fustor-sub003/internal/event"
	"github.com/excelwang/fustor-sub003/internal/fserrors"
	"github.com/excelwang/fustor-sub003/internal/metrics"
)

// DefaultCapacity is the bus buffer size spec.md §4.2 ships as the default
// for K when a caller doesn't override it.
const DefaultCapacity = 10000

// entry is one buffered event plus its bus-assigned position.
type entry struct {
	position int64
	event    event.Event
}

// subscriber tracks one consumer's progress through the buffer. committed
// is the position of the next event this subscriber wants: everything
// strictly below it has already been committed.
type subscriber struct {
	committed  int64
	projection []string
}

// Bus is a single bounded FIFO event log, as spec.md §3/§4.2 describes it.
// Its concurrency model is a single producer mutex plus a condition variable
// shared by producers and consumers (spec.md §5 "Shared resources").
type Bus struct {
	id       string
	capacity int

	mu   sync.Mutex
	cond *sync.Cond

	basePos int64 // P0: position of buffer[0], if buffer is non-empty
	buffer  []entry

	subs map[string]*subscriber

	failed bool
	reason error
}

// New constructs an empty Bus with a generated id seeded at position 0.
func New(capacity int) *Bus {
	return newSeeded(uuid.NewString(), capacity, 0)
}

func newSeeded(id string, capacity int, basePos int64) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Bus{
		id:       id,
		capacity: capacity,
		basePos:  basePos,
		subs:     make(map[string]*subscriber),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// ID returns the bus's identifier, used to key metrics and the Registry.
func (b *Bus) ID() string { return b.id }

// Subscribe registers a consumer at startPosition (the position of the next
// event it wants to receive). fieldProjection, if non-empty, restricts
// get_events_for to only those row fields for this subscriber.
func (b *Bus) Subscribe(subID string, startPosition int64, fieldProjection []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[subID] = &subscriber{committed: startPosition, projection: fieldProjection}
}

// Unsubscribe removes a consumer, e.g. after a Split migrates it elsewhere.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, subID)
	b.cond.Broadcast()
}

// waitLocked blocks on b.cond until pred returns true, the bus fails, or ctx
// is cancelled, whichever comes first. Must be called with b.mu held; it
// releases and reacquires the lock internally, matching sync.Cond.Wait.
func (b *Bus) waitLocked(ctx context.Context, pred func() bool) error {
	if ctx.Done() == nil {
		for !pred() && !b.failed {
			b.cond.Wait()
		}
		return b.failedErrLocked()
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		case <-stop:
		}
	}()

	for !pred() && !b.failed {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.failedErrLocked()
}

func (b *Bus) failedErrLocked() error {
	if b.failed {
		return b.reason
	}
	return nil
}

// Put appends evt to the buffer, assigning it the next position. A
// non-transient producer blocks until space frees up (backpressure is the
// only signal, per spec.md §4.2); a transient producer fails fast with
// TransientSourceBufferFull instead of blocking.
func (b *Bus) Put(ctx context.Context, evt event.Event, transient bool) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failed {
		return 0, b.reason
	}

	if len(b.buffer) >= b.capacity {
		if transient {
			return 0, &fserrors.TransientSourceBufferFull{BusID: b.id}
		}
		hasSpace := func() bool { return len(b.buffer) < b.capacity }
		if err := b.waitLocked(ctx, hasSpace); err != nil {
			return 0, err
		}
	}

	pos := b.basePos + int64(len(b.buffer))
	b.buffer = append(b.buffer, entry{position: pos, event: evt})
	b.cond.Broadcast()

	metrics.Gauge("fustor_bus_backlog", prometheus.Labels{"bus_id": b.id}).Set(float64(len(b.buffer)))
	return pos, nil
}

// GetEventsFor returns up to max events at or after subID's committed
// (next-wanted) position, applying that subscriber's field projection if one was set.
func (b *Bus) GetEventsFor(subID string, max int) ([]event.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failed {
		return nil, b.reason
	}
	sub, ok := b.subs[subID]
	if !ok {
		return nil, fserrors.NewValidation("", "sub_id", "unknown subscriber "+subID)
	}

	var out []event.Event
	for _, e := range b.buffer {
		if e.position < sub.committed {
			continue
		}
		out = append(out, project(e.event, sub.projection))
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, nil
}

// PositionedEvent pairs a buffered event with the bus position it was
// assigned by Put, so a consumer can pass the correct lastPosition to
// Commit without assuming its own Event.Index happens to line up with the
// bus's own sequence (the two numbering schemes coincide only when a
// subscriber is the sole producer pushing strictly in order, as in this
// package's own tests).
type PositionedEvent struct {
	Position int64
	Event    event.Event
}

// GetEventsForWithPositions is GetEventsFor plus each event's bus position,
// for callers (e.g. internal/agentpipe's Message Sync loop) that need an
// accurate lastPosition to pass to Commit.
func (b *Bus) GetEventsForWithPositions(subID string, max int) ([]PositionedEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failed {
		return nil, b.reason
	}
	sub, ok := b.subs[subID]
	if !ok {
		return nil, fserrors.NewValidation("", "sub_id", "unknown subscriber "+subID)
	}

	var out []PositionedEvent
	for _, e := range b.buffer {
		if e.position < sub.committed {
			continue
		}
		out = append(out, PositionedEvent{Position: e.position, Event: project(e.event, sub.projection)})
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, nil
}

func project(evt event.Event, fields []string) event.Event {
	if len(fields) == 0 {
		return evt
	}
	keep := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		keep[f] = struct{}{}
	}
	rows := make([]event.Row, len(evt.Rows))
	for i, row := range evt.Rows {
		nr := make(event.Row, len(row))
		for k, v := range row {
			if _, ok := keep[k]; ok {
				nr[k] = v
			}
		}
		rows[i] = nr
	}
	out := evt
	out.Rows = rows
	return out
}

// Commit advances subID past lastPosition (count is the number of events
// the caller just processed, carried for logging/metrics parity with
// spec.md §4.2's `commit(sub_id, count, last_position)`), then trims every
// buffered entry no subscriber still needs (spec.md §8
// "committed_position ≤ next_put_position" and the
// no-entry-below-min(committed) buffer invariant).
func (b *Bus) Commit(subID string, count int, lastPosition int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failed {
		return b.reason
	}
	sub, ok := b.subs[subID]
	if !ok {
		return fserrors.NewValidation("", "sub_id", "unknown subscriber "+subID)
	}
	_ = count // informational; next-wanted is derived from last_position alone
	if next := lastPosition + 1; next > sub.committed {
		sub.committed = next
	}
	b.trimLocked()
	b.cond.Broadcast()
	return nil
}

// trimLocked drops every buffered entry below the slowest subscriber's
// committed (next-wanted) position. Must be called with b.mu held.
func (b *Bus) trimLocked() {
	if len(b.subs) == 0 {
		return
	}
	slowest := b.slowestCommittedLocked()
	drop := 0
	for drop < len(b.buffer) && b.buffer[drop].position < slowest {
		drop++
	}
	if drop > 0 {
		b.buffer = b.buffer[drop:]
		b.basePos += int64(drop)
	}
}

// MarkFailed sets the bus's sticky failure flag, waking every blocked
// producer and consumer with reason.
func (b *Bus) MarkFailed(reason error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if reason == nil {
		reason = fserrors.ErrEventBusFailed
	}
	b.failed = true
	b.reason = reason
	b.cond.Broadcast()
}

// Recover clears the failure flag. Per spec.md §4.2 this does not replay
// lost events; the calling Pipe must treat recovery as equivalent to a
// restart (reseed via Snapshot).
func (b *Bus) Recover() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed = false
	b.reason = nil
	b.cond.Broadcast()
}

// Failed reports the sticky failure flag without blocking.
func (b *Bus) Failed() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failed, b.reason
}

// slowestCommittedLocked returns the lowest "next wanted" position across
// all subscribers (the position of the oldest event still needed by
// anyone), or basePos if there are none.
func (b *Bus) slowestCommittedLocked() int64 {
	slowest := b.basePos
	first := true
	for _, s := range b.subs {
		if first || s.committed < slowest {
			slowest = s.committed
			first = false
		}
	}
	return slowest
}

// Backlogged computes spec.md §4.2's `backlogged_events`: the slowest
// subscriber's offset into the buffer, subtracted from the newest buffered
// event's offset.
func (b *Bus) Backlogged() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backloggedLocked()
}

func (b *Bus) backloggedLocked() int {
	if len(b.buffer) == 0 {
		return 0
	}
	offsetOfSlowest := b.slowestCommittedLocked() - b.basePos
	backlogged := int((int64(len(b.buffer)) - 1) - offsetOfSlowest)
	if backlogged < 0 {
		return 0
	}
	return backlogged
}

// NeedsSplit reports whether the bus has crossed spec.md §4.2's "far ahead"
// threshold (backlogged_events >= capacity-1) and should be split by its
// owner.
func (b *Bus) NeedsSplit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backloggedLocked() >= b.capacity-1
}

// FastestSubscriber returns the id of the subscriber with the highest
// committed position, i.e. the one a Split should migrate off this bus.
func (b *Bus) FastestSubscriber() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var fastest string
	var best int64
	found := false
	ids := make([]string, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic tie-break
	for _, id := range ids {
		s := b.subs[id]
		if !found || s.committed > best {
			fastest, best, found = id, s.committed, true
		}
	}
	return fastest, found
}

// SplitFor implements spec.md §4.2's split operation: fastSubID is detached
// from this bus and handed a fresh Bus seeded at newStart, preserving its
// field projection; this (the old) bus keeps serving its remaining, slower
// subscribers. Ordering per-subscriber is preserved since the fast
// subscriber simply continues consuming from the new bus at the position it
// had already reached.
func (b *Bus) SplitFor(fastSubID string, newStart int64) (*Bus, error) {
	b.mu.Lock()
	sub, ok := b.subs[fastSubID]
	if !ok {
		b.mu.Unlock()
		return nil, fserrors.NewValidation("", "sub_id", "unknown subscriber "+fastSubID)
	}
	projection := sub.projection
	delete(b.subs, fastSubID)
	b.trimLocked()
	b.cond.Broadcast()
	b.mu.Unlock()

	newBus := newSeeded(uuid.NewString(), b.capacity, newStart)
	newBus.Subscribe(fastSubID, newStart, projection)
	return newBus, nil
}
