package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/excelwang/fustor-sub003/internal/event"
	"github.com/excelwang/fustor-sub003/internal/fserrors"
)

func mkEvent(index int64) event.Event {
	return event.Event{
		Schema: "fs", Table: "files", Type: event.TypeInsert,
		Index: index, Source: event.SourceRealtime,
		Rows: []event.Row{{"path": "/a"}},
	}
}

func TestPutAndGetEventsForFIFO(t *testing.T) {
	b := New(10)
	b.Subscribe("s1", 0, nil)
	ctx := context.Background()

	for i := int64(0); i < 3; i++ {
		pos, err := b.Put(ctx, mkEvent(i), false)
		require.NoError(t, err)
		assert.Equal(t, i, pos)
	}

	got, err := b.GetEventsFor("s1", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, int64(i), e.Index)
	}
}

func TestCommitTrimsAndRespectsSlowestSubscriber(t *testing.T) {
	b := New(10)
	b.Subscribe("fast", 0, nil)
	b.Subscribe("slow", 0, nil)
	ctx := context.Background()
	for i := int64(0); i < 5; i++ {
		_, err := b.Put(ctx, mkEvent(i), false)
		require.NoError(t, err)
	}

	require.NoError(t, b.Commit("fast", 5, 4))
	// slow hasn't committed anything yet, so nothing should be trimmed.
	got, err := b.GetEventsFor("slow", 10)
	require.NoError(t, err)
	assert.Len(t, got, 5, "slow subscriber must still see every event")

	require.NoError(t, b.Commit("slow", 3, 2))
	got, err = b.GetEventsFor("slow", 10)
	require.NoError(t, err)
	assert.Len(t, got, 2, "slow subscriber sees only what it hasn't committed")
}

func TestTransientFailsFastWhenFull(t *testing.T) {
	b := New(2)
	b.Subscribe("s1", 0, nil)
	ctx := context.Background()
	_, err := b.Put(ctx, mkEvent(0), true)
	require.NoError(t, err)
	_, err = b.Put(ctx, mkEvent(1), true)
	require.NoError(t, err)

	_, err = b.Put(ctx, mkEvent(2), true)
	require.Error(t, err)
	assert.True(t, fserrors.IsTransientBufferFull(err))
}

func TestNonTransientBlocksUntilSpaceFrees(t *testing.T) {
	b := New(1)
	b.Subscribe("s1", 0, nil)
	ctx := context.Background()
	_, err := b.Put(ctx, mkEvent(0), false)
	require.NoError(t, err)

	putDone := make(chan struct{})
	go func() {
		_, err := b.Put(ctx, mkEvent(1), false)
		assert.NoError(t, err)
		close(putDone)
	}()

	select {
	case <-putDone:
		t.Fatal("non-transient put should have blocked while buffer is full")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, b.Commit("s1", 1, 0)) // frees the one slot

	select {
	case <-putDone:
	case <-time.After(time.Second):
		t.Fatal("put never unblocked after commit freed space")
	}
}

func TestPutRespectsContextCancellation(t *testing.T) {
	b := New(1)
	b.Subscribe("s1", 0, nil)
	ctx := context.Background()
	_, err := b.Put(ctx, mkEvent(0), false)
	require.NoError(t, err)

	cancelCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Put(cancelCtx, mkEvent(1), false)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("put did not observe context cancellation")
	}
}

func TestMarkFailedWakesBlockedProducer(t *testing.T) {
	b := New(1)
	b.Subscribe("s1", 0, nil)
	ctx := context.Background()
	_, err := b.Put(ctx, mkEvent(0), false)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Put(ctx, mkEvent(1), false)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	sentinel := assert.AnError
	b.MarkFailed(sentinel)

	select {
	case err := <-errCh:
		assert.Equal(t, sentinel, err)
	case <-time.After(time.Second):
		t.Fatal("blocked put was never woken by mark_failed")
	}

	failed, reason := b.Failed()
	assert.True(t, failed)
	assert.Equal(t, sentinel, reason)

	_, err = b.GetEventsFor("s1", 1)
	assert.Equal(t, sentinel, err)

	b.Recover()
	failed, _ = b.Failed()
	assert.False(t, failed)
}

// TestBusSplit models spec.md §8 scenario 2: capacity 10, 10 events pushed,
// S_slow has committed nothing and S_fast has committed through position 9,
// so before any 11th push the backlog is 9 >= 9, NeedsSplit holds, and the
// owner splits S_fast onto a fresh bus seeded at position 10.
func TestBusSplit(t *testing.T) {
	b := New(10)
	b.Subscribe("slow", 0, nil)
	b.Subscribe("fast", 0, nil)
	ctx := context.Background()

	for i := int64(0); i < 10; i++ {
		_, err := b.Put(ctx, mkEvent(i), false)
		require.NoError(t, err)
	}
	require.NoError(t, b.Commit("fast", 10, 9))

	assert.True(t, b.NeedsSplit())
	fastest, ok := b.FastestSubscriber()
	require.True(t, ok)
	assert.Equal(t, "fast", fastest)

	newBus, err := b.SplitFor(fastest, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), newBus.basePos)

	_, stillThere := b.subs["fast"]
	assert.False(t, stillThere, "fast subscriber must be detached from the old bus")
	_, onNewBus := newBus.subs["fast"]
	assert.True(t, onNewBus)

	// Old bus still serves the slow subscriber from the beginning.
	got, err := b.GetEventsFor("slow", 100)
	require.NoError(t, err)
	assert.Len(t, got, 10)
}

func TestSubscribeUnknownAfterSplitReturnsError(t *testing.T) {
	b := New(5)
	_, err := b.GetEventsFor("ghost", 1)
	assert.Error(t, err)
	err = b.Commit("ghost", 1, 0)
	assert.Error(t, err)
}

func TestRegistryGetOrCreateAndReplace(t *testing.T) {
	r := NewRegistry(4)
	b1 := r.GetOrCreate("src1", "send1")
	b2 := r.GetOrCreate("src1", "send1")
	assert.Same(t, b1, b2)

	b3 := r.GetOrCreate("src2", "send1")
	assert.NotSame(t, b1, b3)

	replacement := New(4)
	r.Replace("src1", "send1", replacement)
	assert.Same(t, replacement, r.GetOrCreate("src1", "send1"))

	r.Remove("src2", "send1")
	assert.NotSame(t, b3, r.GetOrCreate("src2", "send1"))
}
