package agentpipe

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/excelwang/fustor-sub003/internal/event"
	"github.com/excelwang/fustor-sub003/internal/eventbus"
)

func TestBusSupervisorSplitsAndRedirectsFastestPipe(t *testing.T) {
	buses := eventbus.NewRegistry(10)
	bus := buses.GetOrCreate("src1", "snd1")

	slow := New(Config{ID: "slow-pipe", SourceID: "src1", SenderID: "snd1"}, &fakeSource{}, &fakeSender{}, bus, CommandHandlers{})
	fast := New(Config{ID: "fast-pipe", SourceID: "src1", SenderID: "snd1"}, &fakeSource{}, &fakeSender{}, bus, CommandHandlers{})

	bus.Subscribe(slow.subID(), 0, nil)
	bus.Subscribe(fast.subID(), 0, nil)

	ctx := context.Background()
	for i := int64(0); i < 10; i++ {
		_, err := bus.Put(ctx, event.Event{Schema: "fs", Table: "fs", Rows: []event.Row{{"path": "/x"}}}, false)
		require.NoError(t, err)
	}
	require.NoError(t, bus.Commit(fast.subID(), 10, 9))
	atomic.StoreInt64(&fast.busPosition, 10)
	require.True(t, bus.NeedsSplit())

	sup := NewBusSupervisor([]*Pipe{slow, fast}, buses, time.Millisecond)
	sup.tick()

	newBus := fast.currentBus()
	assert.NotSame(t, bus, newBus, "fast pipe must be redirected onto a fresh bus")
	assert.Same(t, bus, slow.currentBus(), "slow pipe stays on the original bus")
	assert.Same(t, newBus, buses.GetOrCreate("src1", "snd1"), "registry lookup must return the post-split bus")
}

func TestBusSupervisorNoopWhenBelowThreshold(t *testing.T) {
	buses := eventbus.NewRegistry(10)
	bus := buses.GetOrCreate("src1", "snd1")
	p := New(Config{ID: "pipe1", SourceID: "src1", SenderID: "snd1"}, &fakeSource{}, &fakeSender{}, bus, CommandHandlers{})
	bus.Subscribe(p.subID(), 0, nil)

	sup := NewBusSupervisor([]*Pipe{p}, buses, time.Millisecond)
	sup.tick()

	assert.Same(t, bus, p.currentBus())
}
