package agentpipe

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/excelwang/fustor-sub003/internal/event"
	"github.com/excelwang/fustor-sub003/internal/eventbus"
	"github.com/excelwang/fustor-sub003/internal/fserrors"
)

type fakeSource struct {
	snapshotRows [][]event.Row
}

func (f *fakeSource) Snapshot(ctx context.Context) (<-chan []event.Row, <-chan error) {
	rows := make(chan []event.Row, len(f.snapshotRows))
	errc := make(chan error, 1)
	for _, b := range f.snapshotRows {
		rows <- b
	}
	close(rows)
	close(errc)
	return rows, errc
}

func (f *fakeSource) Audit(ctx context.Context) (<-chan []event.Row, <-chan error) {
	rows := make(chan []event.Row)
	errc := make(chan error, 1)
	close(rows)
	close(errc)
	return rows, errc
}

func (f *fakeSource) Sentinel(ctx context.Context, paths []string) ([]SentinelCheck, error) {
	return nil, nil
}

type fakeSender struct {
	mu          sync.Mutex
	role        string
	batches     []event.Event
	endMarkers  int32
	heartbeats  int32
}

func (f *fakeSender) CreateSession(ctx context.Context, sourceURI string) (SessionInfo, error) {
	return SessionInfo{SessionID: "sess1", Role: f.role}, nil
}

func (f *fakeSender) SendBatch(ctx context.Context, sessionID string, evt event.Event, isEnd bool) (int, int, error) {
	f.mu.Lock()
	f.batches = append(f.batches, evt)
	f.mu.Unlock()
	if isEnd && evt.Source == event.SourceSnapshot {
		atomic.AddInt32(&f.endMarkers, 1)
	}
	return len(evt.Rows), 0, nil
}

func (f *fakeSender) Heartbeat(ctx context.Context, sessionID string) (HeartbeatInfo, error) {
	atomic.AddInt32(&f.heartbeats, 1)
	return HeartbeatInfo{Status: "ok", Role: f.role}, nil
}

func (f *fakeSender) ReportSentinel(ctx context.Context, sessionID string, results []SentinelCheck) error {
	return nil
}

func (f *fakeSender) CloseSession(ctx context.Context, sessionID string) error { return nil }

func (f *fakeSender) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func TestPipeRunLeaderCompletesSnapshotAndEntersMessageSync(t *testing.T) {
	src := &fakeSource{snapshotRows: [][]event.Row{
		{{"path": "/a"}},
		{{"path": "/b"}},
	}}
	sender := &fakeSender{role: "leader"}
	bus := eventbus.New(10)

	cfg := Config{
		ID:                "pipe1",
		HeartbeatInterval: 15 * time.Millisecond,
		AuditInterval:     20 * time.Millisecond,
		SentinelInterval:  20 * time.Millisecond,
	}
	p := New(cfg, src, sender, bus, CommandHandlers{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, "file:///data") }()
	assert.Eventually(t, func() bool { return p.Status().Primary == MessageSync }, time.Second, time.Millisecond)

	err := <-done
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.GreaterOrEqual(t, sender.batchCount(), 1, "snapshot must have sent at least the end marker")
	assert.Equal(t, int32(1), atomic.LoadInt32(&sender.endMarkers), "snapshot emits exactly one is_end batch")
	assert.Equal(t, StoppingState, p.Status().Primary)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&sender.heartbeats), int32(1))
}

func TestPipeRunFollowerSkipsSnapshot(t *testing.T) {
	src := &fakeSource{}
	sender := &fakeSender{role: "follower"}
	bus := eventbus.New(10)

	cfg := Config{ID: "pipe2", HeartbeatInterval: 15 * time.Millisecond}
	p := New(cfg, src, sender, bus, CommandHandlers{})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, "file:///data") }()
	assert.Eventually(t, func() bool { return p.Status().Primary == MessageSync }, time.Second, time.Millisecond)

	<-done
	assert.Equal(t, StoppingState, p.Status().Primary)
	assert.Zero(t, sender.batchCount(), "a follower never runs Snapshot")
}

func TestPipeMessageSyncForwardsBusEvents(t *testing.T) {
	src := &fakeSource{}
	sender := &fakeSender{role: "leader"}
	bus := eventbus.New(10)

	cfg := Config{ID: "pipe3", HeartbeatInterval: time.Second, AuditInterval: time.Second, SentinelInterval: time.Second, BatchSize: 10}
	p := New(cfg, src, sender, bus, CommandHandlers{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, "file:///data") }()

	// Give the Pipe a moment to finish Snapshot and subscribe.
	require.Eventually(t, func() bool { return p.Status().Primary == MessageSync }, time.Second, 5*time.Millisecond)

	_, err := bus.Put(ctx, event.Event{Schema: "fs", Table: "fs", Type: event.TypeInsert, Index: 1, Rows: []event.Row{{"path": "/x"}}}, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sender.batchCount() > 0 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestPipeZombieCheckSurfacesStuckSnapshot(t *testing.T) {
	p := New(Config{ID: "pipe4"}, &fakeSource{}, &fakeSender{role: "leader"}, eventbus.New(10), CommandHandlers{})
	l := newLiveness(func() time.Time { return time.Unix(0, 0) })
	p.zombie = newZombieWatcher(time.Millisecond)
	p.zombie.register("snapshot", l)

	time.Sleep(2 * time.Millisecond)
	zombies := p.CheckZombies()
	assert.Contains(t, zombies, "snapshot")
}

func TestIsSessionObsoletedRecognizesSentinel(t *testing.T) {
	assert.True(t, isSessionObsoleted(fserrors.ErrSessionObsoleted))
	assert.False(t, isSessionObsoleted(nil))
	assert.False(t, isSessionObsoleted(assertDummyErr{}))
}

type assertDummyErr struct{}

func (assertDummyErr) Error() string { return "dummy" }
