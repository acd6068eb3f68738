package agentpipe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/excelwang/fustor-sub003/internal/event"
	"github.com/excelwang/fustor-sub003/internal/eventbus"
	"github.com/excelwang/fustor-sub003/internal/fserrors"
	"github.com/excelwang/fustor-sub003/internal/flog"
	"github.com/excelwang/fustor-sub003/internal/pacer"
)

// Config is a Pipe's static configuration (spec.md §4.5 Pipe Config):
// source id, sender id, batch size, and the heartbeat/audit/sentinel
// intervals. A Pipe is not rebuilt on config reload: cmd/agent only logs
// which pipes internal/config.AgentPipeDiff reports as changed or removed,
// and the running Pipes keep their original Config until the process
// restarts.
type Config struct {
	ID               string
	SourceID         string
	SenderID         string
	BatchSize        int
	HeartbeatInterval time.Duration
	AuditInterval    time.Duration
	SentinelInterval time.Duration
	ZombieTimeout    time.Duration
	MaxRestarts      int // 0 = unlimited
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.AuditInterval <= 0 {
		c.AuditInterval = 5 * time.Minute
	}
	if c.SentinelInterval <= 0 {
		c.SentinelInterval = 30 * time.Second
	}
	if c.ZombieTimeout <= 0 {
		c.ZombieTimeout = 2 * c.AuditInterval
	}
	return c
}

// Pipe is the Agent-side worker of spec.md §4.5: it owns one Event Bus
// subscription as producer and one Sender client, and drives the
// Snapshot -> MessageSync (+ Audit/Sentinel when Leader) state machine.
type Pipe struct {
	cfg      Config
	source   Source
	sender   Sender
	handlers CommandHandlers

	busMu sync.RWMutex
	bus   *eventbus.Bus // guarded by busMu; swapped by SwitchBus after a Split

	status *statusBox
	pacer  *pacer.Pacer
	zombie *zombieWatcher

	mu            sync.Mutex
	sessionID     string
	role          string
	sourceURI     string
	sentinelPaths []string

	busPosition int64 // atomic: next position this Pipe's bus subscription wants
	restarts    int32
}

// New constructs a Pipe. bus is the Event Bus this Pipe produces onto
// (typically obtained from an eventbus.Registry keyed by SourceID/SenderID).
func New(cfg Config, source Source, sender Sender, bus *eventbus.Bus, handlers CommandHandlers) *Pipe {
	cfg = cfg.withDefaults()
	return &Pipe{
		cfg:      cfg,
		source:   source,
		sender:   sender,
		bus:      bus,
		handlers: handlers,
		status:   newStatusBox(),
		pacer:    pacer.New(pacer.MaxSleep(30 * time.Second)),
		zombie:   newZombieWatcher(cfg.ZombieTimeout),
	}
}

// Status reports the Pipe's current composable state.
func (p *Pipe) Status() Status { return p.status.get() }

// subID is the Event Bus subscriber id this Pipe's MessageSync uses;
// stable across restarts so a Reconnect resumes from its committed
// position rather than re-subscribing from zero.
func (p *Pipe) subID() string { return p.cfg.ID }

// Run drives the Pipe until ctx is cancelled or MaxRestarts is exceeded,
// restarting a failed session with pacer-driven exponential backoff
// (spec.md §7 "Per-Pipe errors transition the Pipe to Error, which the
// supervisor restarts with exponential backoff, preserving the Event Bus
// until max_restarts is exceeded").
func (p *Pipe) Run(ctx context.Context, sourceURI string) error {
	p.sourceURI = sourceURI
	p.currentBus().Subscribe(p.subID(), atomic.LoadInt64(&p.busPosition), nil)

	backoff := pacer.NewDefault(pacer.MinSleep(200*time.Millisecond), pacer.MaxSleep(30*time.Second))
	state := pacer.State{SleepTime: 200 * time.Millisecond}

	for {
		if ctx.Err() != nil {
			p.status.set(StoppingState)
			return ctx.Err()
		}

		err := p.runOnce(ctx)
		if ctx.Err() != nil {
			p.status.set(StoppingState)
			return ctx.Err()
		}
		if err == nil {
			p.status.set(Stopped)
			return nil
		}

		p.status.setError(err)
		n := atomic.AddInt32(&p.restarts, 1)
		if p.cfg.MaxRestarts > 0 && int(n) > p.cfg.MaxRestarts {
			flog.With(flog.Fields{"pipe_id": p.cfg.ID, "restarts": n}).Error("max restarts exceeded, giving up")
			return err
		}

		state.ConsecutiveRetries++
		sleep := pacer.Jitter(backoff.Calculate(state))
		state.SleepTime = sleep
		flog.With(flog.Fields{"pipe_id": p.cfg.ID, "error": err.Error(), "backoff": sleep.String()}).Error("pipe error, restarting")
		p.status.set(Reconnecting)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runOnce executes exactly one session lifetime: handshake, Snapshot (if
// Leader), and the MessageSync/Audit/Sentinel/Heartbeat loops until one of
// them returns a fatal error or ctx is cancelled.
func (p *Pipe) runOnce(ctx context.Context) error {
	p.status.set(Starting)
	info, err := p.sender.CreateSession(ctx, p.sourceURI)
	if err != nil {
		return &fserrors.DriverError{Op: "create_session", Cause: err}
	}

	p.mu.Lock()
	p.sessionID = info.SessionID
	p.role = info.Role
	p.mu.Unlock()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if info.Role == "leader" {
		p.status.set(SnapshotSync)
		if err := p.runSnapshot(sessionCtx); err != nil {
			return &fserrors.DriverError{Op: "snapshot", Cause: err, Fatal: true}
		}
		p.status.set(MessageSync)

		g, gctx := errgroup.WithContext(sessionCtx)
		g.Go(func() error { return p.messageSyncLoop(gctx) })
		g.Go(func() error { return p.heartbeatLoop(gctx) })
		g.Go(func() error { p.auditLoop(gctx); return nil })
		g.Go(func() error { p.sentinelLoop(gctx); return nil })
		return g.Wait()
	}

	p.status.set(MessageSync)
	g, gctx := errgroup.WithContext(sessionCtx)
	g.Go(func() error { return p.messageSyncLoop(gctx) })
	g.Go(func() error { return p.heartbeatLoop(gctx) })
	return g.Wait()
}

// runSnapshot drives the source's Snapshot iterator, accumulating the
// Source's batches and sending them with source=Snapshot whenever at least
// BatchSize rows are pending; the remaining rows go out in a final
// is_end=true batch (spec.md §4.5 "Snapshot sync").
func (p *Pipe) runSnapshot(ctx context.Context) error {
	l := newLiveness(nil)
	p.zombie.register("snapshot", l)
	defer func() { l.MarkDone(); p.zombie.unregister("snapshot") }()

	rows, errc := p.source.Snapshot(ctx)
	var pending []event.Row
	flush := func(isEnd bool) error {
		if len(pending) == 0 && !isEnd {
			return nil
		}
		evt := event.Event{Schema: "fs", Table: "fs", Type: event.TypeInsert, Rows: pending, Source: event.SourceSnapshot}
		if _, _, err := p.sender.SendBatch(ctx, p.currentSessionID(), evt, isEnd); err != nil {
			return err
		}
		pending = nil
		return nil
	}

	for batch := range rows {
		l.Touch()
		pending = append(pending, batch...)
		if len(pending) >= p.cfg.BatchSize {
			if err := flush(false); err != nil {
				return err
			}
		}
	}
	if err := flush(true); err != nil {
		return err
	}
	if err, ok := <-errc; ok && err != nil {
		return err
	}
	return nil
}

// messageSyncLoop implements spec.md §4.5 "Message sync": subscribe at the
// committed position, repeatedly get_events_for -> send_batch(Realtime) ->
// commit. Transient send failures are retried with the Pipe's pacer;
// SessionObsoleted aborts the loop so runOnce resets via a fresh session.
func (p *Pipe) messageSyncLoop(ctx context.Context) error {
	l := newLiveness(nil)
	p.zombie.register("message_sync", l)
	defer func() { l.MarkDone(); p.zombie.unregister("message_sync") }()

	for {
		if ctx.Err() != nil {
			return nil
		}
		bus := p.currentBus()
		evts, err := bus.GetEventsForWithPositions(p.subID(), p.cfg.BatchSize)
		if err != nil {
			return err
		}
		l.Touch()
		if len(evts) == 0 {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		var sendErr error
		err = p.pacer.Call(func() (bool, error) {
			for _, pe := range evts {
				evt := pe.Event
				evt.Source = event.SourceRealtime
				if _, _, err := p.sender.SendBatch(ctx, p.currentSessionID(), evt, false); err != nil {
					sendErr = err
					return fserrors.IsTransientBufferFull(err), err
				}
			}
			return false, nil
		})
		if err != nil {
			if isSessionObsoleted(sendErr) {
				return sendErr
			}
			continue // retry budget exhausted on a transient error; try again next tick
		}

		last := evts[len(evts)-1]
		if err := bus.Commit(p.subID(), len(evts), last.Position); err != nil {
			return err
		}
		atomic.StoreInt64(&p.busPosition, last.Position+1)
	}
}

// heartbeatLoop implements spec.md §4.5's heartbeat/command-handling
// contract: every HeartbeatInterval, call Sender.Heartbeat, update the
// Pipe's known role and pending sentinel paths, and dispatch any commands
// in detached workers.
func (p *Pipe) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			info, err := p.sender.Heartbeat(ctx, p.currentSessionID())
			if err != nil {
				if isSessionObsoleted(err) {
					return err
				}
				flog.With(flog.Fields{"pipe_id": p.cfg.ID, "error": err.Error()}).Error("heartbeat failed")
				continue
			}
			p.mu.Lock()
			p.role = info.Role
			p.sentinelPaths = info.SentinelPaths
			p.mu.Unlock()
			dispatchCommands(ctx, p.cfg.ID, info.Commands, p.handlers)
		}
	}
}

// auditLoop implements spec.md §4.5's audit loop: on each tick, if still
// Leader, run the source's audit iterator and push as source=Audit, then
// signal audit_end via a final is_end=true batch. Non-Leader ticks are
// no-ops.
func (p *Pipe) auditLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.AuditInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.isLeader() {
				continue
			}
			p.status.setAudit(true)
			p.runAuditOnce(ctx)
			p.status.setAudit(false)
		}
	}
}

func (p *Pipe) runAuditOnce(ctx context.Context) {
	l := newLiveness(nil)
	p.zombie.register("audit", l)
	defer func() { l.MarkDone(); p.zombie.unregister("audit") }()

	rows, errc := p.source.Audit(ctx)
	var pending []event.Row
	flush := func(isEnd bool) {
		if len(pending) == 0 && !isEnd {
			return
		}
		evt := event.Event{Schema: "fs", Table: "fs", Type: event.TypeUpdate, Rows: pending, Source: event.SourceAudit}
		if _, _, err := p.sender.SendBatch(ctx, p.currentSessionID(), evt, isEnd); err != nil {
			flog.With(flog.Fields{"pipe_id": p.cfg.ID, "error": err.Error()}).Error("audit send failed")
		}
		pending = nil
	}
	for batch := range rows {
		l.Touch()
		pending = append(pending, batch...)
		if len(pending) >= p.cfg.BatchSize {
			flush(false)
		}
	}
	flush(true)
	if err, ok := <-errc; ok && err != nil {
		flog.With(flog.Fields{"pipe_id": p.cfg.ID, "error": err.Error()}).Error("audit iterator failed")
	}
}

// sentinelLoop implements spec.md §4.5's sentinel loop: on each tick, if
// Leader, re-stat the paths Fusion handed over on the last heartbeat and
// report results back.
func (p *Pipe) sentinelLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SentinelInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.isLeader() {
				continue
			}
			p.runSentinelOnce(ctx)
		}
	}
}

func (p *Pipe) runSentinelOnce(ctx context.Context) {
	p.mu.Lock()
	paths := append([]string(nil), p.sentinelPaths...)
	p.mu.Unlock()
	if len(paths) == 0 {
		return
	}

	l := newLiveness(nil)
	p.zombie.register("sentinel", l)
	defer func() { l.MarkDone(); p.zombie.unregister("sentinel") }()

	p.status.setSentinel(true)
	defer p.status.setSentinel(false)
	l.Touch()

	results, err := p.source.Sentinel(ctx, paths)
	if err != nil {
		flog.With(flog.Fields{"pipe_id": p.cfg.ID, "error": err.Error()}).Error("sentinel check failed")
		return
	}
	if err := p.sender.ReportSentinel(ctx, p.currentSessionID(), results); err != nil {
		flog.With(flog.Fields{"pipe_id": p.cfg.ID, "error": err.Error()}).Error("sentinel report failed")
	}
}

// currentBus returns the Event Bus this Pipe is subscribed to right now.
func (p *Pipe) currentBus() *eventbus.Bus {
	p.busMu.RLock()
	defer p.busMu.RUnlock()
	return p.bus
}

// BusPosition returns the next bus position this Pipe's subscription wants,
// i.e. the position a Split should seed its new bus at if this Pipe turns
// out to be the fastest subscriber.
func (p *Pipe) BusPosition() int64 { return atomic.LoadInt64(&p.busPosition) }

// SourceSenderID returns the (source_id, sender_id) pair this Pipe's Event
// Bus is keyed by in an eventbus.Registry.
func (p *Pipe) SourceSenderID() (string, string) { return p.cfg.SourceID, p.cfg.SenderID }

// SubID is this Pipe's Event Bus subscriber id.
func (p *Pipe) SubID() string { return p.subID() }

// SwitchBus moves this Pipe's subscription onto newBus, e.g. after a
// BusSupervisor split hands it a fresh bus seeded at its own committed
// position. The next messageSyncLoop iteration picks it up.
func (p *Pipe) SwitchBus(newBus *eventbus.Bus) {
	p.busMu.Lock()
	p.bus = newBus
	p.busMu.Unlock()
}

func (p *Pipe) currentSessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

func (p *Pipe) isLeader() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role == "leader"
}

// CheckZombies reports the names of subtasks whose liveness has exceeded
// the configured zombie timeout (spec.md §4.5 "Zombie detection"). The
// caller (a supervisor tick) is responsible for cancelling the session and
// letting Run's restart loop reconnect.
func (p *Pipe) CheckZombies() []string { return p.zombie.Check() }

func isSessionObsoleted(err error) bool {
	return errors.Is(err, fserrors.ErrSessionObsoleted)
}
