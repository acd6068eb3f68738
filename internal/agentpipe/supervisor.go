package agentpipe

import (
	"context"
	"time"

	"github.com/excelwang/fustor-sub003/internal/eventbus"
	"github.com/excelwang/fustor-sub003/internal/flog"
)

// BusSupervisor is the Event Bus's "owner" spec.md §4.2 assigns the split
// decision to: it periodically checks every distinct (source_id, sender_id)
// bus shared by its Pipes and, once one crosses the split threshold, detaches
// the fastest subscriber onto a fresh bus and redirects that Pipe onto it.
// Without this loop NeedsSplit/FastestSubscriber/SplitFor are reachable only
// from tests; this is what actually exercises them in a running Agent.
type BusSupervisor struct {
	pipes    []*Pipe
	buses    *eventbus.Registry
	interval time.Duration
}

// NewBusSupervisor builds a supervisor over pipes, consulting/updating buses
// (the same Registry buildPipes used to hand each Pipe its bus) on every
// tick. interval defaults to 10s if <= 0.
func NewBusSupervisor(pipes []*Pipe, buses *eventbus.Registry, interval time.Duration) *BusSupervisor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &BusSupervisor{pipes: pipes, buses: buses, interval: interval}
}

// Run ticks until ctx is cancelled.
func (s *BusSupervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

type busKey struct{ sourceID, senderID string }

// tick checks every distinct bus exactly once per call, even if several
// Pipes share it.
func (s *BusSupervisor) tick() {
	checked := make(map[busKey]bool, len(s.pipes))
	for _, p := range s.pipes {
		sourceID, senderID := p.SourceSenderID()
		k := busKey{sourceID, senderID}
		if checked[k] {
			continue
		}
		checked[k] = true
		s.checkBus(sourceID, senderID)
	}
}

func (s *BusSupervisor) checkBus(sourceID, senderID string) {
	bus := s.buses.GetOrCreate(sourceID, senderID)
	if !bus.NeedsSplit() {
		return
	}
	fastID, ok := bus.FastestSubscriber()
	if !ok {
		return
	}

	var fastPipe *Pipe
	for _, p := range s.pipes {
		pSource, pSender := p.SourceSenderID()
		if pSource == sourceID && pSender == senderID && p.SubID() == fastID {
			fastPipe = p
			break
		}
	}
	if fastPipe == nil {
		// The fastest subscriber isn't one of ours (e.g. already migrated);
		// nothing to redirect.
		return
	}

	newBus, err := bus.SplitFor(fastID, fastPipe.BusPosition())
	if err != nil {
		flog.With(flog.Fields{"source_id": sourceID, "sender_id": senderID, "error": err.Error()}).Error("bus split failed")
		return
	}
	fastPipe.SwitchBus(newBus)
	s.buses.Replace(sourceID, senderID, newBus)
	flog.With(flog.Fields{"source_id": sourceID, "sender_id": senderID, "pipe_id": fastPipe.cfg.ID}).Info("bus split: fastest subscriber migrated to fresh bus")
}
