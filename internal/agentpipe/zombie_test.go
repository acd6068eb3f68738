package agentpipe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestZombieWatcherDetectsStaleTask(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }

	w := newZombieWatcher(10 * time.Second)
	l := newLiveness(clock)
	w.register("snapshot", l)

	assert.Empty(t, w.Check(), "fresh liveness is not a zombie")

	now = now.Add(20 * time.Second)
	assert.Equal(t, []string{"snapshot"}, w.Check())

	l.Touch()
	assert.Empty(t, w.Check(), "a touch resets the zombie clock")
}

func TestZombieWatcherIgnoresDoneTask(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }

	w := newZombieWatcher(5 * time.Second)
	l := newLiveness(clock)
	w.register("audit", l)
	l.MarkDone()

	now = now.Add(time.Hour)
	assert.Empty(t, w.Check(), "a finished task is never reported as a zombie")
}
