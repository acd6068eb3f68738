package pacer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewDefaults(t *testing.T) {
	p := New()
	assert.Equal(t, uint(3), p.Retries())
	assert.Equal(t, 10*time.Millisecond, p.state.SleepTime)
}

func TestDecay(t *testing.T) {
	c := NewDefault(MinSleep(1*time.Microsecond), MaxSleep(1*time.Second))
	for _, test := range []struct {
		in            State
		decayConstant uint
		want          time.Duration
	}{
		{State{SleepTime: 8 * time.Millisecond}, 1, 4 * time.Millisecond},
		{State{SleepTime: 1 * time.Millisecond}, 0, 1 * time.Microsecond},
	} {
		c.decayConstant = test.decayConstant
		got := c.Calculate(test.in)
		assert.Equal(t, test.want, got, "test: %+v", test)
	}
}

func TestCallRetriesThenSucceeds(t *testing.T) {
	p := New(MinSleep(time.Microsecond), MaxSleep(time.Millisecond))
	p.SetRetries(5)
	attempts := 0
	err := p.Call(func() (bool, error) {
		attempts++
		if attempts < 3 {
			return true, errors.New("transient")
		}
		return false, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestCallExhaustsRetries(t *testing.T) {
	p := New(MinSleep(time.Microsecond), MaxSleep(time.Millisecond))
	p.SetRetries(2)
	attempts := 0
	err := p.Call(func() (bool, error) {
		attempts++
		return true, errors.New("always fails")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, attempts) // initial try + 2 retries
}

func TestJitterPreservesZero(t *testing.T) {
	assert.Equal(t, time.Duration(0), Jitter(0))
	j := Jitter(100 * time.Millisecond)
	assert.True(t, j > 0)
}
