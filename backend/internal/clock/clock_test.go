package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_TimerFiresOnAdvance(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	f := NewFake(start)

	timer := f.NewTimer(2 * time.Second)
	assert.Equal(t, 1, f.Waiters())

	f.Advance(time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}

	f.Advance(time.Second)
	select {
	case at := <-timer.C():
		assert.Equal(t, start.Add(2*time.Second), at)
	default:
		t.Fatal("timer did not fire")
	}
	assert.Equal(t, 0, f.Waiters())
}

func TestFake_StopRemovesWaiter(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	timer := f.NewTimer(time.Second)
	require.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	assert.Equal(t, 0, f.Waiters())

	f.Advance(time.Minute)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestFake_BlockUntil(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		f.BlockUntil(2)
		close(done)
	}()

	f.NewTimer(time.Second)
	f.NewTimer(time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("BlockUntil did not return")
	}
}

func TestFake_ZeroDurationFiresImmediately(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	timer := f.NewTimer(0)
	select {
	case <-timer.C():
	default:
		t.Fatal("zero timer should be ready")
	}
	assert.Equal(t, 0, f.Waiters())
}
