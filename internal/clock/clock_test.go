package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNow lets a test drive Clock.Tick deterministically instead of
// racing wall-clock time.
type fakeNow struct{ t time.Time }

func (f *fakeNow) now() time.Time { return f.t }
func (f *fakeNow) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestClock() (*Clock, *fakeNow) {
	f := &fakeNow{t: time.Unix(0, 0)}
	c := &Clock{now: f.now, creationTime: f.t}
	return c, f
}

func TestClock_TickAdvancesElapsedTime(t *testing.T) {
	c, f := newTestClock()
	c.Start()

	f.advance(10 * time.Millisecond)
	c.Tick()
	assert.Equal(t, 10*time.Millisecond, c.DeltaTime())
	assert.Equal(t, 10*time.Millisecond, c.ElapsedTime())

	f.advance(5 * time.Millisecond)
	c.Tick()
	assert.Equal(t, 5*time.Millisecond, c.DeltaTime())
	assert.Equal(t, 15*time.Millisecond, c.ElapsedTime())
}

func TestClock_Tick_NoOpBeforeStart(t *testing.T) {
	c, f := newTestClock()
	f.advance(50 * time.Millisecond)
	c.Tick()
	assert.Equal(t, time.Duration(0), c.ElapsedTime())
}

func TestClock_Tick_ClampsLargeDelta(t *testing.T) {
	c, f := newTestClock()
	c.Start()
	f.advance(time.Second)
	c.Tick()
	assert.Equal(t, clampDelta, c.DeltaTime())
}

func TestClock_SetTimeout_FiresOnceAtDue(t *testing.T) {
	c, f := newTestClock()
	c.Start()

	fired := 0
	c.SetTimeout(func() { fired++ }, 20*time.Millisecond)

	f.advance(10 * time.Millisecond)
	c.Tick()
	assert.Equal(t, 0, fired)

	f.advance(15 * time.Millisecond)
	c.Tick()
	assert.Equal(t, 1, fired)

	f.advance(100 * time.Millisecond)
	c.Tick()
	assert.Equal(t, 1, fired, "one-shot timer must not fire twice")
}

func TestClock_SetInterval_RepeatsUntilCleared(t *testing.T) {
	c, f := newTestClock()
	c.Start()

	fired := 0
	id := c.SetInterval(func() { fired++ }, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		f.advance(10 * time.Millisecond)
		c.Tick()
	}
	assert.Equal(t, 3, fired)

	c.ClearInterval(id)
	f.advance(50 * time.Millisecond)
	c.Tick()
	assert.Equal(t, 3, fired, "cleared interval must not fire again")
}

func TestClock_ClearTimeout_PreventsFire(t *testing.T) {
	c, f := newTestClock()
	c.Start()

	fired := false
	id := c.SetTimeout(func() { fired = true }, 10*time.Millisecond)
	c.ClearTimeout(id)

	f.advance(20 * time.Millisecond)
	c.Tick()
	assert.False(t, fired)
}

func TestClock_Stop_PausesElapsedTimeAndTimers(t *testing.T) {
	c, f := newTestClock()
	c.Start()

	fired := 0
	c.SetTimeout(func() { fired++ }, 10*time.Millisecond)

	c.Stop()
	f.advance(100 * time.Millisecond)
	c.Tick()
	assert.Equal(t, time.Duration(0), c.ElapsedTime())
	assert.Equal(t, 0, fired)

	c.Start()
	f.advance(10 * time.Millisecond)
	c.Tick()
	assert.Equal(t, 1, fired)
}

func TestClock_Clear_RemovesPendingTimersButKeepsElapsedTime(t *testing.T) {
	c, f := newTestClock()
	c.Start()

	fired := false
	c.SetTimeout(func() { fired = true }, 10*time.Millisecond)
	f.advance(5 * time.Millisecond)
	c.Tick()

	c.Clear()
	f.advance(10 * time.Millisecond)
	c.Tick()
	assert.False(t, fired)
	assert.Equal(t, 15*time.Millisecond, c.ElapsedTime())
}

func TestClock_Reset_ZeroesTimeAndTimers(t *testing.T) {
	c, f := newTestClock()
	c.Start()
	f.advance(30 * time.Millisecond)
	c.Tick()
	require.Equal(t, 30*time.Millisecond, c.ElapsedTime())

	c.SetTimeout(func() {}, time.Second)
	c.Reset()
	assert.Equal(t, time.Duration(0), c.ElapsedTime())
	assert.Equal(t, time.Duration(0), c.DeltaTime())
}
