package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Unix(1700000000, 0).UTC()

func TestManualFiresInDeadlineOrder(t *testing.T) {
	manual := NewManual(epoch)
	var fired []string
	manual.AfterFunc(3*time.Second, func() { fired = append(fired, "late") })
	manual.AfterFunc(time.Second, func() { fired = append(fired, "early") })

	manual.Advance(2 * time.Second)
	assert.Equal(t, []string{"early"}, fired)
	assert.Equal(t, epoch.Add(2*time.Second), manual.Now())

	manual.Advance(time.Second)
	assert.Equal(t, []string{"early", "late"}, fired)
	assert.Equal(t, 0, manual.Pending())
}

func TestManualStopPreventsFiring(t *testing.T) {
	manual := NewManual(epoch)
	fired := false
	timer := manual.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	manual.Advance(time.Minute)
	assert.False(t, fired)
}

func TestManualCallbackSeesDeadlineTime(t *testing.T) {
	manual := NewManual(epoch)
	var seen time.Time
	manual.AfterFunc(time.Second, func() { seen = manual.Now() })

	manual.Advance(10 * time.Second)
	assert.Equal(t, epoch.Add(time.Second), seen)
	assert.Equal(t, epoch.Add(10*time.Second), manual.Now())
}

func TestManualFiresTimersRegisteredDuringAdvance(t *testing.T) {
	manual := NewManual(epoch)
	count := 0
	manual.AfterFunc(time.Second, func() {
		count++
		manual.AfterFunc(time.Second, func() { count++ })
	})

	manual.Advance(5 * time.Second)
	assert.Equal(t, 2, count)
}

func TestRealClockFires(t *testing.T) {
	done := make(chan struct{})
	Real().AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected real timer to fire")
	}
}
