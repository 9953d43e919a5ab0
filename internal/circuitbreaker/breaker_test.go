package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(threshold, time.Minute).WithClock(clk.Now), clk
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3)
	if !b.Allow("transfer") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("transfer")
	b.RecordFailure("transfer")
	if !b.Allow("transfer") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("transfer")
	if b.Allow("transfer") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("transfer") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("transfer"))
	}
	assert.Equal(t, StateClosed, b.State("reverse_charge"), "keys are independent")
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(2)
	b.RecordFailure("transfer")
	b.RecordFailure("transfer")

	clk.Advance(59 * time.Second)
	assert.False(t, b.Allow("transfer"))

	clk.Advance(time.Second)
	assert.True(t, b.Allow("transfer"), "one probe after open duration")
	assert.Equal(t, StateHalfOpen, b.State("transfer"))
	assert.False(t, b.Allow("transfer"), "only one probe at a time")

	b.RecordSuccess("transfer")
	assert.Equal(t, StateClosed, b.State("transfer"))
	assert.True(t, b.Allow("transfer"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(1)
	b.RecordFailure("transfer")
	clk.Advance(time.Minute)
	assert.True(t, b.Allow("transfer"))

	b.RecordFailure("transfer")
	assert.Equal(t, StateOpen, b.State("transfer"))
	assert.False(t, b.Allow("transfer"))
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(2)
	transient := errors.New("503")
	declined := errors.New("card declined")
	countable := func(err error) bool { return errors.Is(err, transient) }

	// Non-countable errors never trip the circuit.
	for i := 0; i < 5; i++ {
		err := b.Do("reverse_charge", countable, func() error { return declined })
		assert.ErrorIs(t, err, declined)
	}
	assert.Equal(t, StateClosed, b.State("reverse_charge"))

	for i := 0; i < 2; i++ {
		_ = b.Do("reverse_charge", countable, func() error { return transient })
	}
	called := false
	err := b.Do("reverse_charge", countable, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_OnTransition(t *testing.T) {
	b, _ := newTestBreaker(1)
	got := make(chan State, 1)
	b.OnTransition(func(_ string, _, to State) { got <- to })

	b.RecordFailure("transfer")
	select {
	case to := <-got:
		assert.Equal(t, StateOpen, to)
	case <-time.After(time.Second):
		t.Fatal("transition callback not invoked")
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b, _ := newTestBreaker(100)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Allow("k")
			b.RecordFailure("k")
			b.RecordSuccess("k")
			_ = b.State("k")
		}()
	}
	wg.Wait()
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestBreaker_OpenKeys(t *testing.T) {
	b, clk := newTestBreaker(1)
	assert.Empty(t, b.OpenKeys())

	b.RecordFailure("transfer")
	b.RecordFailure("reverse_charge")
	assert.Equal(t, []string{"reverse_charge", "transfer"}, b.OpenKeys())

	clk.Advance(time.Minute)
	assert.True(t, b.Allow("transfer"))
	b.RecordSuccess("transfer")
	assert.Equal(t, []string{"reverse_charge"}, b.OpenKeys())
}

func TestBreaker_DefaultsApplied(t *testing.T) {
	b := New(0, 0)
	assert.Equal(t, 1, b.threshold)
	assert.Equal(t, 30*time.Second, b.openDuration)
}
