package constraints

import (
	"sync"
	"testing"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadline_IdleNeverFires(t *testing.T) {
	d := NewDeadline()
	defer d.Stop()

	_, _, state := d.Target()
	assert.Equal(t, DeadlineIdle, state)

	select {
	case slot := <-d.Wait():
		t.Fatalf("idle deadline fired for slot %d", slot)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeadline_FiresOnce(t *testing.T) {
	d := NewDeadline()
	defer d.Stop()

	d.Arm(100, time.Now().Add(20*time.Millisecond))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		slots []phase0.Slot
	)

	// Two concurrent waiters must observe the arm only once between them.
	for range 2 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			select {
			case slot := <-d.Wait():
				mu.Lock()
				slots = append(slots, slot)
				mu.Unlock()
			case <-time.After(200 * time.Millisecond):
			}
		}()
	}

	wg.Wait()

	require.Equal(t, []phase0.Slot{100}, slots)

	_, _, state := d.Target()
	assert.Equal(t, DeadlineFired, state)
}

func TestDeadline_RearmCancelsPrevious(t *testing.T) {
	d := NewDeadline()
	defer d.Stop()

	d.Arm(100, time.Now().Add(30*time.Millisecond))
	d.Arm(101, time.Now().Add(80*time.Millisecond))

	slot, _, state := d.Target()
	assert.Equal(t, phase0.Slot(101), slot)
	assert.Equal(t, DeadlineArmed, state)

	select {
	case got := <-d.Wait():
		assert.Equal(t, phase0.Slot(101), got)
	case <-time.After(time.Second):
		t.Fatal("deadline for slot 101 never fired")
	}

	select {
	case got := <-d.Wait():
		t.Fatalf("unexpected second delivery for slot %d", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDeadline_PastInstantFiresImmediately(t *testing.T) {
	d := NewDeadline()
	defer d.Stop()

	d.Arm(7, time.Now().Add(-time.Second))

	select {
	case got := <-d.Wait():
		assert.Equal(t, phase0.Slot(7), got)
	case <-time.After(time.Second):
		t.Fatal("expired deadline did not fire")
	}
}

func TestDeadline_StopCancels(t *testing.T) {
	d := NewDeadline()

	d.Arm(5, time.Now().Add(20*time.Millisecond))
	d.Stop()

	select {
	case got := <-d.Wait():
		t.Fatalf("stopped deadline fired for slot %d", got)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestDeadlineState_String(t *testing.T) {
	assert.Equal(t, "idle", DeadlineIdle.String())
	assert.Equal(t, "armed", DeadlineArmed.String())
	assert.Equal(t, "fired", DeadlineFired.String())
	assert.Equal(t, "unknown", DeadlineState(42).String())
}
