package constraints

import (
	"sync"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
)

// DeadlineState is the lifecycle state of a Deadline.
type DeadlineState int

const (
	// DeadlineIdle means no slot was ever armed.
	DeadlineIdle DeadlineState = iota
	// DeadlineArmed means a slot is armed and its instant has not elapsed.
	DeadlineArmed
	// DeadlineFired means the armed slot was delivered on the wait channel.
	DeadlineFired
)

// String returns a string representation of the deadline state.
func (s DeadlineState) String() string {
	switch s {
	case DeadlineIdle:
		return "idle"
	case DeadlineArmed:
		return "armed"
	case DeadlineFired:
		return "fired"
	default:
		return "unknown"
	}
}

// Deadline is a re-armable single-shot timer that yields the armed slot once
// its commitment window closes. Arming again replaces the target, and a
// replaced arm never fires.
type Deadline struct {
	mu    sync.Mutex
	state DeadlineState
	slot  phase0.Slot
	at    time.Time
	gen   uint64
	timer *time.Timer

	fired    chan phase0.Slot
	done     chan struct{}
	stopOnce sync.Once
}

// NewDeadline creates an idle deadline.
func NewDeadline() *Deadline {
	return &Deadline{
		fired: make(chan phase0.Slot, 1),
		done:  make(chan struct{}),
	}
}

// Arm targets slot with a deadline at the given instant. Any previous arm that
// has not yet fired is cancelled.
func (d *Deadline) Arm(slot phase0.Slot, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}

	d.gen++
	gen := d.gen

	d.state = DeadlineArmed
	d.slot = slot
	d.at = at
	d.timer = time.AfterFunc(time.Until(at), func() {
		d.fire(gen)
	})
}

// fire delivers the slot of arm generation gen, unless it has been replaced.
func (d *Deadline) fire(gen uint64) {
	d.mu.Lock()

	if d.gen != gen || d.state != DeadlineArmed {
		d.mu.Unlock()
		return
	}

	d.state = DeadlineFired
	d.timer = nil
	slot := d.slot

	d.mu.Unlock()

	select {
	case d.fired <- slot:
	case <-d.done:
	}
}

// Wait returns the channel the next expired slot is delivered on. Each arm is
// delivered at most once; with nothing armed the channel never yields.
func (d *Deadline) Wait() <-chan phase0.Slot {
	return d.fired
}

// Target returns the armed slot and its deadline instant.
func (d *Deadline) Target() (phase0.Slot, time.Time, DeadlineState) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.slot, d.at, d.state
}

// Stop cancels any pending arm and releases a blocked delivery.
func (d *Deadline) Stop() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	d.gen++
	d.mu.Unlock()

	d.stopOnce.Do(func() {
		close(d.done)
	})
}
