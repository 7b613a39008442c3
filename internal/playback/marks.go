// Package playback correlates outbound audio chunks with the telephony
// side's playback acknowledgements.
package playback

import (
	"fmt"
	"sync"
)

const (
	partPrefix  = "part-"
	finalPrefix = "final-"
)

// Mode selects how acknowledgements drain the queue
type Mode int

const (
	// ModeFIFO pops one entry per acknowledgement (one enqueue, one ack)
	ModeFIFO Mode = iota
	// ModePaired pops the oldest two entries per acknowledgement, for transports
	// that acknowledge every second send in steady state
	ModePaired
)

// Tracker is a FIFO of playback marks. Marks are always reported acknowledged
// in the order they were enqueued.
type Tracker struct {
	mu      sync.Mutex
	mode    Mode
	queue   []string
	seq     int
	final   string
	onFinal func()
}

// NewTracker creates an empty tracker
func NewTracker(mode Mode) *Tracker {
	return &Tracker{mode: mode}
}

// Enqueue records that an outbound audio chunk was sent and returns the mark
// name to send right after it
func (t *Tracker) Enqueue() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	name := fmt.Sprintf("%s%d", partPrefix, t.seq)
	t.queue = append(t.queue, name)
	return name
}

// EnqueueFinal enqueues the distinguished final mark and arms it
func (t *Tracker) EnqueueFinal() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	name := fmt.Sprintf("%s%d", finalPrefix, t.seq)
	t.queue = append(t.queue, name)
	t.final = name
	return name
}

// OnFinalAcknowledged registers the callback invoked (once) when the final mark is acknowledged
func (t *Tracker) OnFinalAcknowledged(fn func()) {
	t.mu.Lock()
	t.onFinal = fn
	t.mu.Unlock()
}

// Acknowledge drains the queue for an observed mark and returns the names
// acknowledged, oldest first.
//
// In FIFO mode an observed name that is queued drains everything up to and
// including it; a name that is not queued (stale after a reset) is ignored,
// except that the armed final mark always fires its callback.
// In paired mode a queued name pops the two oldest entries, or everything up
// to the name when it sits deeper in the queue. Stale names are ignored in
// both modes. An empty queue makes this a no-op.
func (t *Tracker) Acknowledge(observed string) []string {
	t.mu.Lock()
	acked := t.drain(observed)
	var fire func()
	if t.final != "" && (observed == t.final || contains(acked, t.final)) {
		fire = t.onFinal
		t.final = ""
		t.onFinal = nil
	}
	t.mu.Unlock()

	if fire != nil {
		fire()
	}
	return acked
}

func (t *Tracker) drain(observed string) []string {
	if len(t.queue) == 0 {
		return nil
	}

	n := 0
	for i, name := range t.queue {
		if name == observed {
			n = i + 1
			break
		}
	}
	if n == 0 {
		return nil
	}
	if t.mode == ModePaired {
		n = max(n, min(2, len(t.queue)))
	}

	acked := make([]string, n)
	copy(acked, t.queue[:n])
	t.queue = t.queue[n:]
	return acked
}

func contains(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

// Len returns the number of marks awaiting acknowledgement
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Pending reports whether the final mark is armed but not yet acknowledged
func (t *Tracker) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.final != ""
}

// Reset drops all queued marks. An armed final mark stays armed: the
// transport echoes marks of cleared audio, so its acknowledgement can still arrive.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.queue = t.queue[:0]
	t.mu.Unlock()
}
