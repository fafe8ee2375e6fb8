package websocket

import (
	"sync"

	"github.com/jonboulle/clockwork"
)

const defaultActivityRetention = 50

// ActivityTracker keeps the most recent agent progress entries, in the order
// their status frames arrived.
type ActivityTracker struct {
	clock     clockwork.Clock
	retention int

	mu      sync.Mutex
	entries []AgentActivity

	listeners listenerSet[[]AgentActivity]
}

// NewActivityTracker keeps at most retention entries
func NewActivityTracker(retention int, clock clockwork.Clock) *ActivityTracker {
	if retention <= 0 {
		retention = defaultActivityRetention
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ActivityTracker{
		clock:     clock,
		retention: retention,
	}
}

// Record appends an active entry for exchangeID
func (t *ActivityTracker) Record(exchangeID, agent, message string) AgentActivity {
	entry := AgentActivity{
		ExchangeID: exchangeID,
		Agent:      agent,
		Message:    message,
		Timestamp:  t.clock.Now(),
		Status:     ActivityActive,
	}

	t.mu.Lock()
	t.entries = append(t.entries, entry)
	if over := len(t.entries) - t.retention; over > 0 {
		t.entries = append([]AgentActivity(nil), t.entries[over:]...)
	}
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.listeners.emit(snapshot)
	return entry
}

// Complete marks every active entry of exchangeID completed
func (t *ActivityTracker) Complete(exchangeID string) int {
	return t.transition(exchangeID, ActivityCompleted)
}

// Fail marks every active entry of exchangeID as errored
func (t *ActivityTracker) Fail(exchangeID string) int {
	return t.transition(exchangeID, ActivityError)
}

func (t *ActivityTracker) transition(exchangeID string, status ActivityStatus) int {
	t.mu.Lock()
	changed := 0
	for i := range t.entries {
		if t.entries[i].ExchangeID == exchangeID && t.entries[i].Status == ActivityActive {
			t.entries[i].Status = status
			changed++
		}
	}
	var snapshot []AgentActivity
	if changed > 0 {
		snapshot = t.snapshotLocked()
	}
	t.mu.Unlock()

	if changed > 0 {
		t.listeners.emit(snapshot)
	}
	return changed
}

// Snapshot returns a copy of all retained entries, oldest first
func (t *ActivityTracker) Snapshot() []AgentActivity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// ForExchange returns the retained entries of one exchange
func (t *ActivityTracker) ForExchange(exchangeID string) []AgentActivity {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []AgentActivity
	for _, e := range t.entries {
		if e.ExchangeID == exchangeID {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe calls fn with a fresh snapshot after every change
func (t *ActivityTracker) Subscribe(fn func([]AgentActivity)) (remove func()) {
	return t.listeners.add(fn)
}

func (t *ActivityTracker) snapshotLocked() []AgentActivity {
	out := make([]AgentActivity, len(t.entries))
	copy(out, t.entries)
	return out
}
