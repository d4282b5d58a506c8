package actor

import "github.com/stamn/agent/internal/actor"

// DefaultMaxMissedHeartbeats is how many pings may go unanswered before the
// connection is considered dead.
const DefaultMaxMissedHeartbeats = 3

// Heartbeat is the liveness monitor record. It counts pings sent without an
// intervening acknowledgment.
type Heartbeat struct {
	Active    bool
	Missed    int
	MaxMissed int
}

// newHeartbeat returns a started monitor with a zero miss counter.
func newHeartbeat(maxMissed int) Heartbeat {
	if maxMissed <= 0 {
		maxMissed = DefaultMaxMissedHeartbeats
	}
	return Heartbeat{Active: true, MaxMissed: maxMissed}
}

// Tick advances the monitor by one interval. When send is false the miss
// limit was already reached: no ping goes out and the monitor stops.
func (h Heartbeat) Tick() (next Heartbeat, send bool) {
	if !h.Active {
		return h, false
	}
	if h.Missed >= h.MaxMissed {
		return Heartbeat{}, false
	}
	h.Missed++
	return h, true
}

// Ack resets the miss counter.
func (h Heartbeat) Ack() Heartbeat {
	if h.Active {
		h.Missed = 0
	}
	return h
}

func startHeartbeat(state State) (State, []actor.Effect) {
	state.Heartbeat = newHeartbeat(state.Settings.MaxMissedHeartbeats)
	return state, []actor.Effect{
		effStartTimer{Name: timerHeartbeat, Gen: state.Gen, AfterMs: state.Settings.HeartbeatIntervalMs},
	}
}

// stopHeartbeat is safe to call when the monitor never started.
func stopHeartbeat(state State) (State, []actor.Effect) {
	if !state.Heartbeat.Active {
		return state, nil
	}
	state.Heartbeat = Heartbeat{}
	return state, []actor.Effect{effCancelTimer{Name: timerHeartbeat}}
}
