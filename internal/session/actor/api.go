package actor

import (
	framework "github.com/stamn/agent/internal/actor"
)

// Connect returns a command input that opens the connection. It is a no-op
// while a socket is being dialed or is open, and after shutdown. A pending
// reconnect timer is cancelled and the dial happens immediately.
func Connect() framework.Input {
	return cmdConnect{}
}

// Disconnect returns a command input that shuts the session down for good. If
// reply is non-nil it is closed once the shutdown frames were written and the
// socket was closed.
func Disconnect(reply chan struct{}) framework.Input {
	return cmdDisconnect{Reply: reply}
}

// Send returns a command input that writes one envelope if the socket is open.
// The frame is dropped otherwise.
func Send(event string, data any) framework.Input {
	return cmdSend{Event: event, Data: data}
}

// ForceReconnect returns a command input that drops the current socket and
// goes through the regular reconnect path.
func ForceReconnect(reason string) framework.Input {
	return cmdForceReconnect{Reason: reason}
}

// SetHeartbeatInterval returns a command input that changes the heartbeat
// interval from the next tick on. Non-positive values are ignored.
func SetHeartbeatInterval(intervalMs int64) framework.Input {
	return cmdSetHeartbeatInterval{IntervalMs: intervalMs}
}
