package actor

import (
	"github.com/stamn/agent/internal/actor"
	"github.com/stamn/agent/internal/websocket"
	"github.com/stamn/agent/internal/wire"
)

// FSMState is the connection state of the session.
type FSMState string

const (
	// StateDisconnected is the initial state; no socket exists.
	StateDisconnected FSMState = "Disconnected"
	// StateConnecting means a dial is in flight.
	StateConnecting FSMState = "Connecting"
	// StateAwaitingAuth means the socket is open and authenticate was sent.
	StateAwaitingAuth FSMState = "AwaitingAuth"
	// StateAuthenticated means the server accepted the credentials.
	StateAuthenticated FSMState = "Authenticated"
	// StateReconnectScheduled means the socket was lost and a reconnect timer
	// is pending.
	StateReconnectScheduled FSMState = "ReconnectScheduled"
	// StateShuttingDown is terminal.
	StateShuttingDown FSMState = "ShuttingDown"
)

// Timer names.
const (
	timerReconnect = "reconnect"
	timerHeartbeat = "heartbeat"
)

// Credentials identify the agent to the server.
type Credentials struct {
	AgentID string
	APIKey  string
}

// Settings are fixed for the lifetime of a session.
type Settings struct {
	// URL is the fully derived socket URL (see websocket.AgentURL).
	URL         string
	Credentials Credentials
	// Version is reported in status reports.
	Version string

	HeartbeatIntervalMs int64
	MaxMissedHeartbeats int

	ReconnectBaseMs int64
	ReconnectMaxMs  int64
}

// State is the loop-owned state of the session actor.
type State struct {
	FSM      FSMState
	Settings Settings

	// Gen increments on every dial. Socket events and timers carry the
	// generation they belong to so stale ones can be ignored.
	Gen int64

	// Attempt is the reconnect attempt counter. It is reset when a socket
	// opens and when authentication succeeds.
	Attempt int

	// Heartbeat is only meaningful while FSM is StateAuthenticated.
	Heartbeat Heartbeat

	// ServerVersion is the version reported by the last authenticated reply.
	ServerVersion string

	// AuthFailure holds the server's reason once authentication was rejected.
	AuthFailure string
}

// Inputs

// cmdConnect requests a connection.
type cmdConnect struct {
	actor.InputBase
}

// cmdDisconnect requests a graceful, terminal shutdown. Reply is closed once
// the shutdown effects were executed.
type cmdDisconnect struct {
	actor.InputBase
	Reply chan struct{}
}

// cmdSend requests sending an envelope on the open socket.
type cmdSend struct {
	actor.InputBase
	Event string
	Data  any
}

// cmdForceReconnect drops the current socket and goes through the reconnect
// path.
type cmdForceReconnect struct {
	actor.InputBase
	Reason string
}

// cmdSetHeartbeatInterval changes the heartbeat interval. The running
// monitor keeps its current timer; the next tick is scheduled with the new
// interval.
type cmdSetHeartbeatInterval struct {
	actor.InputBase
	IntervalMs int64
}

// evSocketOpened reports a completed dial.
type evSocketOpened struct {
	actor.InputBase
	Gen int64
}

// evSocketClosed reports that the socket for Gen is gone, either because the
// dial failed or because the read loop ended. Jitter is a sample in [0, 1)
// used for the reconnect delay.
type evSocketClosed struct {
	actor.InputBase
	Gen    int64
	Code   int
	Reason string
	Jitter float64
}

// evInbound carries a dispatched server message.
type evInbound struct {
	actor.InputBase
	Gen int64
	Msg websocket.Inbound
}

// evTimerFired is emitted by the runtime when a named timer fires.
type evTimerFired struct {
	actor.InputBase
	Name  string
	Gen   int64
	NowMs int64
}

// Effects

// effDial opens a new socket for Gen.
type effDial struct {
	actor.EffectBase
	Gen int64
	URL string
}

// effWrite sends one envelope on the socket for Gen.
type effWrite struct {
	actor.EffectBase
	Gen   int64
	Event string
	Data  any
}

// effSendHeartbeat sends a heartbeat. The runtime samples uptime and memory.
type effSendHeartbeat struct {
	actor.EffectBase
	Gen     int64
	AgentID string
}

// effClose closes the socket for Gen.
type effClose struct {
	actor.EffectBase
	Gen    int64
	Code   int
	Reason string
}

// effStartTimer arms (or re-arms) a named timer.
type effStartTimer struct {
	actor.EffectBase
	Name    string
	Gen     int64
	AfterMs int64
}

// effCancelTimer cancels a named timer.
type effCancelTimer struct {
	actor.EffectBase
	Name string
}

// effAdvanceGeneration tells the correlated-request sink that a new
// connection generation started.
type effAdvanceGeneration struct {
	actor.EffectBase
	Gen int64
}

// effDeliverSpend forwards a spend result to the sink.
type effDeliverSpend struct {
	actor.EffectBase
	Gen int64
	Msg websocket.Inbound
}

// effNotifyConnected reports a successful authentication to the owner.
type effNotifyConnected struct {
	actor.EffectBase
	AgentID       string
	ServerVersion string
}

// effNotifyDisconnected reports an unexpected connection loss.
type effNotifyDisconnected struct {
	actor.EffectBase
	Code      int
	Reason    string
	Attempt   int
	RetryInMs int64
}

// effNotifyAuthFailed reports rejected credentials.
type effNotifyAuthFailed struct {
	actor.EffectBase
	Reason string
}

// effNotifyServerEvent forwards a generic server event.
type effNotifyServerEvent struct {
	actor.EffectBase
	Event websocket.ServerEvent
}

// effNotifyCommand forwards a validated server command.
type effNotifyCommand struct {
	actor.EffectBase
	Cmd wire.CommandPayload
}

// effReply closes a reply channel after the preceding effects ran.
type effReply struct {
	actor.EffectBase
	Reply chan struct{}
}
