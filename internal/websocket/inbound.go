package websocket

import (
	"encoding/json"

	"github.com/stamn/agent/internal/wire"
)

// Inbound is the closed set of server messages the agent understands.
// Frames outside this set never leave the Dispatcher.
type Inbound interface {
	// Event returns the wire tag the message arrived with.
	Event() string
	isInbound()
}

// Authenticated confirms the credentials were accepted.
type Authenticated struct {
	AgentID       string
	ServerVersion string
}

// AuthError reports that the credentials were rejected.
type AuthError struct {
	Reason string
}

// HeartbeatAck acknowledges a liveness ping.
type HeartbeatAck struct{}

// ServerEvent is a generic notification passed through untouched.
type ServerEvent struct {
	Data json.RawMessage
}

// Command is a validated out-of-band command.
type Command struct {
	wire.CommandPayload
}

// SpendApproved resolves a pending spend request as approved.
type SpendApproved struct {
	wire.SpendApprovedPayload
}

// SpendDenied resolves a pending spend request as denied.
type SpendDenied struct {
	wire.SpendDeniedPayload
}

func (Authenticated) Event() string { return wire.EventAuthenticated }
func (AuthError) Event() string     { return wire.EventAuthError }
func (HeartbeatAck) Event() string  { return wire.EventHeartbeatAck }
func (ServerEvent) Event() string   { return wire.EventServerEvent }
func (Command) Event() string       { return wire.EventCommand }
func (SpendApproved) Event() string { return wire.EventSpendApproved }
func (SpendDenied) Event() string   { return wire.EventSpendDenied }

func (Authenticated) isInbound() {}
func (AuthError) isInbound()     {}
func (HeartbeatAck) isInbound()  {}
func (ServerEvent) isInbound()   {}
func (Command) isInbound()       {}
func (SpendApproved) isInbound() {}
func (SpendDenied) isInbound()   {}
