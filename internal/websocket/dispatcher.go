package websocket

import (
	"encoding/json"

	"github.com/stamn/agent/internal/wire"
	"github.com/stamn/agent/pkg/logger"
)

// CommandFunc receives validated server commands.
type CommandFunc func(cmd wire.CommandPayload)

// maxLoggedFrame caps how much of a rejected frame ends up in the logs.
const maxLoggedFrame = 256

// Dispatcher turns raw inbound frames into typed messages.
//
// It never panics and never returns an error: anything it cannot interpret is
// logged and dropped so that one bad frame cannot take the session down.
type Dispatcher struct {
	log       logger.Logger
	onCommand CommandFunc
}

// NewDispatcher returns a Dispatcher that forwards commands to onCommand.
// onCommand may be nil.
func NewDispatcher(onCommand CommandFunc) *Dispatcher {
	return &Dispatcher{
		log:       logger.Named("dispatcher"),
		onCommand: onCommand,
	}
}

// Handle parses raw. The boolean is false when the frame was dropped.
func (d *Dispatcher) Handle(raw []byte) (msg Inbound, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorf("panic while handling frame: %v", r)
			msg, ok = nil, false
		}
	}()

	env, err := wire.Decode(raw)
	if err != nil {
		d.log.With(logger.Fields{"raw": truncate(raw)}).Warnf("invalid message received: %v", err)
		return nil, false
	}

	switch env.Event {
	case wire.EventAuthenticated:
		var p wire.AuthenticatedPayload
		_ = json.Unmarshal(env.Data, &p)
		return Authenticated{AgentID: p.AgentID, ServerVersion: p.ServerVersion}, true

	case wire.EventAuthError:
		var p wire.AuthErrorPayload
		_ = json.Unmarshal(env.Data, &p)
		return AuthError{Reason: p.Reason}, true

	case wire.EventHeartbeatAck:
		return HeartbeatAck{}, true

	case wire.EventServerEvent:
		return ServerEvent{Data: env.Data}, true

	case wire.EventSpendApproved:
		p, err := wire.ParseSpendApproved(env.Data)
		if err != nil {
			d.log.Warnf("invalid spend approval: %v", err)
			return nil, false
		}
		return SpendApproved{p}, true

	case wire.EventSpendDenied:
		p, err := wire.ParseSpendDenied(env.Data)
		if err != nil {
			d.log.Warnf("invalid spend denial: %v", err)
			return nil, false
		}
		return SpendDenied{p}, true

	case wire.EventCommand:
		cmd, err := wire.ParseCommand(env.Data)
		if err != nil {
			d.log.Warnf("invalid command payload: %v", err)
			return nil, false
		}
		d.log.With(logger.Fields{
			"command":   string(cmd.Command),
			"commandId": cmd.CommandID,
		}).Infof("received command")
		if d.onCommand != nil {
			d.onCommand(cmd)
		}
		return Command{cmd}, true

	default:
		d.log.With(logger.Fields{"type": env.Event}).Debugf("unknown message type")
		return nil, false
	}
}

func truncate(raw []byte) string {
	if len(raw) <= maxLoggedFrame {
		return string(raw)
	}
	return string(raw[:maxLoggedFrame]) + "..."
}
