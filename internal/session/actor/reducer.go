package actor

import (
	"github.com/stamn/agent/internal/actor"
	"github.com/stamn/agent/internal/websocket"
	"github.com/stamn/agent/internal/wire"
)

const (
	closeReasonShutdown   = "Client shutdown"
	closeReasonAuthFailed = "Auth failed"
)

// Reduce is the session reducer.
func Reduce(state State, input actor.Input) (State, []actor.Effect) {
	switch in := input.(type) {
	case cmdConnect:
		return reduceConnect(state)
	case cmdDisconnect:
		return reduceDisconnect(state, in)
	case cmdSend:
		return reduceSend(state, in)
	case cmdForceReconnect:
		return reduceForceReconnect(state, in)
	case cmdSetHeartbeatInterval:
		if in.IntervalMs > 0 {
			state.Settings.HeartbeatIntervalMs = in.IntervalMs
		}
		return state, nil

	case evSocketOpened:
		return reduceSocketOpened(state, in)
	case evSocketClosed:
		return reduceSocketClosed(state, in)
	case evInbound:
		return reduceInbound(state, in)
	case evTimerFired:
		return reduceTimerFired(state, in)
	default:
		return state, nil
	}
}

// InitialState returns the state of a session that has not connected yet.
func InitialState(settings Settings) State {
	if settings.MaxMissedHeartbeats <= 0 {
		settings.MaxMissedHeartbeats = DefaultMaxMissedHeartbeats
	}
	return State{FSM: StateDisconnected, Settings: settings}
}

func reduceConnect(state State) (State, []actor.Effect) {
	switch state.FSM {
	case StateDisconnected:
		return dial(state, nil)
	case StateReconnectScheduled:
		return dial(state, []actor.Effect{effCancelTimer{Name: timerReconnect}})
	default:
		// Connecting, connected or terminal: a second socket is never opened.
		return state, nil
	}
}

func dial(state State, effects []actor.Effect) (State, []actor.Effect) {
	state.Gen++
	state.FSM = StateConnecting
	return state, append(effects,
		effAdvanceGeneration{Gen: state.Gen},
		effDial{Gen: state.Gen, URL: state.Settings.URL},
	)
}

func reduceDisconnect(state State, cmd cmdDisconnect) (State, []actor.Effect) {
	if state.FSM == StateShuttingDown {
		return state, reply(nil, cmd.Reply)
	}

	wasAuthenticated := state.FSM == StateAuthenticated
	hadSocket := state.FSM == StateConnecting || state.FSM == StateAwaitingAuth || wasAuthenticated
	state.FSM = StateShuttingDown

	effects := []actor.Effect{effCancelTimer{Name: timerReconnect}}
	if wasAuthenticated {
		effects = append(effects, statusReport(state, wire.StatusShuttingDown))
	}
	var hbEffects []actor.Effect
	state, hbEffects = stopHeartbeat(state)
	effects = append(effects, hbEffects...)
	if hadSocket {
		effects = append(effects, effClose{Gen: state.Gen, Code: wire.CloseNormal, Reason: closeReasonShutdown})
	}
	return state, reply(effects, cmd.Reply)
}

func reply(effects []actor.Effect, ch chan struct{}) []actor.Effect {
	if ch == nil {
		return effects
	}
	return append(effects, effReply{Reply: ch})
}

// reduceSend only writes while the socket is open. Anything else is dropped.
func reduceSend(state State, cmd cmdSend) (State, []actor.Effect) {
	if !socketOpen(state.FSM) {
		return state, nil
	}
	return state, []actor.Effect{effWrite{Gen: state.Gen, Event: cmd.Event, Data: cmd.Data}}
}

func socketOpen(fsm FSMState) bool {
	return fsm == StateAwaitingAuth || fsm == StateAuthenticated
}

func reduceForceReconnect(state State, cmd cmdForceReconnect) (State, []actor.Effect) {
	switch state.FSM {
	case StateConnecting, StateAwaitingAuth, StateAuthenticated:
	default:
		return state, nil
	}
	state, effects := stopHeartbeat(state)
	return state, append(effects, effClose{Gen: state.Gen, Code: websocket.CloseNoStatus, Reason: cmd.Reason})
}

func reduceSocketOpened(state State, ev evSocketOpened) (State, []actor.Effect) {
	if ev.Gen != state.Gen || state.FSM != StateConnecting {
		return state, nil
	}
	state.FSM = StateAwaitingAuth
	state.Attempt = 0
	return state, []actor.Effect{
		effWrite{
			Gen:   state.Gen,
			Event: wire.EventAuthenticate,
			Data: wire.AuthenticatePayload{
				AgentID: state.Settings.Credentials.AgentID,
				APIKey:  state.Settings.Credentials.APIKey,
			},
		},
	}
}

func reduceSocketClosed(state State, ev evSocketClosed) (State, []actor.Effect) {
	if ev.Gen != state.Gen {
		return state, nil
	}
	state, effects := stopHeartbeat(state)

	switch state.FSM {
	case StateConnecting, StateAwaitingAuth, StateAuthenticated:
	default:
		// Terminal, or a duplicate close for a socket already handled.
		return state, effects
	}

	delay := ReconnectDelay(state.Settings.ReconnectBaseMs, state.Settings.ReconnectMaxMs, state.Attempt, ev.Jitter)
	state.Attempt++
	state.FSM = StateReconnectScheduled

	return state, append(effects,
		effNotifyDisconnected{
			Code:      ev.Code,
			Reason:    ev.Reason,
			Attempt:   state.Attempt,
			RetryInMs: delay,
		},
		effStartTimer{Name: timerReconnect, Gen: state.Gen, AfterMs: delay},
	)
}

func reduceInbound(state State, ev evInbound) (State, []actor.Effect) {
	if ev.Gen != state.Gen || !socketOpen(state.FSM) {
		return state, nil
	}

	switch msg := ev.Msg.(type) {
	case websocket.Authenticated:
		if state.FSM != StateAwaitingAuth {
			return state, nil
		}
		state.FSM = StateAuthenticated
		state.Attempt = 0
		state.ServerVersion = msg.ServerVersion
		var effects []actor.Effect
		state, effects = startHeartbeat(state)
		agentID := msg.AgentID
		if agentID == "" {
			agentID = state.Settings.Credentials.AgentID
		}
		return state, append(effects,
			statusReport(state, wire.StatusOnline),
			effNotifyConnected{AgentID: agentID, ServerVersion: msg.ServerVersion},
		)

	case websocket.AuthError:
		state.FSM = StateShuttingDown
		state.AuthFailure = msg.Reason
		if state.AuthFailure == "" {
			state.AuthFailure = "authentication rejected"
		}
		var effects []actor.Effect
		state, effects = stopHeartbeat(state)
		return state, append(effects,
			effCancelTimer{Name: timerReconnect},
			effClose{Gen: state.Gen, Code: wire.CloseAuthFailed, Reason: closeReasonAuthFailed},
			effNotifyAuthFailed{Reason: state.AuthFailure},
		)

	case websocket.HeartbeatAck:
		state.Heartbeat = state.Heartbeat.Ack()
		return state, nil

	case websocket.ServerEvent:
		return state, []actor.Effect{effNotifyServerEvent{Event: msg}}

	case websocket.SpendApproved, websocket.SpendDenied:
		return state, []actor.Effect{effDeliverSpend{Gen: ev.Gen, Msg: msg}}

	case websocket.Command:
		return state, []actor.Effect{effNotifyCommand{Cmd: msg.CommandPayload}}

	default:
		return state, nil
	}
}

func reduceTimerFired(state State, ev evTimerFired) (State, []actor.Effect) {
	if ev.Gen != state.Gen {
		return state, nil
	}
	switch ev.Name {
	case timerReconnect:
		if state.FSM != StateReconnectScheduled {
			return state, nil
		}
		return dial(state, nil)

	case timerHeartbeat:
		if state.FSM != StateAuthenticated || !state.Heartbeat.Active {
			return state, nil
		}
		next, send := state.Heartbeat.Tick()
		state.Heartbeat = next
		if !send {
			// Peer silent for too long: drop the socket, the close event
			// schedules the reconnect.
			return state, []actor.Effect{
				effClose{Gen: state.Gen, Code: websocket.CloseNoStatus, Reason: "heartbeat timeout"},
			}
		}
		return state, []actor.Effect{
			effSendHeartbeat{Gen: state.Gen, AgentID: state.Settings.Credentials.AgentID},
			effStartTimer{Name: timerHeartbeat, Gen: state.Gen, AfterMs: state.Settings.HeartbeatIntervalMs},
		}
	default:
		return state, nil
	}
}

func statusReport(state State, status wire.Status) effWrite {
	return effWrite{
		Gen:   state.Gen,
		Event: wire.EventStatusReport,
		Data: wire.StatusReportPayload{
			AgentID: state.Settings.Credentials.AgentID,
			Status:  status,
			Version: state.Settings.Version,
		},
	}
}
