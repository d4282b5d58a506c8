package actor

import (
	"encoding/json"
	"testing"

	framework "github.com/stamn/agent/internal/actor"
	"github.com/stamn/agent/internal/actor/actortest"
	"github.com/stamn/agent/internal/websocket"
	"github.com/stamn/agent/internal/wire"
	"github.com/stretchr/testify/require"
)

func testSettings() Settings {
	return Settings{
		URL:                 "wss://api.example.com/ws/agent",
		Credentials:         Credentials{AgentID: "a1", APIKey: "k1"},
		Version:             "1.2.3",
		HeartbeatIntervalMs: 30_000,
		ReconnectBaseMs:     1000,
		ReconnectMaxMs:      30_000,
	}
}

// authenticated drives a fresh session through connect, open and auth.
func authenticated(t *testing.T) State {
	t.Helper()
	state, _ := framework.Replay(InitialState(testSettings()), Reduce,
		cmdConnect{},
		evSocketOpened{Gen: 1},
		evInbound{Gen: 1, Msg: websocket.Authenticated{AgentID: "a1", ServerVersion: "1.0"}},
	)
	require.Equal(t, StateAuthenticated, state.FSM)
	return state
}

func TestReduceHappyPath(t *testing.T) {
	t.Parallel()

	state := InitialState(testSettings())
	require.Equal(t, StateDisconnected, state.FSM)
	require.Equal(t, DefaultMaxMissedHeartbeats, state.Settings.MaxMissedHeartbeats)

	state, effects := Reduce(state, cmdConnect{})
	require.Equal(t, StateConnecting, state.FSM)
	require.Equal(t, int64(1), state.Gen)
	require.Equal(t, []framework.Effect{
		effAdvanceGeneration{Gen: 1},
		effDial{Gen: 1, URL: "wss://api.example.com/ws/agent"},
	}, effects)

	state, effects = Reduce(state, evSocketOpened{Gen: 1})
	require.Equal(t, StateAwaitingAuth, state.FSM)
	require.Equal(t, []framework.Effect{
		effWrite{Gen: 1, Event: wire.EventAuthenticate, Data: wire.AuthenticatePayload{AgentID: "a1", APIKey: "k1"}},
	}, effects)

	state, effects = Reduce(state, evInbound{Gen: 1, Msg: websocket.Authenticated{AgentID: "a1", ServerVersion: "1.0"}})
	require.Equal(t, StateAuthenticated, state.FSM)
	require.Equal(t, "1.0", state.ServerVersion)
	require.True(t, state.Heartbeat.Active)
	require.Zero(t, state.Heartbeat.Missed)
	require.Equal(t, []framework.Effect{
		effStartTimer{Name: timerHeartbeat, Gen: 1, AfterMs: 30_000},
		effWrite{Gen: 1, Event: wire.EventStatusReport, Data: wire.StatusReportPayload{
			AgentID: "a1", Status: wire.StatusOnline, Version: "1.2.3",
		}},
		effNotifyConnected{AgentID: "a1", ServerVersion: "1.0"},
	}, effects)

	// A repeated confirmation neither restarts the heartbeat nor notifies.
	_, effects = Reduce(state, evInbound{Gen: 1, Msg: websocket.Authenticated{AgentID: "a1"}})
	require.Empty(t, effects)
}

func TestReduceAuthErrorIsTerminal(t *testing.T) {
	t.Parallel()

	state, _ := framework.Replay(InitialState(testSettings()), Reduce,
		cmdConnect{},
		evSocketOpened{Gen: 1},
	)

	state, effects := Reduce(state, evInbound{Gen: 1, Msg: websocket.AuthError{Reason: "bad key"}})
	require.Equal(t, StateShuttingDown, state.FSM)
	require.Equal(t, "bad key", state.AuthFailure)
	closes := actortest.OfType[effClose](effects)
	require.Len(t, closes, 1)
	require.Equal(t, wire.CloseAuthFailed, closes[0].Code)
	require.Len(t, actortest.OfType[effNotifyAuthFailed](effects), 1)

	// The socket closing afterwards must not schedule a reconnect.
	state, effects = Reduce(state, evSocketClosed{Gen: 1, Code: wire.CloseAuthFailed})
	require.Equal(t, StateShuttingDown, state.FSM)
	require.Empty(t, actortest.OfType[effStartTimer](effects))
	require.Empty(t, actortest.OfType[effNotifyDisconnected](effects))

	// Neither does connect.
	state, effects = Reduce(state, cmdConnect{})
	require.Equal(t, StateShuttingDown, state.FSM)
	require.Empty(t, effects)
}

func TestReduceBackoffSequence(t *testing.T) {
	t.Parallel()

	want := []int64{1000, 2000, 4000, 8000, 16000, 30000, 30000}

	state, _ := Reduce(InitialState(testSettings()), cmdConnect{})
	for i, nominal := range want {
		var effects []framework.Effect
		state, effects = Reduce(state, evSocketClosed{Gen: state.Gen, Code: websocket.CloseAbnormal})
		require.Equal(t, StateReconnectScheduled, state.FSM)

		timers := actortest.OfType[effStartTimer](effects)
		require.Len(t, timers, 1, "attempt %d", i)
		require.Equal(t, timerReconnect, timers[0].Name)
		require.Equal(t, nominal, timers[0].AfterMs, "attempt %d", i)
		require.Equal(t, i+1, state.Attempt)

		state, effects = Reduce(state, evTimerFired{Name: timerReconnect, Gen: state.Gen})
		require.Equal(t, StateConnecting, state.FSM)
		require.Len(t, actortest.OfType[effDial](effects), 1)
	}
}

func TestReduceAttemptResetsAfterAuthentication(t *testing.T) {
	t.Parallel()

	state, _ := Reduce(InitialState(testSettings()), cmdConnect{})
	for i := 0; i < 3; i++ {
		state, _ = Reduce(state, evSocketClosed{Gen: state.Gen})
		state, _ = Reduce(state, evTimerFired{Name: timerReconnect, Gen: state.Gen})
	}
	require.Equal(t, 3, state.Attempt)

	state, _ = framework.Replay(state, Reduce,
		evSocketOpened{Gen: state.Gen},
		evInbound{Gen: state.Gen, Msg: websocket.Authenticated{AgentID: "a1"}},
	)
	require.Zero(t, state.Attempt)

	_, effects := Reduce(state, evSocketClosed{Gen: state.Gen, Code: 1006})
	timers := actortest.OfType[effStartTimer](effects)
	require.Len(t, timers, 1)
	require.Equal(t, int64(1000), timers[0].AfterMs)
}

func TestReduceSocketLossNotifiesAndStopsHeartbeat(t *testing.T) {
	t.Parallel()

	state := authenticated(t)
	state, effects := Reduce(state, evSocketClosed{Gen: 1, Code: 1006, Reason: "gone", Jitter: 0.5})
	require.Equal(t, StateReconnectScheduled, state.FSM)
	require.False(t, state.Heartbeat.Active)
	require.Equal(t, []framework.Effect{
		effCancelTimer{Name: timerHeartbeat},
		effNotifyDisconnected{Code: 1006, Reason: "gone", Attempt: 1, RetryInMs: 1050},
		effStartTimer{Name: timerReconnect, Gen: 1, AfterMs: 1050},
	}, effects)
}

func TestReduceHeartbeatForcesReconnect(t *testing.T) {
	t.Parallel()

	state := authenticated(t)
	tick := evTimerFired{Name: timerHeartbeat, Gen: 1}

	for i := 1; i <= 3; i++ {
		var effects []framework.Effect
		state, effects = Reduce(state, tick)
		require.Len(t, actortest.OfType[effSendHeartbeat](effects), 1, "tick %d", i)
		require.Len(t, actortest.OfType[effStartTimer](effects), 1, "tick %d", i)
		require.Equal(t, i, state.Heartbeat.Missed)
	}

	state, effects := Reduce(state, tick)
	require.Empty(t, actortest.OfType[effSendHeartbeat](effects))
	require.Empty(t, actortest.OfType[effStartTimer](effects))
	closes := actortest.OfType[effClose](effects)
	require.Len(t, closes, 1)
	require.Equal(t, websocket.CloseNoStatus, closes[0].Code)
	require.False(t, state.Heartbeat.Active)

	// The close that follows goes through the regular reconnect path.
	state, effects = Reduce(state, evSocketClosed{Gen: 1, Code: websocket.CloseAbnormal})
	require.Equal(t, StateReconnectScheduled, state.FSM)
	require.Len(t, actortest.OfType[effStartTimer](effects), 1)
}

func TestReduceHeartbeatAckPreventsReconnect(t *testing.T) {
	t.Parallel()

	state := authenticated(t)
	tick := evTimerFired{Name: timerHeartbeat, Gen: 1}

	state, _ = framework.Replay(state, Reduce, tick, tick)
	require.Equal(t, 2, state.Heartbeat.Missed)

	state, _ = Reduce(state, evInbound{Gen: 1, Msg: websocket.HeartbeatAck{}})
	require.Zero(t, state.Heartbeat.Missed)

	state, effects := framework.Replay(state, Reduce, tick, tick, tick)
	require.Len(t, actortest.OfType[effSendHeartbeat](effects), 3)
	require.Empty(t, actortest.OfType[effClose](effects))
	require.Equal(t, 3, state.Heartbeat.Missed)
}

func TestReduceSetHeartbeatInterval(t *testing.T) {
	t.Parallel()

	state := authenticated(t)
	state, effects := Reduce(state, cmdSetHeartbeatInterval{IntervalMs: 5000})
	require.Empty(t, effects)
	require.Equal(t, int64(5000), state.Settings.HeartbeatIntervalMs)

	state, _ = Reduce(state, cmdSetHeartbeatInterval{IntervalMs: 0})
	require.Equal(t, int64(5000), state.Settings.HeartbeatIntervalMs)

	_, effects = Reduce(state, evTimerFired{Name: timerHeartbeat, Gen: 1})
	require.Equal(t, []effStartTimer{{Name: timerHeartbeat, Gen: 1, AfterMs: 5000}}, actortest.OfType[effStartTimer](effects))
}

func TestReduceIgnoresStaleGenerations(t *testing.T) {
	t.Parallel()

	state := authenticated(t)
	state, _ = framework.Replay(state, Reduce,
		evSocketClosed{Gen: 1},
		evTimerFired{Name: timerReconnect, Gen: 1},
	)
	require.Equal(t, int64(2), state.Gen)
	require.Equal(t, StateConnecting, state.FSM)

	stale := []framework.Input{
		evSocketOpened{Gen: 1},
		evSocketClosed{Gen: 1},
		evInbound{Gen: 1, Msg: websocket.Authenticated{AgentID: "a1"}},
		evInbound{Gen: 1, Msg: websocket.SpendApproved{}},
		evTimerFired{Name: timerHeartbeat, Gen: 1},
		evTimerFired{Name: timerReconnect, Gen: 1},
	}
	for _, in := range stale {
		next, effects := Reduce(state, in)
		require.Equal(t, state, next, "%T", in)
		require.Empty(t, effects, "%T", in)
	}
}

func TestReduceSpendAndServerEvents(t *testing.T) {
	t.Parallel()

	state := authenticated(t)
	approved := websocket.SpendApproved{SpendApprovedPayload: wire.SpendApprovedPayload{RequestID: "r1"}}
	_, effects := Reduce(state, evInbound{Gen: 1, Msg: approved})
	require.Equal(t, []framework.Effect{effDeliverSpend{Gen: 1, Msg: approved}}, effects)

	event := websocket.ServerEvent{Data: json.RawMessage(`{"x":1}`)}
	_, effects = Reduce(state, evInbound{Gen: 1, Msg: event})
	require.Equal(t, []framework.Effect{effNotifyServerEvent{Event: event}}, effects)
}

func TestReduceCommandsFollowFrameOrder(t *testing.T) {
	t.Parallel()

	state := authenticated(t)
	pause := websocket.Command{CommandPayload: wire.CommandPayload{CommandID: "c1", Command: wire.CommandPause}}
	_, effects := Reduce(state, evInbound{Gen: 1, Msg: pause})
	require.Equal(t, []framework.Effect{effNotifyCommand{Cmd: pause.CommandPayload}}, effects)

	// Commands from an old socket are dropped like any other frame.
	_, effects = Reduce(state, evInbound{Gen: 0, Msg: pause})
	require.Empty(t, effects)
}

func TestReduceSendIsGatedOnOpenSocket(t *testing.T) {
	t.Parallel()

	send := cmdSend{Event: "agent:custom", Data: map[string]int{"n": 1}}

	_, effects := Reduce(InitialState(testSettings()), send)
	require.Empty(t, effects)

	connecting, _ := Reduce(InitialState(testSettings()), cmdConnect{})
	_, effects = Reduce(connecting, send)
	require.Empty(t, effects)

	awaiting, _ := Reduce(connecting, evSocketOpened{Gen: 1})
	_, effects = Reduce(awaiting, send)
	require.Len(t, effects, 1)

	_, effects = Reduce(authenticated(t), send)
	require.Equal(t, []framework.Effect{effWrite{Gen: 1, Event: "agent:custom", Data: map[string]int{"n": 1}}}, effects)
}

func TestReduceDisconnect(t *testing.T) {
	t.Parallel()

	reply := make(chan struct{})
	state, effects := Reduce(authenticated(t), cmdDisconnect{Reply: reply})
	require.Equal(t, StateShuttingDown, state.FSM)
	require.Equal(t, []framework.Effect{
		effCancelTimer{Name: timerReconnect},
		effWrite{Gen: 1, Event: wire.EventStatusReport, Data: wire.StatusReportPayload{
			AgentID: "a1", Status: wire.StatusShuttingDown, Version: "1.2.3",
		}},
		effCancelTimer{Name: timerHeartbeat},
		effClose{Gen: 1, Code: wire.CloseNormal, Reason: closeReasonShutdown},
		effReply{Reply: reply},
	}, effects)

	// Idempotent: a second disconnect only completes its reply.
	again := make(chan struct{})
	next, effects := Reduce(state, cmdDisconnect{Reply: again})
	require.Equal(t, state, next)
	require.Equal(t, []framework.Effect{effReply{Reply: again}}, effects)

	// Timers that fire after shutdown are no-ops.
	_, effects = Reduce(state, evTimerFired{Name: timerReconnect, Gen: 1})
	require.Empty(t, effects)
	_, effects = Reduce(state, evTimerFired{Name: timerHeartbeat, Gen: 1})
	require.Empty(t, effects)
}

func TestReduceDisconnectWhileReconnectScheduled(t *testing.T) {
	t.Parallel()

	state, _ := framework.Replay(InitialState(testSettings()), Reduce,
		cmdConnect{},
		evSocketClosed{Gen: 1},
	)
	require.Equal(t, StateReconnectScheduled, state.FSM)

	state, effects := Reduce(state, cmdDisconnect{})
	require.Equal(t, StateShuttingDown, state.FSM)
	require.Equal(t, []framework.Effect{effCancelTimer{Name: timerReconnect}}, effects)
	require.Empty(t, actortest.OfType[effWrite](effects))
}

func TestReduceConnectWhileReconnectScheduled(t *testing.T) {
	t.Parallel()

	state, _ := framework.Replay(InitialState(testSettings()), Reduce,
		cmdConnect{},
		evSocketClosed{Gen: 1},
	)

	state, effects := Reduce(state, cmdConnect{})
	require.Equal(t, StateConnecting, state.FSM)
	require.Equal(t, int64(2), state.Gen)
	require.Equal(t, []framework.Effect{
		effCancelTimer{Name: timerReconnect},
		effAdvanceGeneration{Gen: 2},
		effDial{Gen: 2, URL: testSettings().URL},
	}, effects)

	// Connecting again never opens a second socket.
	next, effects := Reduce(state, cmdConnect{})
	require.Equal(t, state, next)
	require.Empty(t, effects)
}

func TestReduceForceReconnect(t *testing.T) {
	t.Parallel()

	state, effects := Reduce(authenticated(t), cmdForceReconnect{Reason: "config changed"})
	require.Equal(t, StateAuthenticated, state.FSM)
	require.Equal(t, []framework.Effect{
		effCancelTimer{Name: timerHeartbeat},
		effClose{Gen: 1, Code: websocket.CloseNoStatus, Reason: "config changed"},
	}, effects)

	_, effects = Reduce(InitialState(testSettings()), cmdForceReconnect{})
	require.Empty(t, effects)
}

func TestReconnectDelayJitterBounds(t *testing.T) {
	t.Parallel()

	for attempt := 0; attempt < 8; attempt++ {
		nominal := NominalReconnectDelay(1000, 30_000, attempt)
		for _, j := range []float64{0, 0.25, 0.5, 0.999999} {
			d := ReconnectDelay(1000, 30_000, attempt, j)
			require.GreaterOrEqual(t, d, nominal)
			require.Less(t, float64(d), float64(nominal)*1.1)
		}
	}

	require.Equal(t, int64(30_000), NominalReconnectDelay(1000, 30_000, 100))
	require.Equal(t, int64(1000), ReconnectDelay(1000, 30_000, 0, 1.5))
}
