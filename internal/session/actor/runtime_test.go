package actor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	framework "github.com/stamn/agent/internal/actor"
	"github.com/stamn/agent/internal/actor/actortest"
	"github.com/stamn/agent/internal/wire"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	inputs []framework.Input
}

func (r *recorder) emit(in framework.Input) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = append(r.inputs, in)
}

func (r *recorder) snapshot() []framework.Input {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]framework.Input(nil), r.inputs...)
}

func TestRuntimeTimers(t *testing.T) {
	t.Parallel()

	clock := actortest.NewFakeClock(time.UnixMilli(0))
	rt := NewRuntime(RuntimeConfig{Clock: clock})
	defer rt.Stop()

	rec := &recorder{}
	ctx := context.Background()

	rt.HandleEffects(ctx, []framework.Effect{effStartTimer{Name: timerHeartbeat, Gen: 3, AfterMs: 1000}}, rec.emit)
	clock.Advance(999 * time.Millisecond)
	require.Empty(t, rec.snapshot())
	clock.Advance(time.Millisecond)
	require.Equal(t, []framework.Input{evTimerFired{Name: timerHeartbeat, Gen: 3, NowMs: 1000}}, rec.snapshot())

	// Re-arming replaces the previous timer; cancelling stops it.
	rt.HandleEffects(ctx, []framework.Effect{
		effStartTimer{Name: timerReconnect, Gen: 3, AfterMs: 500},
		effStartTimer{Name: timerReconnect, Gen: 4, AfterMs: 700},
	}, rec.emit)
	require.Equal(t, 1, clock.PendingTimers())
	clock.Advance(700 * time.Millisecond)
	require.Len(t, rec.snapshot(), 2)
	require.Equal(t, evTimerFired{Name: timerReconnect, Gen: 4, NowMs: 1700}, rec.snapshot()[1])

	rt.HandleEffects(ctx, []framework.Effect{effStartTimer{Name: timerReconnect, Gen: 5, AfterMs: 10}}, rec.emit)
	rt.HandleEffects(ctx, []framework.Effect{effCancelTimer{Name: timerReconnect}}, rec.emit)
	clock.Advance(time.Second)
	require.Len(t, rec.snapshot(), 2)
}

func TestRuntimeHeartbeatPayload(t *testing.T) {
	t.Parallel()

	start := time.Unix(1_000, 0)
	clock := actortest.NewFakeClock(start)
	rt := NewRuntime(RuntimeConfig{
		Clock:     clock,
		StartTime: start,
		MemoryMB:  func() int64 { return 42 },
	})
	defer rt.Stop()

	clock.Advance(5*time.Second + 900*time.Millisecond)
	require.Equal(t, wire.HeartbeatPayload{AgentID: "a1", UptimeSeconds: 5, MemoryUsageMb: 42}, rt.heartbeatPayload("a1"))
}

func TestRuntimeReplyAndDropWithoutSocket(t *testing.T) {
	t.Parallel()

	rt := NewRuntime(RuntimeConfig{})
	defer rt.Stop()

	reply := make(chan struct{})
	rt.HandleEffects(context.Background(), []framework.Effect{
		effWrite{Gen: 1, Event: wire.EventStatusReport, Data: map[string]string{}},
		effClose{Gen: 1, Code: wire.CloseNormal},
		effReply{Reply: reply},
	}, func(framework.Input) {})

	select {
	case <-reply:
	default:
		t.Fatal("reply not closed")
	}
}

type orderObserver struct {
	mu     sync.Mutex
	events []string
	done   chan struct{}
}

func (o *orderObserver) add(s string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, s)
	if len(o.events) == 4 {
		close(o.done)
	}
}

func (o *orderObserver) Connected(agentID, _ string) { o.add("connected:" + agentID) }
func (o *orderObserver) Disconnected(int, string)    { o.add("disconnected") }
func (o *orderObserver) AuthFailed(reason string)    { o.add("auth:" + reason) }
func (o *orderObserver) ServerEvent(json.RawMessage) { o.add("event") }
func (o *orderObserver) Command(wire.CommandPayload) { o.add("command") }

func TestRuntimeNotificationsAreOrdered(t *testing.T) {
	t.Parallel()

	obs := &orderObserver{done: make(chan struct{})}
	rt := NewRuntime(RuntimeConfig{Observer: obs})
	defer rt.Stop()

	rt.HandleEffects(context.Background(), []framework.Effect{
		effNotifyConnected{AgentID: "a1"},
		effNotifyCommand{Cmd: wire.CommandPayload{CommandID: "c1", Command: wire.CommandPause}},
		effNotifyDisconnected{Code: 1006},
		effNotifyAuthFailed{Reason: "bad"},
	}, func(framework.Input) {})

	select {
	case <-obs.done:
	case <-time.After(5 * time.Second):
		t.Fatal("notifications not delivered")
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Equal(t, []string{"connected:a1", "command", "disconnected", "auth:bad"}, obs.events)
}
