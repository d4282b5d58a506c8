package actor

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	framework "github.com/stamn/agent/internal/actor"
	"github.com/stamn/agent/internal/websocket"
	"github.com/stamn/agent/internal/wire"
	"github.com/stamn/agent/pkg/logger"
)

// Observer receives session notifications. Calls are made one at a time, in
// order, from a goroutine owned by the runtime, so implementations may block
// and may call back into the session.
type Observer interface {
	Connected(agentID, serverVersion string)
	Disconnected(code int, reason string)
	AuthFailed(reason string)
	ServerEvent(data json.RawMessage)
	Command(cmd wire.CommandPayload)
}

// SpendSink receives spend results along with the connection generation they
// arrived on, and learns about every new generation before its socket opens.
type SpendSink interface {
	Advance(gen int64)
	Deliver(gen int64, msg websocket.Inbound)
}

// RuntimeConfig configures a Runtime. Zero values fall back to defaults.
type RuntimeConfig struct {
	Transport websocket.Options
	Clock     framework.Clock
	// Jitter returns a uniform sample in [0, 1) for reconnect delays.
	Jitter func() float64
	// StartTime is the reference point for reported uptime.
	StartTime time.Time
	// MemoryMB samples the process resident set size in megabytes.
	MemoryMB func() int64
	Observer Observer
	Spend    SpendSink
}

// Runtime interprets session effects: it owns the socket, the timers and the
// notification goroutine.
//
// Runtime never mutates session state directly. It only emits events back
// into the actor mailbox via the provided emit function.
type Runtime struct {
	mu sync.Mutex

	transport websocket.Options
	clock     framework.Clock
	jitter    func() float64
	startTime time.Time
	memoryMB  func() int64
	observer  Observer
	spend     SpendSink

	log        logger.Logger
	dispatcher *websocket.Dispatcher
	notify     *notifier

	conn       *websocket.Client
	connGen    int64
	lastClosed *websocket.Client
	dialGen    int64
	cancelDial context.CancelFunc

	timers map[string]framework.Timer
}

// NewRuntime returns a Runtime for cfg.
func NewRuntime(cfg RuntimeConfig) *Runtime {
	r := &Runtime{
		transport: cfg.Transport,
		clock:     cfg.Clock,
		jitter:    cfg.Jitter,
		startTime: cfg.StartTime,
		memoryMB:  cfg.MemoryMB,
		observer:  cfg.Observer,
		spend:     cfg.Spend,
		log:       logger.Named("session"),
		timers:    make(map[string]framework.Timer),
	}
	if r.clock == nil {
		r.clock = framework.RealClock{}
	}
	if r.jitter == nil {
		r.jitter = rand.Float64
	}
	if r.startTime.IsZero() {
		r.startTime = r.clock.Now()
	}
	if r.memoryMB == nil {
		r.memoryMB = func() int64 { return 0 }
	}
	r.notify = newNotifier(r.log)
	// Commands reach the observer through the actor, in frame order.
	r.dispatcher = websocket.NewDispatcher(nil)
	return r
}

// HandleEffects implements actor.Runtime.
func (r *Runtime) HandleEffects(ctx context.Context, effects []framework.Effect, emit func(framework.Input)) {
	for _, eff := range effects {
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch e := eff.(type) {
		case effDial:
			r.dial(ctx, e, emit)
		case effWrite:
			r.write(e.Gen, e.Event, e.Data)
		case effSendHeartbeat:
			r.write(e.Gen, wire.EventHeartbeat, r.heartbeatPayload(e.AgentID))
		case effClose:
			r.closeSocket(e)
		case effStartTimer:
			r.startTimer(ctx, e, emit)
		case effCancelTimer:
			r.cancelTimer(e)
		case effAdvanceGeneration:
			if r.spend != nil {
				r.spend.Advance(e.Gen)
			}
		case effDeliverSpend:
			if r.spend != nil {
				r.spend.Deliver(e.Gen, e.Msg)
			}
		case effNotifyConnected:
			r.notifyConnected(e)
		case effNotifyDisconnected:
			r.notifyDisconnected(e)
		case effNotifyAuthFailed:
			r.notifyAuthFailed(e)
		case effNotifyServerEvent:
			r.log.With(logger.Fields{"event": string(e.Event.Data)}).Debugf("server event")
			if r.observer != nil {
				data := e.Event.Data
				r.notify.post(func() { r.observer.ServerEvent(data) })
			}
		case effNotifyCommand:
			if r.observer != nil {
				cmd := e.Cmd
				r.notify.post(func() { r.observer.Command(cmd) })
			}
		case effReply:
			r.reply(e.Reply)
		default:
			// Unknown effect: ignore.
		}
	}
}

// Stop implements actor.Runtime.
func (r *Runtime) Stop() {
	r.mu.Lock()
	for name, t := range r.timers {
		t.Stop()
		delete(r.timers, name)
	}
	if r.cancelDial != nil {
		r.cancelDial()
		r.cancelDial = nil
	}
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		conn.CloseAsync(wire.CloseNormal, closeReasonShutdown)
	}
	r.notify.stop()
}

func (r *Runtime) dial(ctx context.Context, eff effDial, emit func(framework.Input)) {
	dialCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	if r.cancelDial != nil {
		r.cancelDial()
	}
	r.dialGen = eff.Gen
	r.cancelDial = cancel
	r.mu.Unlock()

	r.log.With(logger.Fields{"url": eff.URL, "gen": eff.Gen}).Infof("connecting to server")

	go func() {
		client, err := websocket.Dial(dialCtx, eff.URL, r.transport)
		if err != nil {
			r.log.With(logger.Fields{"gen": eff.Gen}).Warnf("%v", err)
			emit(evSocketClosed{
				Gen:    eff.Gen,
				Code:   websocket.CloseAbnormal,
				Reason: err.Error(),
				Jitter: r.jitter(),
			})
			return
		}

		r.mu.Lock()
		current := r.dialGen == eff.Gen && dialCtx.Err() == nil
		var prev *websocket.Client
		if current {
			prev = r.conn
			r.conn = client
			r.connGen = eff.Gen
		}
		r.mu.Unlock()

		if prev != nil {
			_ = prev.Close(wire.CloseNormal, closeReasonShutdown)
		}
		if !current {
			// Disconnected or superseded while dialing.
			_ = client.Close(wire.CloseNormal, closeReasonShutdown)
			emit(evSocketClosed{Gen: eff.Gen, Code: wire.CloseNormal, Reason: "dial abandoned", Jitter: r.jitter()})
			return
		}

		r.log.Infof("websocket connected, authenticating")
		emit(evSocketOpened{Gen: eff.Gen})
		r.readPump(client, eff.Gen, emit)
	}()
}

// readPump runs on the dial goroutine until the socket ends. Frames are
// handed to the actor in arrival order.
func (r *Runtime) readPump(client *websocket.Client, gen int64, emit func(framework.Input)) {
	err := client.ReadLoop(func(raw []byte) {
		msg, ok := r.dispatcher.Handle(raw)
		if !ok {
			return
		}
		emit(evInbound{Gen: gen, Msg: msg})
	})
	code, reason := websocket.CloseDetails(err)

	r.mu.Lock()
	if r.conn == client {
		r.conn = nil
	}
	r.mu.Unlock()
	_ = client.Close(wire.CloseNormal, "")

	emit(evSocketClosed{Gen: gen, Code: code, Reason: reason, Jitter: r.jitter()})
}

func (r *Runtime) write(gen int64, event string, data any) {
	r.mu.Lock()
	conn := r.conn
	connGen := r.connGen
	r.mu.Unlock()

	if conn == nil || connGen != gen {
		r.log.With(logger.Fields{"event": event}).Debugf("socket not open, dropping frame")
		return
	}
	raw, err := wire.Encode(event, data)
	if err != nil {
		r.log.Errorf("encode %s: %v", event, err)
		return
	}
	switch err := conn.Send(raw); {
	case err == nil:
	case errors.Is(err, websocket.ErrClosed):
		r.log.With(logger.Fields{"event": event}).Debugf("socket closing, dropping frame")
	default:
		r.log.With(logger.Fields{"event": event}).Warnf("dropping frame: %v", err)
	}
}

func (r *Runtime) closeSocket(eff effClose) {
	r.mu.Lock()
	if r.dialGen == eff.Gen && r.cancelDial != nil {
		r.cancelDial()
		r.cancelDial = nil
	}
	var conn *websocket.Client
	if r.conn != nil && r.connGen == eff.Gen {
		conn = r.conn
		r.conn = nil
	}
	if conn != nil {
		r.lastClosed = conn
	}
	r.mu.Unlock()

	if conn == nil {
		return
	}
	r.log.With(logger.Fields{"code": eff.Code, "reason": eff.Reason}).Debugf("closing socket")
	conn.CloseAsync(eff.Code, eff.Reason)
}

// reply closes ch once the most recently closed socket has flushed its close
// frame, without holding up the actor loop.
func (r *Runtime) reply(ch chan struct{}) {
	if ch == nil {
		return
	}
	r.mu.Lock()
	conn := r.lastClosed
	r.lastClosed = nil
	r.mu.Unlock()

	if conn == nil {
		close(ch)
		return
	}
	go func() {
		<-conn.Done()
		close(ch)
	}()
}

func (r *Runtime) heartbeatPayload(agentID string) wire.HeartbeatPayload {
	return wire.HeartbeatPayload{
		AgentID:       agentID,
		UptimeSeconds: int64(r.clock.Now().Sub(r.startTime) / time.Second),
		MemoryUsageMb: r.memoryMB(),
	}
}

func (r *Runtime) notifyConnected(eff effNotifyConnected) {
	r.log.With(logger.Fields{"serverVersion": eff.ServerVersion}).Infof("agent %s authenticated", eff.AgentID)
	if r.observer != nil {
		r.notify.post(func() { r.observer.Connected(eff.AgentID, eff.ServerVersion) })
	}
}

func (r *Runtime) notifyDisconnected(eff effNotifyDisconnected) {
	r.log.With(logger.Fields{"code": eff.Code, "reason": eff.Reason}).Warnf("connection lost")
	r.log.With(logger.Fields{"attempt": eff.Attempt, "delayMs": eff.RetryInMs}).Infof("reconnecting")
	if r.observer != nil {
		r.notify.post(func() { r.observer.Disconnected(eff.Code, eff.Reason) })
	}
}

func (r *Runtime) notifyAuthFailed(eff effNotifyAuthFailed) {
	r.log.With(logger.Fields{"reason": eff.Reason}).Errorf("authentication failed")
	if r.observer != nil {
		r.notify.post(func() { r.observer.AuthFailed(eff.Reason) })
	}
}
