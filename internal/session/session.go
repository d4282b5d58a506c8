// Package session maintains the authenticated control-plane connection to the
// orchestration server.
//
// A Session is a thin handle around a single-goroutine actor: every state
// change runs through sessionactor.Reduce, and all socket and timer work is
// done by sessionactor.Runtime. Handlers are invoked in order from one
// goroutine owned by the session, never from the actor loop.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	framework "github.com/stamn/agent/internal/actor"
	sessionactor "github.com/stamn/agent/internal/session/actor"
	"github.com/stamn/agent/internal/sysinfo"
	"github.com/stamn/agent/internal/websocket"
	"github.com/stamn/agent/internal/wire"
	"github.com/stamn/agent/pkg/logger"
)

var (
	// ErrAuthFailed is reported by Err once the server rejected the
	// credentials. It is not retryable without new credentials.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrMissingCredentials is returned by New without an agent id or api key.
	ErrMissingCredentials = errors.New("missing agent credentials")
)

// Default timings.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectBase     = time.Second
	DefaultReconnectMax      = 30 * time.Second

	closeTimeout = 5 * time.Second
	mailboxSize  = 1024
)

// Credentials identify the agent.
type Credentials = sessionactor.Credentials

// State is the connection state.
type State = sessionactor.FSMState

// Connection states.
const (
	StateDisconnected       = sessionactor.StateDisconnected
	StateConnecting         = sessionactor.StateConnecting
	StateAwaitingAuth       = sessionactor.StateAwaitingAuth
	StateAuthenticated      = sessionactor.StateAuthenticated
	StateReconnectScheduled = sessionactor.StateReconnectScheduled
	StateShuttingDown       = sessionactor.StateShuttingDown
)

// Config describes one session.
type Config struct {
	// ServerURL is the http(s) address of the orchestration server.
	ServerURL   string
	Credentials Credentials
	// Version is the agent version reported in status reports.
	Version string

	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	ReconnectBase       time.Duration
	ReconnectMax        time.Duration

	Transport websocket.Options
}

// Handlers are the owner's notification callbacks. Any of them may be nil.
type Handlers struct {
	OnConnected    func(agentID, serverVersion string)
	OnDisconnected func(code int, reason string)
	OnAuthFailed   func(reason string)
	OnEvent        func(data json.RawMessage)
	OnCommand      func(cmd wire.CommandPayload)
}

// Connected implements sessionactor.Observer.
func (h Handlers) Connected(agentID, serverVersion string) {
	if h.OnConnected != nil {
		h.OnConnected(agentID, serverVersion)
	}
}

// Disconnected implements sessionactor.Observer.
func (h Handlers) Disconnected(code int, reason string) {
	if h.OnDisconnected != nil {
		h.OnDisconnected(code, reason)
	}
}

// AuthFailed implements sessionactor.Observer.
func (h Handlers) AuthFailed(reason string) {
	if h.OnAuthFailed != nil {
		h.OnAuthFailed(reason)
	}
}

// ServerEvent implements sessionactor.Observer.
func (h Handlers) ServerEvent(data json.RawMessage) {
	if h.OnEvent != nil {
		h.OnEvent(data)
	}
}

// Command implements sessionactor.Observer.
func (h Handlers) Command(cmd wire.CommandPayload) {
	if h.OnCommand != nil {
		h.OnCommand(cmd)
	}
}

type options struct {
	handlers  Handlers
	spend     sessionactor.SpendSink
	clock     framework.Clock
	jitter    func() float64
	memoryMB  func() int64
	startTime time.Time
}

// Option customizes a Session.
type Option func(*options)

// WithHandlers installs notification callbacks.
func WithHandlers(h Handlers) Option {
	return func(o *options) { o.handlers = h }
}

// WithSpendSink routes spend results and connection generations to sink.
func WithSpendSink(sink sessionactor.SpendSink) Option {
	return func(o *options) { o.spend = sink }
}

// WithClock replaces the clock driving heartbeat and reconnect timers.
func WithClock(c framework.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithJitter replaces the source of reconnect jitter samples in [0, 1).
func WithJitter(fn func() float64) Option {
	return func(o *options) { o.jitter = fn }
}

// WithMemorySampler replaces the resident memory sampler used in heartbeats.
func WithMemorySampler(fn func() int64) Option {
	return func(o *options) { o.memoryMB = fn }
}

// WithStartTime sets the reference point for reported uptime.
func WithStartTime(t time.Time) Option {
	return func(o *options) { o.startTime = t }
}

// Session is the connection manager. It is safe for concurrent use.
type Session struct {
	actor *framework.Actor[sessionactor.State]
	log   logger.Logger

	done     chan struct{}
	doneOnce sync.Once
}

// New builds a session and starts its actor. It does not connect.
func New(cfg Config, opts ...Option) (*Session, error) {
	if strings.TrimSpace(cfg.Credentials.AgentID) == "" || cfg.Credentials.APIKey == "" {
		return nil, ErrMissingCredentials
	}
	url, err := websocket.AgentURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = DefaultReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = DefaultReconnectMax
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"heartbeat interval", cfg.HeartbeatInterval},
		{"reconnect base", cfg.ReconnectBase},
		{"reconnect max", cfg.ReconnectMax},
	} {
		if d.val < time.Millisecond {
			return nil, fmt.Errorf("%s %s is below the 1ms resolution", d.name, d.val)
		}
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		return nil, fmt.Errorf("reconnect max %s below base %s", cfg.ReconnectMax, cfg.ReconnectBase)
	}
	defaults := websocket.DefaultOptions()
	if cfg.Transport.HandshakeTimeout <= 0 {
		cfg.Transport.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.Transport.WriteTimeout <= 0 {
		cfg.Transport.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.Transport.ReadLimit <= 0 {
		cfg.Transport.ReadLimit = defaults.ReadLimit
	}

	o := options{memoryMB: sysinfo.RSSMegabytes}
	for _, opt := range opts {
		opt(&o)
	}

	rt := sessionactor.NewRuntime(sessionactor.RuntimeConfig{
		Transport: cfg.Transport,
		Clock:     o.clock,
		Jitter:    o.jitter,
		StartTime: o.startTime,
		MemoryMB:  o.memoryMB,
		Observer:  o.handlers,
		Spend:     o.spend,
	})

	s := &Session{
		log:  logger.Named("session"),
		done: make(chan struct{}),
	}

	hooks := framework.Hooks[sessionactor.State]{
		OnInput: func(input framework.Input) {
			logger.Tracef("session-actor input: %T", input)
		},
		OnTransition: func(prev, next sessionactor.State, _ framework.Input) {
			if prev.FSM != next.FSM {
				s.log.With(logger.Fields{"from": string(prev.FSM), "to": string(next.FSM), "gen": next.Gen}).
					Debugf("session state changed")
			}
			if next.FSM == sessionactor.StateShuttingDown {
				s.doneOnce.Do(func() { close(s.done) })
			}
		},
	}

	initial := sessionactor.InitialState(sessionactor.Settings{
		URL:                 url,
		Credentials:         cfg.Credentials,
		Version:             cfg.Version,
		HeartbeatIntervalMs: cfg.HeartbeatInterval.Milliseconds(),
		MaxMissedHeartbeats: cfg.MaxMissedHeartbeats,
		ReconnectBaseMs:     cfg.ReconnectBase.Milliseconds(),
		ReconnectMaxMs:      cfg.ReconnectMax.Milliseconds(),
	})

	s.actor = framework.New(
		initial,
		sessionactor.Reduce,
		rt,
		framework.WithHooks(hooks),
		framework.WithMailboxSize[sessionactor.State](mailboxSize),
	)
	s.actor.Start()
	return s, nil
}

// Connect starts connecting. It is a no-op once the session is connecting,
// connected or shut down.
func (s *Session) Connect() error {
	if !s.actor.Enqueue(sessionactor.Connect()) {
		return ErrSessionClosed
	}
	return nil
}

// Send writes one envelope if the socket is open. Frames sent while
// disconnected are dropped without error; callers that need an answer must
// use a correlated request with its own timeout.
func (s *Session) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if !s.actor.Enqueue(sessionactor.Send(event, json.RawMessage(data))) {
		return ErrSessionClosed
	}
	return nil
}

// ForceReconnect drops the current socket and reconnects with backoff.
func (s *Session) ForceReconnect(reason string) error {
	if !s.actor.Enqueue(sessionactor.ForceReconnect(reason)) {
		return ErrSessionClosed
	}
	return nil
}

// Disconnect shuts the session down: pending reconnects are cancelled, a
// shutting_down status report is sent if authenticated and the socket is
// closed normally. It waits until those frames were written or ctx ends.
// Calling it again is a no-op.
func (s *Session) Disconnect(ctx context.Context) error {
	reply := make(chan struct{})
	if err := s.actor.EnqueueContext(ctx, sessionactor.Disconnect(reply)); err != nil {
		if errors.Is(err, framework.ErrStopped) {
			return nil
		}
		return err
	}
	select {
	case <-reply:
		return nil
	case <-s.actor.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects and stops the session's goroutines.
func (s *Session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	err := s.Disconnect(ctx)
	s.actor.Stop()
	<-s.actor.Done()
	return err
}

// SetHeartbeatInterval changes the heartbeat interval from the next tick on.
func (s *Session) SetHeartbeatInterval(d time.Duration) error {
	if d < time.Millisecond {
		return fmt.Errorf("heartbeat interval must be at least 1ms, got %s", d)
	}
	if !s.actor.Enqueue(sessionactor.SetHeartbeatInterval(d.Milliseconds())) {
		return ErrSessionClosed
	}
	return nil
}

// State returns the current connection state.
func (s *Session) State() State {
	return s.actor.State().FSM
}

// IsAuthenticated reports whether the server accepted the credentials on the
// current socket.
func (s *Session) IsAuthenticated() bool {
	return s.State() == StateAuthenticated
}

// Generation returns the connection generation, incremented on every dial.
func (s *Session) Generation() int64 {
	return s.actor.State().Gen
}

// Done is closed once the session reached its terminal state, either through
// Disconnect or because authentication failed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns an error wrapping ErrAuthFailed if the server rejected the
// credentials, and nil otherwise.
func (s *Session) Err() error {
	if reason := s.actor.State().AuthFailure; reason != "" {
		return fmt.Errorf("%w: %s", ErrAuthFailed, reason)
	}
	return nil
}
