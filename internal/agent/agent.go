// Package agent wires the configuration, the session and the spend client
// into a running agent and applies the server's commands.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stamn/agent/internal/config"
	"github.com/stamn/agent/internal/session"
	"github.com/stamn/agent/internal/spend"
	"github.com/stamn/agent/internal/version"
	"github.com/stamn/agent/internal/websocket"
	"github.com/stamn/agent/internal/wire"
	"github.com/stamn/agent/pkg/logger"
)

// ErrAuthFailed is returned by Run and WaitConnected when the server rejected
// the credentials.
var ErrAuthFailed = session.ErrAuthFailed

// CodePaused is the local denial code for spends issued while paused.
const CodePaused = "paused"

const shutdownTimeout = 5 * time.Second

type options struct {
	sessionOpts []session.Option
	spendOpts   []spend.Option
	onEvent     func(json.RawMessage)
}

// Option customizes an Agent.
type Option func(*options)

// WithSessionOptions passes options through to the session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(o *options) { o.sessionOpts = append(o.sessionOpts, opts...) }
}

// WithSpendOptions passes options through to the spend client.
func WithSpendOptions(opts ...spend.Option) Option {
	return func(o *options) { o.spendOpts = append(o.spendOpts, opts...) }
}

// WithEventHandler receives every server:event payload.
func WithEventHandler(fn func(json.RawMessage)) Option {
	return func(o *options) { o.onEvent = fn }
}

// Agent owns one session and its spend client.
type Agent struct {
	cfg     *config.Config
	session *session.Session
	spend   *spend.Client
	log     logger.Logger
	onEvent func(json.RawMessage)

	paused atomic.Bool

	connected     chan struct{}
	connectedOnce sync.Once

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// New validates cfg and builds an agent. It does not connect.
func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.RequireCredentials(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &Agent{
		cfg:       cfg,
		log:       logger.Named("agent"),
		onEvent:   o.onEvent,
		connected: make(chan struct{}),
		shutdown:  make(chan struct{}),
	}

	// The spend client writes through the session, and the session feeds
	// results back to the spend client. a.session is set before any request
	// can be issued.
	a.spend = spend.NewClient(spend.SenderFunc(func(event string, payload any) error {
		return a.session.Send(event, payload)
	}), o.spendOpts...)

	transport := websocket.DefaultOptions()
	transport.Header = http.Header{"User-Agent": []string{version.UserAgent()}}

	sess, err := session.New(session.Config{
		ServerURL: cfg.ServerURL,
		Credentials: session.Credentials{
			AgentID: cfg.AgentID,
			APIKey:  cfg.APIKey,
		},
		Version:           version.Version(),
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReconnectBase:     cfg.ReconnectBase,
		ReconnectMax:      cfg.ReconnectMax,
		Transport:         transport,
	}, append([]session.Option{
		session.WithHandlers(session.Handlers{
			OnConnected:    a.handleConnected,
			OnDisconnected: a.handleDisconnected,
			OnAuthFailed:   a.handleAuthFailed,
			OnEvent:        a.handleEvent,
			OnCommand:      a.handleCommand,
		}),
		session.WithSpendSink(a.spend),
	}, o.sessionOpts...)...)
	if err != nil {
		return nil, err
	}
	a.session = sess
	return a, nil
}

// Start begins connecting.
func (a *Agent) Start() error {
	a.log.With(logger.Fields{"agentId": a.cfg.AgentID, "server": a.cfg.ServerURL}).
		Infof("starting agent %s", version.RichVersion())
	return a.session.Connect()
}

// Run connects and blocks until ctx ends, the server sends a shutdown command
// or authentication fails. It always shuts the session down before returning.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(); err != nil {
		return err
	}

	var reason string
	select {
	case <-ctx.Done():
		reason = "context done"
	case <-a.shutdown:
		reason = "shutdown command"
	case <-a.session.Done():
		reason = "session ended"
	}
	a.log.Infof("stopping agent: %s", reason)

	err := a.session.Err()
	if cerr := a.Close(); err == nil && cerr != nil && !errors.Is(cerr, context.DeadlineExceeded) {
		err = cerr
	}
	return err
}

// WaitConnected blocks until the first successful authentication.
func (a *Agent) WaitConnected(ctx context.Context) error {
	select {
	case <-a.connected:
		return nil
	case <-a.session.Done():
		if err := a.session.Err(); err != nil {
			return err
		}
		return session.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Spend requests authorization for one spend. While paused it is denied
// locally without contacting the server.
func (a *Agent) Spend(ctx context.Context, params spend.Params) (spend.Result, error) {
	if a.paused.Load() {
		return spend.Denied("Agent is paused", CodePaused), nil
	}
	return a.spend.Request(ctx, params)
}

// Paused reports whether the server paused the agent.
func (a *Agent) Paused() bool {
	return a.paused.Load()
}

// Close disconnects, resolves pending spends as shutdown denials and stops
// the session. It is safe to call more than once.
func (a *Agent) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := a.session.Disconnect(ctx)
	a.spend.Close()
	if cerr := a.session.Close(); err == nil {
		err = cerr
	}
	return err
}

func (a *Agent) handleConnected(agentID, serverVersion string) {
	a.log.With(logger.Fields{"agentId": agentID, "serverVersion": serverVersion, "gen": a.session.Generation()}).
		Infof("agent is online and ready")
	a.connectedOnce.Do(func() { close(a.connected) })
}

func (a *Agent) handleDisconnected(code int, reason string) {
	a.log.With(logger.Fields{"code": code, "reason": reason}).Warnf("disconnected from server")
}

func (a *Agent) handleAuthFailed(reason string) {
	a.log.Errorf("authentication failed: %s", reason)
}

func (a *Agent) handleEvent(data json.RawMessage) {
	if a.onEvent != nil {
		a.onEvent(data)
		return
	}
	a.log.Debugf("server event: %s", data)
}

func (a *Agent) handleCommand(cmd wire.CommandPayload) {
	log := a.log.With(logger.Fields{"commandId": cmd.CommandID, "command": string(cmd.Command)})
	log.Infof("received command")

	switch cmd.Command {
	case wire.CommandShutdown:
		a.shutdownOnce.Do(func() { close(a.shutdown) })
	case wire.CommandPause:
		a.paused.Store(true)
	case wire.CommandResume:
		a.paused.Store(false)
	case wire.CommandUpdateConfig:
		if err := a.applyConfigUpdate(cmd.Params); err != nil {
			log.Warnf("update_config: %v", err)
		}
	}
}

// applyConfigUpdate applies the recognized update_config params. Unknown
// keys are ignored.
func (a *Agent) applyConfigUpdate(params map[string]any) error {
	var errs []error
	if raw, ok := params["logLevel"]; ok {
		s, _ := raw.(string)
		lvl, err := logger.ParseLevel(s)
		if err != nil {
			errs = append(errs, err)
		} else {
			logger.SetLevel(lvl)
		}
	}
	if raw, ok := params["heartbeatIntervalMs"]; ok {
		ms, ok := raw.(float64)
		if !ok || ms <= 0 || ms != float64(int64(ms)) {
			errs = append(errs, fmt.Errorf("heartbeatIntervalMs must be a positive integer, got %v", raw))
		} else if err := a.session.SetHeartbeatInterval(time.Duration(ms) * time.Millisecond); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
