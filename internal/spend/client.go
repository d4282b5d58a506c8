// Package spend issues spend (financial authorization) requests over the
// session and correlates the server's approvals and denials with them.
package spend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stamn/agent/internal/actor"
	"github.com/stamn/agent/internal/websocket"
	"github.com/stamn/agent/internal/wire"
	"github.com/stamn/agent/pkg/logger"
)

// DefaultTimeout bounds how long a spend request waits for the server.
const DefaultTimeout = 30 * time.Second

// Machine-readable codes for denials produced locally.
const (
	CodeTimeout         = "timeout"
	CodeConnectionReset = "connection_reset"
	CodeShutdown        = "shutdown"
)

// ErrInvalidSpend is returned for spend parameters the server would reject.
var ErrInvalidSpend = errors.New("invalid spend request")

// Sender writes an envelope on the session.
type Sender interface {
	Send(event string, payload any) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(event string, payload any) error

// Send implements Sender.
func (f SenderFunc) Send(event string, payload any) error { return f(event, payload) }

// Params describe one spend.
type Params struct {
	AmountCents      int64
	Category         wire.SpendCategory
	Rail             wire.SpendRail
	Vendor           string
	Description      string
	RecipientAgentID string
	RecipientAddress string
}

// Validate checks p against the ledger's constraints.
func (p Params) Validate() error {
	switch {
	case p.AmountCents <= 0:
		return fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidSpend, p.AmountCents)
	case !p.Category.Valid():
		return fmt.Errorf("%w: unknown category %q", ErrInvalidSpend, p.Category)
	case !p.Rail.Valid():
		return fmt.Errorf("%w: unknown rail %q", ErrInvalidSpend, p.Rail)
	case strings.TrimSpace(p.Description) == "":
		return fmt.Errorf("%w: description is required", ErrInvalidSpend)
	case p.RecipientAgentID != "" && p.RecipientAddress != "":
		return fmt.Errorf("%w: recipient agent and address are mutually exclusive", ErrInvalidSpend)
	}
	return nil
}

// Result is the outcome of a spend request. Approved results carry the ledger
// fields, denied ones Reason and Code.
type Result struct {
	RequestID string
	Approved  bool

	LedgerEntryID         string
	TransactionHash       string
	RemainingBalanceCents int64

	Reason string
	Code   string
}

// Denied builds a denial result.
func Denied(reason, code string) Result {
	return Result{Reason: reason, Code: code}
}

func expired(e Expiry) Result {
	switch e {
	case ExpiryConnectionReset:
		return Denied("Connection reset before response", CodeConnectionReset)
	case ExpiryShutdown:
		return Denied("Client shutting down", CodeShutdown)
	default:
		return Denied("Request timed out", CodeTimeout)
	}
}

// Option customizes a Client.
type Option func(*Client)

// WithClock replaces the clock driving request timeouts.
func WithClock(clock actor.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithTimeout replaces DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithIDGenerator replaces the request id generator.
func WithIDGenerator(fn func() string) Option {
	return func(c *Client) { c.newID = fn }
}

// Client issues spend requests. It implements the session's spend sink.
type Client struct {
	sender  Sender
	clock   actor.Clock
	timeout time.Duration
	newID   func() string
	log     logger.Logger

	pending *Correlator[Result]
}

// NewClient returns a Client that sends through sender.
func NewClient(sender Sender, opts ...Option) *Client {
	c := &Client{
		sender:  sender,
		timeout: DefaultTimeout,
		newID:   uuid.NewString,
		log:     logger.Named("spend"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.pending = NewCorrelator(c.clock, c.timeout, expired)
	return c
}

// Request sends a spend request and waits for the server's answer, the
// timeout or ctx. Denials, including timeouts, are results rather than
// errors; errors are reserved for invalid parameters, send failures and ctx.
func (c *Client) Request(ctx context.Context, params Params) (Result, error) {
	if err := params.Validate(); err != nil {
		return Result{}, err
	}

	requestID := c.newID()
	p, err := c.pending.Register(requestID)
	if err != nil {
		return Result{}, err
	}

	log := c.log.With(logger.Fields{"requestId": requestID, "gen": c.pending.Generation()})
	log.With(logger.Fields{
		"amountCents": params.AmountCents,
		"vendor":      params.Vendor,
		"category":    string(params.Category),
	}).Infof("requesting spend: %s", params.Description)

	payload := wire.SpendRequestPayload{
		RequestID:        requestID,
		AmountCents:      params.AmountCents,
		Currency:         wire.CurrencyUSDC,
		Category:         params.Category,
		Rail:             params.Rail,
		Vendor:           params.Vendor,
		Description:      params.Description,
		RecipientAgentID: params.RecipientAgentID,
		RecipientAddress: params.RecipientAddress,
	}
	if err := c.sender.Send(wire.EventSpendRequest, payload); err != nil {
		p.Cancel()
		return Result{}, fmt.Errorf("send spend request: %w", err)
	}

	select {
	case res := <-p.Done():
		res.RequestID = requestID
		switch {
		case res.Approved:
			log.With(logger.Fields{
				"ledgerEntryId":         res.LedgerEntryID,
				"remainingBalanceCents": res.RemainingBalanceCents,
			}).Infof("spend approved")
		case res.Code == CodeTimeout:
			log.Errorf("spend request timed out")
		default:
			log.With(logger.Fields{"code": res.Code, "reason": res.Reason}).Warnf("spend denied")
		}
		return res, nil
	case <-ctx.Done():
		p.Cancel()
		return Result{}, ctx.Err()
	}
}

// Advance implements the session spend sink.
func (c *Client) Advance(gen int64) {
	c.pending.Advance(gen)
}

// Deliver implements the session spend sink.
func (c *Client) Deliver(gen int64, msg websocket.Inbound) {
	var (
		id  string
		res Result
	)
	switch m := msg.(type) {
	case websocket.SpendApproved:
		id = m.RequestID
		res = Result{
			Approved:              true,
			LedgerEntryID:         m.LedgerEntryID,
			TransactionHash:       m.TransactionHash,
			RemainingBalanceCents: m.RemainingBalanceCents,
		}
	case websocket.SpendDenied:
		id = m.RequestID
		res = Denied(m.Reason, m.Code)
	default:
		return
	}
	if !c.pending.Resolve(gen, id, res) {
		c.log.With(logger.Fields{"requestId": id, "gen": gen}).Debugf("spend result without pending request")
	}
}

// Pending returns the number of requests awaiting an answer.
func (c *Client) Pending() int {
	return c.pending.Len()
}

// Close resolves all pending requests as shutdown denials.
func (c *Client) Close() {
	c.pending.Close()
}
