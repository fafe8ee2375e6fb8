package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	agentlink "github.com/bjoelf/agentlink/adapter"
)

const (
	correlationPrefix = "msg"

	defaultRequestTimeout = 30 * time.Second
	defaultWarnAfter      = 10 * time.Second
)

// Sender writes one outbound frame. *ConnectionManager satisfies it.
type Sender interface {
	Send(v any) error
}

// CorrelatorOptions tunes a Correlator. Zero values pick the defaults.
type CorrelatorOptions struct {
	Timeout   time.Duration
	WarnAfter time.Duration

	// OnSettled runs once per exchange with its terminal error (nil on
	// success) before waiters are released.
	OnSettled func(id string, err error)
}

// Request is one outgoing chat message
type Request struct {
	Message      string
	Context      json.RawMessage
	Streaming    bool
	SessionToken string

	// Per request overrides of the correlator defaults
	Timeout   time.Duration
	WarnAfter time.Duration

	OnEvent EventHandler
}

// Exchange is the caller's handle on one pending request
type Exchange struct {
	id      string
	started time.Time
	onEvent EventHandler

	// mu serialises event delivery against settlement
	mu      sync.Mutex
	settled bool
	outcome *Outcome
	err     error
	timeout clockwork.Timer
	warning clockwork.Timer
	done    chan struct{}
}

// ID returns the correlation id stamped on the outgoing frame
func (e *Exchange) ID() string { return e.id }

// Done is closed once the exchange has its terminal outcome
func (e *Exchange) Done() <-chan struct{} { return e.done }

// Wait blocks until the exchange settles or ctx ends. Cancelling ctx only
// stops waiting; the request keeps running until its own timeout.
func (e *Exchange) Wait(ctx context.Context) (*Outcome, error) {
	select {
	case <-e.done:
		return e.outcome, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Correlator stamps requests with correlation ids and settles each one
// exactly once, by terminal frame or by timeout. It is the only writer of
// the pending table.
type Correlator struct {
	sender Sender
	clock  clockwork.Clock
	logger logrus.FieldLogger
	opts   CorrelatorOptions

	seq atomic.Uint64

	mu      sync.Mutex
	pending map[string]*Exchange

	discarded atomic.Uint64
}

// NewCorrelator creates a correlator writing through sender
func NewCorrelator(sender Sender, clock clockwork.Clock, logger logrus.FieldLogger, opts CorrelatorOptions) *Correlator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRequestTimeout
	}
	if opts.WarnAfter < 0 {
		opts.WarnAfter = 0
	} else if opts.WarnAfter == 0 {
		opts.WarnAfter = defaultWarnAfter
	}

	return &Correlator{
		sender:  sender,
		clock:   clock,
		logger:  logger,
		opts:    opts,
		pending: make(map[string]*Exchange),
	}
}

// Send registers a pending exchange and writes the chat frame. A missing
// token or a failed write is reported here and leaves nothing pending.
func (c *Correlator) Send(req Request) (*Exchange, error) {
	if strings.TrimSpace(req.SessionToken) == "" {
		return nil, &agentlink.SessionError{Err: agentlink.ErrSessionRequired}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}
	warnAfter := req.WarnAfter
	if warnAfter <= 0 {
		warnAfter = c.opts.WarnAfter
	}

	now := c.clock.Now()
	id := generateCorrelationID(correlationPrefix, now, c.seq.Add(1))
	ex := &Exchange{
		id:      id,
		started: now,
		onEvent: req.OnEvent,
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	c.pending[id] = ex
	c.mu.Unlock()

	ex.mu.Lock()
	ex.timeout = c.clock.AfterFunc(timeout, func() { c.expire(id) })
	if warnAfter > 0 && warnAfter < timeout {
		ex.warning = c.clock.AfterFunc(warnAfter, func() { c.warn(id, warnAfter) })
	}
	ex.mu.Unlock()

	frame := Frame{
		Type:      FrameChat,
		MessageID: id,
		Message:   req.Message,
		Context:   req.Context,
		SessionID: req.SessionToken,
		Streaming: req.Streaming,
	}
	if err := c.sender.Send(frame); err != nil {
		if pending := c.take(id); pending != nil {
			pending.settle(nil, err)
			close(pending.done)
		}
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"function":   "Send",
		"message_id": id,
		"streaming":  req.Streaming,
	}).Debug("Request sent")

	return ex, nil
}

// Deliver forwards a non-terminal event to the exchange's handler. It
// reports false when id is not pending.
func (c *Correlator) Deliver(id string, ev Event) bool {
	return c.deliverWith(id, ev, nil)
}

// deliverWith runs accept under the exchange lock just before the handler,
// and only while the exchange is unsettled.
func (c *Correlator) deliverWith(id string, ev Event, accept func()) bool {
	ex := c.lookup(id)
	if ex == nil || !ex.deliver(ev, accept) {
		c.discard(id, "event")
		return false
	}
	return true
}

// expire is the timeout path: terminal, scoped to id only
func (c *Correlator) expire(id string) {
	if ex := c.take(id); ex != nil {
		c.finish(ex, nil, &agentlink.TimeoutError{CorrelationID: id})
	}
}

func (c *Correlator) warn(id string, elapsed time.Duration) {
	ex := c.lookup(id)
	if ex == nil {
		return
	}
	c.logger.WithFields(logrus.Fields{
		"function":   "warn",
		"message_id": id,
		"elapsed":    elapsed,
	}).Warn("Request still pending")
	ex.deliver(WarningEvent{Elapsed: elapsed}, nil)
}

func (e *Exchange) deliver(ev Event, accept func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.settled {
		return false
	}
	if accept != nil {
		accept()
	}
	if e.onEvent != nil {
		e.onEvent(ev)
	}
	return true
}

// Resolve settles id successfully. Only the first terminal call for an id
// has any effect.
func (c *Correlator) Resolve(id string, outcome *Outcome) bool {
	return c.resolveWith(id, outcome, nil)
}

// resolveWith runs taken once this call owns the exchange, before it settles
func (c *Correlator) resolveWith(id string, outcome *Outcome, taken func()) bool {
	ex := c.take(id)
	if ex == nil {
		c.discard(id, "resolve")
		return false
	}
	if taken != nil {
		taken()
	}
	if outcome == nil {
		outcome = &Outcome{}
	}
	outcome.CorrelationID = id
	c.finish(ex, outcome, nil)
	return true
}

// Reject settles id with err
func (c *Correlator) Reject(id string, err error) bool {
	return c.rejectWith(id, err, nil)
}

func (c *Correlator) rejectWith(id string, err error, taken func()) bool {
	ex := c.take(id)
	if ex == nil {
		c.discard(id, "reject")
		return false
	}
	if taken != nil {
		taken()
	}
	c.finish(ex, nil, err)
	return true
}

// IsPending reports whether id awaits its terminal outcome
func (c *Correlator) IsPending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// Pending returns the number of outstanding exchanges
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Discarded counts inbound frames whose id matched nothing pending
func (c *Correlator) Discarded() uint64 {
	return c.discarded.Load()
}

func (c *Correlator) lookup(id string) *Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[id]
}

// take removes id from the pending table. Exactly one caller gets the entry.
func (c *Correlator) take(id string) *Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	ex, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return ex
}

func (c *Correlator) finish(ex *Exchange, outcome *Outcome, err error) {
	ex.settle(outcome, err)

	fields := logrus.Fields{
		"function":   "finish",
		"message_id": ex.id,
		"elapsed":    c.clock.Since(ex.started),
	}
	if err != nil {
		fields["error"] = err
		c.logger.WithFields(fields).Info("Request failed")
	} else {
		c.logger.WithFields(fields).Debug("Request completed")
	}

	if c.opts.OnSettled != nil {
		c.opts.OnSettled(ex.id, err)
	}
	close(ex.done)
}

func (c *Correlator) discard(id, what string) {
	c.discarded.Add(1)
	c.logger.WithFields(logrus.Fields{
		"function":   "discard",
		"message_id": id,
		"kind":       what,
	}).Debug("Dropping frame for unknown or settled request")
}

// settle records the outcome and stops the timers. It waits for an event
// delivery in progress, so no handler runs after settlement.
func (e *Exchange) settle(outcome *Outcome, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.settled = true
	e.outcome = outcome
	e.err = err
	if e.timeout != nil {
		e.timeout.Stop()
	}
	if e.warning != nil {
		e.warning.Stop()
	}
}
