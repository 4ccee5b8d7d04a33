// Package intercept implements the interception coordinator: it pairs each
// suspended request or response with a one-shot resume channel, and exposes
// two bounded command channels (request/response) that the UI layer pushes
// Forward/Drop decisions into. The bounded channels (capacity 256) are the
// coordinator's only backpressure mechanism — a UI that can't keep up simply
// blocks the operator's own Forward/Drop call, it never drops a decision.
package intercept

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Direction is which side of the exchange a ticket suspends.
type Direction string

const (
	Req  Direction = "request"
	Resp Direction = "response"
)

// Action is how a suspended exchange is resumed.
type Action string

const (
	Forward Action = "forward"
	Drop    Action = "drop"
)

// commandChanCapacity matches the "bounded 256-capacity command channel"
// concurrency-model requirement.
const commandChanCapacity = 256

// DefaultTimeout is the per-ticket suspension budget: on timeout the
// exchange is forwarded unmodified and a warning is logged; no event is
// emitted for the timeout.
const DefaultTimeout = 5 * time.Minute

// ErrAlreadyResumed is returned by Forward/Drop when the ticket found for
// the record id is already marked resumed. Resuming a ticket (by a call or
// by timeout) also removes it from the coordinator, so a repeated
// Forward/Drop for the same record id gets ErrUnknownTicket instead.
var ErrAlreadyResumed = errors.New("intercept: ticket already resumed")

// ErrUnknownTicket is returned by Forward/Drop for a record id with no
// pending ticket of that direction.
var ErrUnknownTicket = errors.New("intercept: no pending ticket for that record id")

// Mutation carries the optional field replacements a Forward decision may
// supply. A nil field means "keep the original value".
type Mutation struct {
	Method *string
	URL    *string
	Status *int
	Header http.Header
	Body   []byte
	hasBody bool
}

// WithBody marks Body as explicitly set (including to an empty slice),
// distinguishing "replace with empty body" from "leave body unchanged".
func (m Mutation) WithBody(b []byte) Mutation {
	m.Body = b
	m.hasBody = true
	return m
}

// HasBody reports whether Body was explicitly supplied.
func (m Mutation) HasBody() bool { return m.hasBody }

// Resolution is the final outcome of a suspended exchange: either Forward
// (with zero or more fields mutated) or Drop.
type Resolution struct {
	Action   Action
	Mutation Mutation
	TimedOut bool
}

type command struct {
	recordID uuid.UUID
	action   Action
	mutation Mutation
	reply    chan error
}

type ticket struct {
	recordID  uuid.UUID
	direction Direction
	resumeCh  chan Resolution
	resumed   bool
}

// Coordinator is the interception coordinator.
type Coordinator struct {
	mu      sync.Mutex
	tickets map[uuid.UUID]*ticket // keyed by record id; at most one live ticket per id

	requestCtrl  chan command
	responseCtrl chan command

	timeout time.Duration
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a coordinator with the given per-ticket timeout (DefaultTimeout
// if zero).
func New(timeout time.Duration, logger *slog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		tickets:      make(map[uuid.UUID]*ticket),
		requestCtrl:  make(chan command, commandChanCapacity),
		responseCtrl: make(chan command, commandChanCapacity),
		timeout:      timeout,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
	c.wg.Add(2)
	go c.run(c.requestCtrl, Req)
	go c.run(c.responseCtrl, Resp)
	return c
}

// Close stops the coordinator's dispatch goroutines. Pending tickets are not
// resumed; Suspend callers return when their own per-ticket timers fire.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) run(ch chan command, direction Direction) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case cmd := <-ch:
			cmd.reply <- c.dispatch(cmd, direction)
		}
	}
}

func (c *Coordinator) dispatch(cmd command, direction Direction) error {
	c.mu.Lock()
	t, ok := c.tickets[cmd.recordID]
	if !ok || t.direction != direction {
		c.mu.Unlock()
		return ErrUnknownTicket
	}
	if t.resumed {
		c.mu.Unlock()
		return ErrAlreadyResumed
	}
	t.resumed = true
	delete(c.tickets, cmd.recordID)
	c.mu.Unlock()

	t.resumeCh <- Resolution{Action: cmd.action, Mutation: cmd.mutation}
	return nil
}

// Suspend registers a ticket for recordID/direction and blocks until it is
// resumed via Forward/Drop, or until the coordinator's timeout elapses — in
// which case the exchange is forwarded unmodified and TimedOut is set.
func (c *Coordinator) Suspend(recordID uuid.UUID, direction Direction) Resolution {
	t := &ticket{recordID: recordID, direction: direction, resumeCh: make(chan Resolution, 1)}

	c.mu.Lock()
	c.tickets[recordID] = t
	c.mu.Unlock()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-t.resumeCh:
		return res
	case <-timer.C:
		c.mu.Lock()
		if cur, ok := c.tickets[recordID]; ok && cur == t {
			delete(c.tickets, recordID)
		}
		c.mu.Unlock()
		c.logger.Warn("intercept: ticket timed out, forwarding unmodified", "record_id", recordID, "direction", direction)
		return Resolution{Action: Forward, TimedOut: true}
	}
}

// ForwardRequest resumes a pending request ticket with the given mutation.
func (c *Coordinator) ForwardRequest(recordID uuid.UUID, m Mutation) error {
	return c.submit(c.requestCtrl, recordID, Forward, m)
}

// DropRequest resumes a pending request ticket with Drop.
func (c *Coordinator) DropRequest(recordID uuid.UUID) error {
	return c.submit(c.requestCtrl, recordID, Drop, Mutation{})
}

// ForwardResponse resumes a pending response ticket with the given mutation.
func (c *Coordinator) ForwardResponse(recordID uuid.UUID, m Mutation) error {
	return c.submit(c.responseCtrl, recordID, Forward, m)
}

// DropResponse resumes a pending response ticket with Drop.
func (c *Coordinator) DropResponse(recordID uuid.UUID) error {
	return c.submit(c.responseCtrl, recordID, Drop, Mutation{})
}

func (c *Coordinator) submit(ch chan command, recordID uuid.UUID, action Action, m Mutation) error {
	reply := make(chan error, 1)
	ch <- command{recordID: recordID, action: action, mutation: m, reply: reply}
	return <-reply
}

// ListActive returns the record ids of every currently-suspended ticket, so
// the lifecycle layer can drain them on shutdown.
func (c *Coordinator) ListActive() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(c.tickets))
	for id := range c.tickets {
		ids = append(ids, id)
	}
	return ids
}

// ForwardAllPending auto-forwards every pending ticket of the given
// direction unmodified. Used when interception is disabled mid-flight, to
// avoid leaving suspended connections hanging.
func (c *Coordinator) ForwardAllPending(direction Direction) {
	c.mu.Lock()
	var toResume []*ticket
	for id, t := range c.tickets {
		if t.direction != direction || t.resumed {
			continue
		}
		t.resumed = true
		toResume = append(toResume, t)
		delete(c.tickets, id)
	}
	c.mu.Unlock()

	for _, t := range toResume {
		t.resumeCh <- Resolution{Action: Forward}
	}
}

// ForwardIDs auto-forwards whichever of the given record ids currently hold
// a pending ticket, regardless of direction. A proxy instance calls this
// with its own record ids on shutdown so its in-flight handlers drop their
// ticket and terminate instead of blocking on a coordinator shared with
// other running instances.
func (c *Coordinator) ForwardIDs(ids []uuid.UUID) {
	c.mu.Lock()
	var toResume []*ticket
	for _, id := range ids {
		t, ok := c.tickets[id]
		if !ok || t.resumed {
			continue
		}
		t.resumed = true
		toResume = append(toResume, t)
		delete(c.tickets, id)
	}
	c.mu.Unlock()

	for _, t := range toResume {
		t.resumeCh <- Resolution{Action: Forward}
	}
}
