// Package handoff relays a one-time verification code from a trusted
// operator in to a login flow which is paused waiting for it.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Relay/internal/event"
	"github.com/hbomb79/Relay/pkg/logger"
	typedsync "github.com/hbomb79/Relay/pkg/sync"
)

var log = logger.Get("Handoff")

const DefaultTimeout = time.Minute * 5

var ErrTimeout = errors.New("timed out waiting for operator code")

type (
	State int

	// Notifier delivers the instructions for a pending hand-off to the
	// operator.
	Notifier interface {
		NotifyOperator(ctx context.Context, operatorID int64, text string) error
	}

	Config struct {
		OperatorID int64
		Command    string
		Service    string
		Timeout    time.Duration
	}

	// PendingInfo is a read-only view of an outstanding hand-off.
	PendingInfo struct {
		Session string    `json:"session"`
		Token   string    `json:"token"`
		State   string    `json:"state"`
		Since   time.Time `json:"since"`
	}

	// Coordinator owns the hand-off state for every login session. At most
	// one hand-off is outstanding per session; concurrent callers for the
	// same session are queued behind the session lock.
	Coordinator struct {
		config   Config
		notifier Notifier
		eventBus event.EventDispatcher

		sessionLocks typedsync.TypedSyncMap[string, *sync.Mutex]

		mu      sync.Mutex
		pending map[string]*pendingCode
	}

	pendingCode struct {
		session string
		token   uuid.UUID
		state   State
		since   time.Time
		code    chan string
	}
)

const (
	Idle State = iota
	AwaitingCode
	Resolved
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case AwaitingCode:
		return "AWAITING_CODE"
	case Resolved:
		return "RESOLVED"
	}

	return fmt.Sprintf("UNKNOWN[%d]", int(s))
}

func New(config Config, notifier Notifier, eventBus event.EventDispatcher) *Coordinator {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Service == "" {
		config.Service = "Instagram"
	}

	return &Coordinator{
		config:   config,
		notifier: notifier,
		eventBus: eventBus,
		pending:  make(map[string]*pendingCode),
	}
}

// Await notifies the operator that a code is required for the session
// provided, and blocks until the operator supplies one via Resolve, the
// configured timeout elapses, or the context is cancelled. The session is
// returned to Idle once Await returns, regardless of the outcome.
func (c *Coordinator) Await(ctx context.Context, session string) (string, error) {
	lock, _ := c.sessionLocks.LoadOrStore(session, &sync.Mutex{})
	lock.Lock()
	defer lock.Unlock()

	pc := &pendingCode{
		session: session,
		token:   uuid.New(),
		state:   AwaitingCode,
		since:   time.Now(),
		code:    make(chan string, 1),
	}

	c.mu.Lock()
	c.pending[session] = pc
	c.mu.Unlock()
	c.publish(pc.token)
	log.Emit(logger.NEW, "Session %s is awaiting an operator code (token %s)\n", session, shortToken(pc.token))

	defer func() {
		c.mu.Lock()
		if c.pending[session] == pc {
			delete(c.pending, session)
		}
		c.mu.Unlock()
		c.publish(pc.token)
		log.Emit(logger.REMOVE, "Session %s hand-off closed\n", session)
	}()

	if err := c.notifier.NotifyOperator(ctx, c.config.OperatorID, c.instructions(pc)); err != nil {
		return "", fmt.Errorf("failed to notify operator of pending code: %w", err)
	}

	timer := time.NewTimer(c.config.Timeout)
	defer timer.Stop()

	select {
	case code := <-pc.code:
		return code, nil
	case <-timer.C:
		log.Emit(logger.WARNING, "Session %s hand-off timed out after %s\n", session, c.config.Timeout)
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Resolve inspects an inbound message and, if it was sent by the operator
// and has the shape "/<command> <code>" (or "/<command> <token> <code>"),
// delivers the code to the matching pending hand-off. Each hand-off is
// resolved at most once; messages which match nothing are ignored.
func (c *Coordinator) Resolve(fromID int64, text string) bool {
	if fromID != c.config.OperatorID {
		return false
	}

	token, code, ok := c.parseCommand(text)
	if !ok {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var target *pendingCode
	for _, pc := range c.sortedPending() {
		if pc.state != AwaitingCode {
			continue
		}
		if token == "" || strings.HasPrefix(pc.token.String(), token) {
			target = pc
			break
		}
	}
	if target == nil {
		return false
	}

	target.state = Resolved
	target.code <- code
	log.Emit(logger.SUCCESS, "Operator resolved hand-off for session %s\n", target.session)

	go c.publish(target.token)
	return true
}

// IsCommand reports whether the text is addressed to this coordinator,
// regardless of whether it is well-formed or from the operator.
func (c *Coordinator) IsCommand(text string) bool {
	fields := strings.Fields(text)
	return len(fields) > 0 && c.matchesCommand(fields[0])
}

// State returns the hand-off state of the session provided.
func (c *Coordinator) State(session string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pc, ok := c.pending[session]; ok {
		return pc.state
	}

	return Idle
}

// Pending lists the outstanding hand-offs, oldest first.
func (c *Coordinator) Pending() []PendingInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PendingInfo, 0, len(c.pending))
	for _, pc := range c.sortedPending() {
		out = append(out, PendingInfo{Session: pc.session, Token: shortToken(pc.token), State: pc.state.String(), Since: pc.since})
	}
	return out
}

// sortedPending must be called with the mutex held.
func (c *Coordinator) sortedPending() []*pendingCode {
	list := make([]*pendingCode, 0, len(c.pending))
	for _, pc := range c.pending {
		list = append(list, pc)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].since.Before(list[j].since) })
	return list
}

func (c *Coordinator) parseCommand(text string) (token string, code string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) < 2 || !c.matchesCommand(fields[0]) {
		return "", "", false
	}

	switch len(fields) {
	case 2:
		return "", fields[1], true
	case 3:
		return fields[1], fields[2], true
	}

	return "", "", false
}

// matchesCommand accepts "/cmd" and the group-chat form "/cmd@botname".
func (c *Coordinator) matchesCommand(word string) bool {
	name, _, _ := strings.Cut(word, "@")
	return name == "/"+c.config.Command
}

func (c *Coordinator) instructions(pc *pendingCode) string {
	return fmt.Sprintf("Enter %s 2FA code by command /%s code\n\nSession: %s\nToken: %s",
		c.config.Service, c.config.Command, pc.session, shortToken(pc.token))
}

func (c *Coordinator) publish(token uuid.UUID) {
	if c.eventBus != nil {
		c.eventBus.Dispatch(event.HandoffUpdateEvent, token)
	}
}

func shortToken(token uuid.UUID) string {
	return token.String()[:8]
}
