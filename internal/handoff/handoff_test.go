package handoff_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hbomb79/Relay/internal/event"
	"github.com/hbomb79/Relay/internal/handoff"
	"github.com/hbomb79/Relay/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const operator int64 = 4242

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (n *recordingNotifier) NotifyOperator(_ context.Context, operatorID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if operatorID != operator {
		return errors.New("notified wrong chat")
	}
	n.messages = append(n.messages, text)
	return n.err
}

func (n *recordingNotifier) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.messages) == 0 {
		return ""
	}
	return n.messages[len(n.messages)-1]
}

func newCoordinator(timeout time.Duration) (*handoff.Coordinator, *recordingNotifier) {
	n := &recordingNotifier{}
	return handoff.New(handoff.Config{OperatorID: operator, Command: "ig_code", Timeout: timeout}, n, event.New()), n
}

type awaitResult struct {
	code string
	err  error
}

func awaitAsync(c *handoff.Coordinator, session string) <-chan awaitResult {
	out := make(chan awaitResult, 1)
	go func() {
		code, err := c.Await(context.Background(), session)
		out <- awaitResult{code, err}
	}()
	return out
}

func waitForState(t *testing.T, c *handoff.Coordinator, session string, state handoff.State) {
	assert.EventuallyWithT(t, func(ct *assert.CollectT) {
		assert.Equal(ct, state, c.State(session))
	}, time.Second, time.Millisecond*5)
}

func TestHandoff_OperatorCodeIsDelivered(t *testing.T) {
	c, n := newCoordinator(time.Second * 5)
	assert.Equal(t, handoff.Idle, c.State("relaybot"))

	result := awaitAsync(c, "relaybot")
	waitForState(t, c, "relaybot", handoff.AwaitingCode)
	assert.Contains(t, n.last(), "Enter Instagram 2FA code by command /ig_code code")

	assert.True(t, c.Resolve(operator, "/ig_code 123456"))

	res := <-result
	require.NoError(t, res.err)
	assert.Equal(t, "123456", res.code)
	waitForState(t, c, "relaybot", handoff.Idle)
	assert.Empty(t, c.Pending())
}

func TestHandoff_NonOperatorIsIgnored(t *testing.T) {
	c, _ := newCoordinator(time.Second * 5)
	result := awaitAsync(c, "relaybot")
	waitForState(t, c, "relaybot", handoff.AwaitingCode)

	assert.False(t, c.Resolve(operator+1, "/ig_code 000000"))
	assert.Equal(t, handoff.AwaitingCode, c.State("relaybot"))

	assert.True(t, c.Resolve(operator, "/ig_code 111111"))
	assert.Equal(t, "111111", (<-result).code)
}

func TestHandoff_MalformedCommandsAreIgnored(t *testing.T) {
	c, _ := newCoordinator(time.Second * 5)
	result := awaitAsync(c, "relaybot")
	waitForState(t, c, "relaybot", handoff.AwaitingCode)

	for _, text := range []string{"", "/ig_code", "/other 123", "ig_code 123", "/ig_code a b c"} {
		assert.False(t, c.Resolve(operator, text), "text %q must not resolve", text)
	}

	assert.True(t, c.Resolve(operator, "/ig_code@RelayBot 222222"))
	assert.Equal(t, "222222", (<-result).code)
}

func TestHandoff_ResolvesAtMostOnce(t *testing.T) {
	c, _ := newCoordinator(time.Second * 5)
	result := awaitAsync(c, "relaybot")
	waitForState(t, c, "relaybot", handoff.AwaitingCode)

	assert.True(t, c.Resolve(operator, "/ig_code 111111"))
	assert.False(t, c.Resolve(operator, "/ig_code 999999"))
	assert.Equal(t, "111111", (<-result).code)
}

func TestHandoff_TimeoutReturnsToIdle(t *testing.T) {
	c, _ := newCoordinator(time.Millisecond * 50)

	_, err := c.Await(context.Background(), "relaybot")
	assert.ErrorIs(t, err, handoff.ErrTimeout)
	assert.Equal(t, handoff.Idle, c.State("relaybot"))

	// A late code has nothing to resolve
	assert.False(t, c.Resolve(operator, "/ig_code 123456"))
}

func TestHandoff_ContextCancellation(t *testing.T) {
	c, _ := newCoordinator(time.Second * 5)
	ctx, cancel := context.WithCancel(context.Background())

	out := make(chan error, 1)
	go func() {
		_, err := c.Await(ctx, "relaybot")
		out <- err
	}()
	waitForState(t, c, "relaybot", handoff.AwaitingCode)

	cancel()
	assert.ErrorIs(t, <-out, context.Canceled)
	assert.Equal(t, handoff.Idle, c.State("relaybot"))
}

func TestHandoff_NotifierFailure(t *testing.T) {
	c, n := newCoordinator(time.Second * 5)
	n.err = errors.New("test: telegram unavailable")

	_, err := c.Await(context.Background(), "relaybot")
	assert.ErrorIs(t, err, n.err)
	assert.Equal(t, handoff.Idle, c.State("relaybot"))
}

func TestHandoff_TokenTargetsSession(t *testing.T) {
	c, n := newCoordinator(time.Second * 5)

	first := awaitAsync(c, "first")
	waitForState(t, c, "first", handoff.AwaitingCode)
	firstNotice := n.last()

	second := awaitAsync(c, "second")
	waitForState(t, c, "second", handoff.AwaitingCode)

	pending := c.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "first", pending[0].Session)
	assert.Contains(t, firstNotice, pending[0].Token)

	// Target the newer session explicitly by its token
	assert.True(t, c.Resolve(operator, "/ig_code "+pending[1].Token+" 222222"))
	assert.Equal(t, "222222", (<-second).code)

	// An untargeted code goes to the oldest outstanding session
	assert.True(t, c.Resolve(operator, "/ig_code 111111"))
	assert.Equal(t, "111111", (<-first).code)
}

func TestHandoff_ConcurrentAwaitsForSessionAreSerialized(t *testing.T) {
	c, n := newCoordinator(time.Second * 5)

	a := awaitAsync(c, "relaybot")
	waitForState(t, c, "relaybot", handoff.AwaitingCode)
	b := awaitAsync(c, "relaybot")

	// Only one hand-off may be outstanding for the session
	time.Sleep(time.Millisecond * 20)
	assert.Len(t, c.Pending(), 1)

	assert.True(t, c.Resolve(operator, "/ig_code 111111"))
	resA := <-a

	assert.EventuallyWithT(t, func(ct *assert.CollectT) {
		n.mu.Lock()
		defer n.mu.Unlock()
		assert.Len(ct, n.messages, 2)
	}, time.Second, time.Millisecond*5)
	waitForState(t, c, "relaybot", handoff.AwaitingCode)
	assert.True(t, c.Resolve(operator, "/ig_code 222222"))
	resB := <-b

	got := []string{resA.code, resB.code}
	assert.Equal(t, "111111 222222", strings.Join(got, " "))
}

func TestHandoff_IsCommand(t *testing.T) {
	c, _ := newCoordinator(time.Second)
	assert.True(t, c.IsCommand("/ig_code 123"))
	assert.True(t, c.IsCommand("/ig_code"))
	assert.True(t, c.IsCommand("/ig_code@RelayBot 1"))
	assert.False(t, c.IsCommand("/caption"))
	assert.False(t, c.IsCommand(""))
}
