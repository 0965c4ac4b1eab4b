// A collection of event names and common methods used to handle the events, typically
// redirecting the handling to a service method or other method via the `Handler` interface.
package event

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Relay/pkg/logger"
)

var log = logger.Get("Events")

var ErrUnknownEvent = errors.New("event type not recognized for validation")

// Events emitted by various parts of Relay that should be handled by another
// part of the bot (usage accounting, the stats gateway, logging).
type (
	Event         string
	Payload       any
	HandlerMethod func(Event, Payload)

	HandlerChannel chan HandlerEvent
	HandlerEvent   struct {
		Event   Event
		Payload Payload
	}

	EventDispatcher interface {
		Dispatch(Event, Payload)
	}

	EventHandler interface {
		RegisterAsyncHandlerFunction(Event, HandlerMethod)
		RegisterHandlerFunction(Event, HandlerMethod)
		RegisterHandlerChannel(HandlerChannel, ...Event)
	}

	EventCoordinator interface {
		EventDispatcher
		EventHandler
	}

	// RequestSummary is the payload of RequestCompleteEvent, describing
	// a single inbound request once the pipeline has finished with it.
	RequestSummary struct {
		RequestID uuid.UUID
		UserID    int64
		Username  string
		FirstName string
		ChatType  string
		Action    string
		Outcome   string
		CacheHit  bool
		Duration  time.Duration
	}

	eventHandler struct {
		mu           sync.RWMutex
		fnHandlers   map[Event][]handlerMethod
		chanHandlers map[Event][]HandlerChannel
	}

	handlerMethod struct {
		handle HandlerMethod
		async  bool
	}
)

const (
	RequestCompleteEvent Event = "request:complete"
	HandoffUpdateEvent   Event = "handoff:update"
	CacheStoreEvent      Event = "cache:store"
)

func New() EventCoordinator {
	return &eventHandler{
		fnHandlers:   make(map[Event][]handlerMethod),
		chanHandlers: make(map[Event][]HandlerChannel),
	}
}

// RegisterHandlerChannel takes an event type and a channel and will send Event messages on
// the channel any time a Dispatch for the provided event occurs.
// This method can be used multiple times for different events on the same channel.
//
// If the channel is BLOCKED when the event bus attempts to send the message on the handler channel,
// then the thread dispatching the event will also be BLOCKED. It is recomended to buffer the handler channels
// appropiately to avoid dispatcher-side blocking.
func (handler *eventHandler) RegisterHandlerChannel(handle HandlerChannel, events ...Event) {
	handler.mu.Lock()
	defer handler.mu.Unlock()
	for _, event := range events {
		handler.chanHandlers[event] = append(handler.chanHandlers[event], handle)
	}
}

// RegisterHandlerFunction takes an event type and a handler method which will be stored
// and called with the payload for the event whenever it is dispatched.
// The handle provided should be guaranteed to return quickly, else other threads calling
// Dispatch on this event bus will be blocked.
func (handler *eventHandler) RegisterHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, false})
}

// RegisterAsyncHandlerFunction accepts an Event and a HandlerMethod which will be stored and
// called inside of a goroutine when the event is handled.
func (handler *eventHandler) RegisterAsyncHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, true})
}

func (handler *eventHandler) registerHandlerMethod(event Event, handle handlerMethod) {
	handler.mu.Lock()
	defer handler.mu.Unlock()
	handler.fnHandlers[event] = append(handler.fnHandlers[event], handle)
}

// Dispatch takes an event type and a payload and dispatches the payload to the handlers registered
// for the event type provided.
// Note that this method WILL block if a synchronous handler function is blocking. Channel
// handlers never block the dispatcher: if a channel is full (its consumer has stalled or
// stopped), the event is dropped for that channel and an error is logged.
func (handler *eventHandler) Dispatch(event Event, payload Payload) {
	if err := validatePayload(event, payload); err != nil {
		log.Emit(logger.ERROR, "Dispatch for event %v FAILED validation: %v\n", event, err)
		return
	}

	handler.mu.RLock()
	fns := handler.fnHandlers[event]
	chans := handler.chanHandlers[event]
	handler.mu.RUnlock()

	for _, handle := range fns {
		if handle.async {
			go handle.handle(event, payload)
		} else {
			handle.handle(event, payload)
		}
	}

	for _, handle := range chans {
		select {
		case handle <- HandlerEvent{event, payload}:
		default:
			log.Emit(logger.ERROR, "Handler channel for event %v is full, dropping event\n", event)
		}
	}
}

// validatePayload ensures that the payload provided is valid for the event specified. An error
// will be returned if the payload is not valid, and the event should not be sent to the registered
// handlers in this case.
func validatePayload(event Event, payload Payload) error {
	var payloadTypeName string
	if t := reflect.TypeOf(payload); t != nil {
		payloadTypeName = t.Name()
	} else {
		payloadTypeName = "Nil"
	}

	switch event {
	case RequestCompleteEvent:
		if _, ok := payload.(RequestSummary); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected RequestSummary payload", payloadTypeName, event)
		}
	case HandoffUpdateEvent:
		if _, ok := payload.(uuid.UUID); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected uuid.UUID payload", payloadTypeName, event)
		}
	case CacheStoreEvent:
		if _, ok := payload.(string); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected string payload", payloadTypeName, event)
		}
	default:
		return ErrUnknownEvent
	}

	return nil
}
