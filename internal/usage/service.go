// Package usage keeps a durable record of every request the bot handles,
// built from the RequestCompleteEvents published by the pipeline.
package usage

import (
	"context"
	"errors"

	"github.com/hbomb79/Relay/internal/database"
	"github.com/hbomb79/Relay/internal/event"
	"github.com/hbomb79/Relay/internal/user"
	"github.com/hbomb79/Relay/pkg/logger"
)

var (
	log = logger.Get("Usage")

	ErrIllegalPayload = errors.New("illegal payload (expected RequestSummary)")
)

const eventBuffer = 100

type Service struct {
	db       database.Queryable
	users    *user.Store
	store    *Store
	eventBus event.EventHandler
	events   chan event.HandlerEvent
}

// New constructs the service and subscribes it to the event bus. Events
// are buffered until Run begins draining them.
func New(db database.Queryable, users *user.Store, store *Store, eventBus event.EventHandler) *Service {
	service := &Service{
		db:       db,
		users:    users,
		store:    store,
		eventBus: eventBus,
		events:   make(chan event.HandlerEvent, eventBuffer),
	}
	eventBus.RegisterHandlerChannel(service.events, event.RequestCompleteEvent)

	return service
}

// Run records events until the context is cancelled. A record in progress
// is completed even if cancellation arrives part way through it.
func (service *Service) Run(ctx context.Context) error {
	log.Emit(logger.NEW, "Usage service started\n")
	recordCtx := context.WithoutCancel(ctx)
	for {
		select {
		case ev := <-service.events:
			if err := service.handleEvent(recordCtx, ev); err != nil {
				log.Emit(logger.ERROR, "Handling of event %v failed: %v\n", ev.Event, err)
			}
		case <-ctx.Done():
			service.drain(recordCtx)
			log.Emit(logger.STOP, "Usage service closed\n")
			return nil
		}
	}
}

// drain records the events already buffered when the service stops, so that
// requests which completed during shutdown are not lost.
func (service *Service) drain(ctx context.Context) {
	for {
		select {
		case ev := <-service.events:
			if err := service.handleEvent(ctx, ev); err != nil {
				log.Emit(logger.ERROR, "Handling of event %v failed during shutdown: %v\n", ev.Event, err)
			}
		default:
			return
		}
	}
}

func (service *Service) Stats(ctx context.Context) (*Stats, error) {
	return service.store.Stats(ctx, service.db)
}

func (service *Service) handleEvent(ctx context.Context, ev event.HandlerEvent) error {
	summary, ok := ev.Payload.(event.RequestSummary)
	if !ok {
		return ErrIllegalPayload
	}

	if summary.UserID != 0 {
		u := user.User{ID: summary.UserID, Username: summary.Username, FirstName: summary.FirstName, ChatType: summary.ChatType}
		if err := service.users.Touch(ctx, service.db, u); err != nil {
			log.Emit(logger.WARNING, "Failed to record user %d: %v\n", summary.UserID, err)
		}
	}

	action := summary.Action
	if action == "" {
		action = "unknown"
	}

	return service.store.Insert(ctx, service.db, Record{
		ID:       summary.RequestID,
		UserID:   summary.UserID,
		ChatType: summary.ChatType,
		Action:   action,
		Outcome:  summary.Outcome,
	})
}
