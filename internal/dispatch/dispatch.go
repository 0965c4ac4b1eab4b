// Package dispatch turns inbound updates in to work. Commands are answered
// inline, while media requests are queued and drained by a worker pool so
// that slow downloads never hold up the update loop.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hbomb79/Relay/internal/extractor"
	"github.com/hbomb79/Relay/internal/relay"
	"github.com/hbomb79/Relay/internal/telegram"
	"github.com/hbomb79/Relay/pkg/logger"
	"github.com/hbomb79/Relay/pkg/worker"
)

var log = logger.Get("Dispatch")

const (
	DefaultWorkers = 4

	startCommand   = "/start"
	captionCommand = "/caption"

	StartReply = "Send me a link to an Instagram post, reel or story, or to a YouTube video, and I'll send the media right back.\n\n" +
		"Use /caption <template> to set the caption added to your media. {caption} is replaced with the original caption. " +
		"Send /caption on its own to clear it."
	CaptionSetReply     = "Caption template saved."
	CaptionClearedReply = "Caption template cleared."
	CallbackAckText     = "Fetching audio..."
)

type (
	// Pipeline performs a queued request. Failures are reported to the
	// user by the pipeline itself.
	Pipeline interface {
		Handle(ctx context.Context, req relay.Request) error
	}

	// CodeResolver accepts operator verification codes for a pending
	// login hand-off.
	CodeResolver interface {
		IsCommand(text string) bool
		Resolve(fromID int64, text string) bool
	}

	CaptionStore interface {
		SetCaptionTemplate(ctx context.Context, userID int64, template string) error
	}

	Responder interface {
		Reply(ctx context.Context, target relay.Target, text string) error
		AnswerCallback(ctx context.Context, callbackID string, text string) error
	}

	Config struct {
		Workers             int
		AudioCallbackPrefix string
	}

	Dispatcher struct {
		pipeline  Pipeline
		resolver  CodeResolver
		captions  CaptionStore
		responder Responder
		config    Config
		pool      *worker.WorkerPool

		mu      sync.Mutex
		queue   []relay.Request
		running bool
		ctx     context.Context
	}
)

func New(pipeline Pipeline, resolver CodeResolver, captions CaptionStore, responder Responder, config Config) *Dispatcher {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}

	d := &Dispatcher{
		pipeline:  pipeline,
		resolver:  resolver,
		captions:  captions,
		responder: responder,
		config:    config,
		pool:      worker.NewWorkerPool(),
	}

	for i := 0; i < config.Workers; i++ {
		_ = d.pool.PushWorker(worker.NewWorker(fmt.Sprintf("Request-%d", i), d.work))
	}

	return d
}

// Run starts the worker pool and blocks until the context is cancelled.
// Workers finish their current request before the pool closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	d.ctx = ctx
	d.running = true
	d.mu.Unlock()

	if err := d.pool.Start(); err != nil {
		return err
	}
	_ = d.pool.WakeupWorkers()
	log.Emit(logger.NEW, "Dispatcher started with %d workers\n", d.pool.Size())

	<-ctx.Done()

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.pool.Close()
	log.Emit(logger.STOP, "Dispatcher closed\n")
	return nil
}

// HandleInbound routes a single update. It never blocks on a media request.
func (d *Dispatcher) HandleInbound(ctx context.Context, in telegram.Inbound) {
	switch {
	case in.Message != nil:
		d.handleMessage(ctx, in.Message)
	case in.Callback != nil:
		d.handleCallback(ctx, in.Callback)
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, msg *telegram.Incoming) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	target := relay.Target{ChatID: msg.ChatID, MessageID: msg.MessageID, BusinessConnectionID: msg.BusinessConnectionID}
	if d.resolver != nil && d.resolver.IsCommand(text) {
		if !d.resolver.Resolve(msg.FromID, text) {
			log.Emit(logger.WARNING, "Ignoring verification command from %d with no matching hand-off\n", msg.FromID)
		}
		return
	}

	command, args, _ := strings.Cut(text, " ")
	command, _, _ = strings.Cut(command, "@")
	switch command {
	case startCommand:
		d.reply(ctx, target, StartReply)
		return
	case captionCommand:
		d.setCaption(ctx, msg.FromID, target, strings.TrimSpace(args))
		return
	}

	req := relay.NewRequest()
	req.UserID, req.Username, req.FirstName = msg.FromID, msg.Username, msg.FirstName
	req.ChatID, req.ChatType, req.MessageID = msg.ChatID, msg.ChatType, msg.MessageID
	req.BusinessConnectionID = msg.BusinessConnectionID
	req.Text = text
	d.enqueue(req)
}

func (d *Dispatcher) handleCallback(ctx context.Context, cb *telegram.Callback) {
	if d.config.AudioCallbackPrefix == "" || !strings.HasPrefix(cb.Data, d.config.AudioCallbackPrefix) {
		log.Emit(logger.DEBUG, "Ignoring unknown callback %q\n", cb.Data)
		return
	}

	if err := d.responder.AnswerCallback(ctx, cb.ID, CallbackAckText); err != nil {
		log.Emit(logger.WARNING, "Failed to answer callback %s: %v\n", cb.ID, err)
	}

	req := relay.NewRequest()
	req.UserID, req.Username, req.FirstName = cb.FromID, cb.Username, cb.FirstName
	req.ChatID, req.ChatType, req.MessageID = cb.ChatID, cb.ChatType, cb.MessageID
	req.Text = strings.TrimPrefix(cb.Data, d.config.AudioCallbackPrefix)
	req.AudioOnly = true
	d.enqueue(req)
}

func (d *Dispatcher) setCaption(ctx context.Context, userID int64, target relay.Target, template string) {
	if err := d.captions.SetCaptionTemplate(ctx, userID, template); err != nil {
		log.Emit(logger.ERROR, "Failed to set caption template for %d: %v\n", userID, err)
		d.reply(ctx, target, extractor.GenericFailureReply)
		return
	}

	if template == "" {
		d.reply(ctx, target, CaptionClearedReply)
	} else {
		d.reply(ctx, target, CaptionSetReply)
	}
}

func (d *Dispatcher) enqueue(req relay.Request) {
	d.mu.Lock()
	d.queue = append(d.queue, req)
	running := d.running
	d.mu.Unlock()

	log.Emit(logger.DEBUG, "Queued request %s from %d\n", req.ID, req.UserID)
	if running {
		_ = d.pool.WakeupWorkers()
	}
}

// work claims the oldest queued request and runs it through the pipeline.
func (d *Dispatcher) work(w worker.Worker) (bool, error) {
	d.mu.Lock()
	if len(d.queue) == 0 || !d.running {
		d.mu.Unlock()
		return false, nil
	}

	req := d.queue[0]
	d.queue = d.queue[1:]
	ctx := d.ctx
	d.mu.Unlock()

	log.Emit(logger.INFO, "%s claimed request %s\n", w.Label(), req.ID)
	if err := d.pipeline.Handle(ctx, req); err != nil {
		return true, fmt.Errorf("request %s failed: %w", req.ID, err)
	}

	return true, nil
}

// Queued returns the number of requests waiting for a worker.
func (d *Dispatcher) Queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) reply(ctx context.Context, target relay.Target, text string) {
	if err := d.responder.Reply(ctx, target, text); err != nil {
		log.Emit(logger.WARNING, "Failed to reply in chat %d: %v\n", target.ChatID, err)
	}
}
