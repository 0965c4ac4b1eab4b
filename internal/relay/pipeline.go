// Package relay implements the fetch-and-relay pipeline: it resolves an
// inbound URL to media, answering from the media cache where possible, and
// transmits it back to the chat the request came from.
package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hbomb79/Relay/internal/cache"
	"github.com/hbomb79/Relay/internal/event"
	"github.com/hbomb79/Relay/internal/extractor"
	"github.com/hbomb79/Relay/pkg/logger"
)

var log = logger.Get("Pipeline")

const (
	DefaultCleanupDelay = time.Second * 5

	VideoTooLargeReply = "The video is too large."
	AudioTooLargeReply = "The audio file is too large."
)

type (
	// CaptionSource returns the caption template a user has configured, or
	// "" if they have none.
	CaptionSource interface {
		CaptionTemplate(ctx context.Context, userID int64) (string, error)
	}

	Config struct {
		MaxSize   extractor.MaxSize
		GroupSize int
	}

	Pipeline struct {
		registry  *extractor.Registry
		cache     *cache.MediaCache
		messenger Messenger
		captions  CaptionSource
		staging   *Staging
		eventBus  event.EventDispatcher
		config    Config
	}

	// job carries everything resolved about a request through the stages
	// of the pipeline.
	job struct {
		req      Request
		ext      extractor.Extractor
		class    extractor.Classification
		desc     *extractor.Description
		caption  string
		callback string
		dir      string
	}
)

func New(registry *extractor.Registry, mediaCache *cache.MediaCache, messenger Messenger, captions CaptionSource, staging *Staging, eventBus event.EventDispatcher, config Config) *Pipeline {
	return &Pipeline{
		registry:  registry,
		cache:     mediaCache,
		messenger: messenger,
		captions:  captions,
		staging:   staging,
		eventBus:  eventBus,
		config:    config,
	}
}

// Handle runs the request through the pipeline. Any failure is reported to
// the chat the request came from (and summarised on the event bus) before
// being returned. The staging directory is always removed, after the
// outcome has been reported.
func (p *Pipeline) Handle(ctx context.Context, req Request) error {
	started := time.Now()
	summary := event.RequestSummary{
		RequestID: req.ID,
		UserID:    req.UserID,
		Username:  req.Username,
		FirstName: req.FirstName,
		ChatType:  req.ChatType,
	}

	var staged string
	outcome, err := p.handle(ctx, req, &summary, &staged)
	if staged != "" {
		defer func() { _ = p.staging.Cleanup(ctx, staged) }()
	}
	if errors.Is(err, extractor.ErrNoMatch) {
		log.Emit(logger.DEBUG, "Request %s contains no supported URL, ignoring\n", req.ID)
		return nil
	}

	summary.Duration = time.Since(started)
	if err != nil {
		summary.Outcome = extractor.KindOf(err).String()
		p.reportFailure(ctx, req, err)
	} else {
		summary.Outcome = outcome
		log.Emit(logger.SUCCESS, "Request %s (%s) completed in %s: %s\n", req.ID, summary.Action, summary.Duration, outcome)
	}

	if p.eventBus != nil {
		p.eventBus.Dispatch(event.RequestCompleteEvent, summary)
	}

	return err
}

// handle performs the request, recording the staging directory it used (if
// any) in staged so that the caller can remove it.
func (p *Pipeline) handle(ctx context.Context, req Request, summary *event.RequestSummary, staged *string) (string, error) {
	ext, class, err := p.registry.Match(req.Text)
	if errors.Is(err, extractor.ErrNoMatch) {
		return OutcomeIgnored, err
	}
	if ext != nil {
		summary.Action = ext.Name()
	}

	if !req.InBusinessContext() {
		p.react(ctx, req, WorkingReaction)
	}
	if err != nil {
		return "", err
	}

	if req.AudioOnly {
		provider, ok := ext.(extractor.AudioProvider)
		if !ok {
			return "", extractor.InputError("", fmt.Errorf("%s offers no audio alternative", ext.Name()))
		}
		if class, err = provider.AudioOnly(class); err != nil {
			return "", err
		}
	}
	summary.Action = class.Action()

	desc, err := ext.Describe(ctx, class)
	if err != nil {
		return "", err
	}

	j := &job{req: req, ext: ext, class: class, desc: desc}
	j.caption = p.renderCaption(ctx, j)
	if provider, ok := ext.(extractor.AudioProvider); ok && !req.InBusinessContext() {
		j.callback = provider.AudioCallback(class)
	}

	defer func() { *staged = j.dir }()

	if !class.Cacheable || p.cache == nil {
		_, _, err := p.fetchAndSend(ctx, j)
		return OutcomeSent, err
	}

	res, err := p.cache.Resolve(ctx, class.CanonicalURL, func(ctx context.Context) (cache.Entry, bool, error) {
		return p.fetchAndSend(ctx, j)
	})
	if err != nil {
		return "", err
	}

	switch {
	case res.Filled:
		return OutcomeSent, nil
	case res.Cacheable:
		// A hit, or another request fetched this URL while we waited
		summary.CacheHit = true
		return OutcomeCacheHit, p.sendHandle(ctx, j, res.Entry)
	default:
		// The concurrent fetch produced nothing we could reuse
		_, _, err := p.fetchAndSend(ctx, j)
		return OutcomeSent, err
	}
}

// fetchAndSend stages the media for the job, in a staging directory created
// on first use, and transmits it. A single video or audio track yields a
// cacheable entry holding its handle.
func (p *Pipeline) fetchAndSend(ctx context.Context, j *job) (cache.Entry, bool, error) {
	if j.dir == "" {
		dir, err := p.staging.Create(j.req.ID)
		if err != nil {
			return cache.Entry{}, false, err
		}
		j.dir = dir
	}

	result, err := j.ext.Fetch(ctx, j.class, j.desc, j.dir)
	if err != nil {
		return cache.Entry{}, false, err
	}
	if len(result.Items) == 0 {
		return cache.Entry{}, false, extractor.NotFoundError("", fmt.Errorf("nothing was staged for %s", j.class.CanonicalURL))
	}
	if err := p.enforceSize(result.Items); err != nil {
		return cache.Entry{}, false, err
	}

	target := j.req.Target()
	visual, audio := extractor.Partition(result.Items)
	if len(audio) == 0 && len(visual) == 1 && visual[0].Kind == extractor.Video {
		p.chatAction(ctx, j.req, ChatActionUploadVideo)
		handle, err := p.messenger.SendVideo(ctx, target, mediaFromItem(visual[0], j.desc), SendOptions{Caption: j.caption, AudioCallback: j.callback})
		if err != nil {
			return cache.Entry{}, false, fmt.Errorf("failed to send video: %w", err)
		}

		return cache.Entry{Handle: handle, Kind: extractor.Video}, handle != "", nil
	}

	if len(visual) > 0 {
		for _, batch := range Batch(visual, p.config.GroupSize) {
			media := make([]Media, 0, len(batch))
			for _, item := range batch {
				media = append(media, mediaFromItem(item, j.desc))
			}

			if err := p.messenger.SendMediaGroup(ctx, target, media, j.caption); err != nil {
				return cache.Entry{}, false, fmt.Errorf("failed to send media group: %w", err)
			}
		}
	}

	var handle string
	for _, item := range audio {
		p.chatAction(ctx, j.req, ChatActionUploadVoice)
		if handle, err = p.messenger.SendAudio(ctx, target, mediaFromItem(item, j.desc), SendOptions{Caption: j.caption}); err != nil {
			return cache.Entry{}, false, fmt.Errorf("failed to send audio: %w", err)
		}
	}

	if len(visual) == 0 && len(audio) == 1 {
		return cache.Entry{Handle: handle, Kind: extractor.Audio}, handle != "", nil
	}

	return cache.Entry{}, false, nil
}

// sendHandle retransmits previously uploaded media by its handle.
func (p *Pipeline) sendHandle(ctx context.Context, j *job, entry cache.Entry) error {
	log.Emit(logger.INFO, "Request %s served from cache (%s)\n", j.req.ID, j.class.CanonicalURL)

	target := j.req.Target()
	media := Media{Handle: entry.Handle, Kind: entry.Kind}
	if j.desc != nil {
		media.Title, media.Performer, media.Duration = j.desc.Title, j.desc.Performer, j.desc.Duration
	}

	switch entry.Kind {
	case extractor.Audio:
		p.chatAction(ctx, j.req, ChatActionUploadVoice)
		_, err := p.messenger.SendAudio(ctx, target, media, SendOptions{Caption: j.caption})
		return err
	case extractor.Video:
		p.chatAction(ctx, j.req, ChatActionUploadVideo)
		_, err := p.messenger.SendVideo(ctx, target, media, SendOptions{Caption: j.caption, AudioCallback: j.callback})
		return err
	}

	return p.messenger.SendMediaGroup(ctx, target, []Media{media}, j.caption)
}

// enforceSize ensures no staged file at or above the size limit is
// transmitted, regardless of what the extractor checked.
func (p *Pipeline) enforceSize(items []extractor.StagedItem) error {
	for _, item := range items {
		info, err := os.Stat(item.Path)
		if err != nil {
			return extractor.IOError(fmt.Errorf("staged file %s is missing: %w", item.Path, err))
		}

		if !p.config.MaxSize.Allows(info.Size()) {
			reply := VideoTooLargeReply
			if item.Kind == extractor.Audio {
				reply = AudioTooLargeReply
			}
			return extractor.TooLargeError(reply, fmt.Errorf("staged file %s is %d bytes, limit is %s", item.Path, info.Size(), p.config.MaxSize))
		}
	}

	return nil
}

func (p *Pipeline) renderCaption(ctx context.Context, j *job) string {
	link := p.messenger.BotLink()
	if j.class.Variant == extractor.Music {
		return RenderCaption("", "", link)
	}

	template := ""
	if p.captions != nil {
		var err error
		if template, err = p.captions.CaptionTemplate(ctx, j.req.UserID); err != nil {
			log.Emit(logger.WARNING, "Failed to load caption template for user %d: %v\n", j.req.UserID, err)
		}
	}

	return RenderCaption(template, j.desc.Caption, link)
}

func (p *Pipeline) reportFailure(ctx context.Context, req Request, err error) {
	kind := extractor.KindOf(err)
	log.Emit(logger.ERROR, "Request %s failed (%s): %v\n", req.ID, kind, err)

	if kind.WantsNegativeReaction() && !req.InBusinessContext() {
		p.react(ctx, req, NegativeReaction)
	}

	if replyErr := p.messenger.Reply(ctx, req.Target(), extractor.ReplyFor(err, "")); replyErr != nil {
		log.Emit(logger.WARNING, "Failed to reply to request %s: %v\n", req.ID, replyErr)
	}
}

func (p *Pipeline) react(ctx context.Context, req Request, emoji string) {
	if err := p.messenger.React(ctx, req.Target(), emoji); err != nil {
		log.Emit(logger.WARNING, "Failed to react to request %s: %v\n", req.ID, err)
	}
}

func (p *Pipeline) chatAction(ctx context.Context, req Request, action string) {
	if req.InBusinessContext() {
		return
	}

	if err := p.messenger.ChatAction(ctx, req.Target(), action); err != nil {
		log.Emit(logger.WARNING, "Failed to send chat action for request %s: %v\n", req.ID, err)
	}
}
