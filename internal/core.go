package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hbomb79/Relay/internal/api"
	"github.com/hbomb79/Relay/internal/cache"
	"github.com/hbomb79/Relay/internal/database"
	"github.com/hbomb79/Relay/internal/dispatch"
	"github.com/hbomb79/Relay/internal/event"
	"github.com/hbomb79/Relay/internal/extractor"
	"github.com/hbomb79/Relay/internal/extractor/instagram"
	"github.com/hbomb79/Relay/internal/extractor/youtube"
	"github.com/hbomb79/Relay/internal/ffmpeg"
	"github.com/hbomb79/Relay/internal/handoff"
	"github.com/hbomb79/Relay/internal/relay"
	"github.com/hbomb79/Relay/internal/telegram"
	"github.com/hbomb79/Relay/internal/usage"
	"github.com/hbomb79/Relay/pkg/docker"
	"github.com/hbomb79/Relay/pkg/logger"
)

var log = logger.Get("Core")

const (
	instagramSessionName = "Instagram"
	dockerShutdownWait   = time.Second * 10
)

var ErrWebhookWithoutGateway = errors.New("webhook mode requires the REST gateway to be enabled")

type (
	RunnableService interface {
		Run(context.Context) error
	}

	// coreImpl is the top-level object of the bot. It is responsible for
	// initialising the embedded database (if any), the stores, the chat
	// platform connection and every long-running service.
	coreImpl struct {
		eventBus      event.EventCoordinator
		config        RelayConfig
		dockerManager docker.Manager

		store       *dataOrchestrator
		bot         *telegram.Bot
		handoff     *handoff.Coordinator
		cache       *cache.MediaCache
		dispatcher  *dispatch.Dispatcher
		usage       *usage.Service
		restGateway *api.RestGateway
	}
)

func New(config RelayConfig) *coreImpl {
	log.Emit(logger.DEBUG, "Bootstrapping relay services using config: %#v\n", config)
	return &coreImpl{
		eventBus: event.New(),
		config:   config,
	}
}

// Run brings up all of the bot, including:
// - Docker services
// - Database connection and stores
// - The Telegram connection
// - Service instances
//
// This function will not return until the bot is stopped, either by
// cancelling the context provided or by a service crashing.
func (core *coreImpl) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	if core.config.Database.Embedded {
		log.Emit(logger.NEW, "Initialising Docker services...\n")
		if err := core.initialiseDockerServices(ctx, crashHandler); err != nil {
			return err
		}
		defer core.dockerManager.Shutdown(dockerShutdownWait)
	}

	log.Emit(logger.NEW, "Connecting to database...\n")
	db := database.New()
	if err := db.Connect(core.config.Database); err != nil {
		return err
	}
	defer db.Close()
	core.store = newDataOrchestrator(db)

	log.Emit(logger.NEW, "Connecting to Telegram...\n")
	if err := core.initialiseServices(); err != nil {
		return err
	}

	wg := &sync.WaitGroup{}
	core.spawnAsyncService(ctx, wg, core.dispatcher, "dispatcher", crashHandler)
	core.spawnAsyncService(ctx, wg, core.usage, "usage-service", crashHandler)
	if core.config.RestConfig.Enabled {
		core.spawnAsyncService(ctx, wg, core.restGateway, "rest-gateway", crashHandler)
	}

	switch core.config.Telegram.Mode {
	case TelegramModeWebhook:
		if err := core.bot.SetWebhook(ctx, core.config.Telegram.WebhookURL, core.config.Telegram.WebhookSecret); err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("failed to register webhook: %w", err)
		}
		log.Emit(logger.INFO, "Receiving updates via webhook %s\n", core.config.Telegram.WebhookURL)
	default:
		poller := telegram.NewPoller(core.bot, core.config.PollTimeout(), core.dispatcher.HandleInbound)
		core.spawnAsyncService(ctx, wg, poller, "telegram-poller", crashHandler)
	}
	log.Emit(logger.SUCCESS, "Relay services spawned!\n")

	wg.Wait()
	return nil
}

// spawnAsyncService will run the provided service as it's own go-routine,
// ensuring that the service waitgroup is updated correctly
func (core *coreImpl) spawnAsyncService(ctx context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(ctx); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}

// initialiseDockerServices spawns the embedded PostgreSQL server.
func (core *coreImpl) initialiseDockerServices(ctx context.Context, crashHandler func(string, error)) error {
	manager, err := docker.NewDockerManager()
	if err != nil {
		return err
	}
	core.dockerManager = manager

	log.Emit(logger.INFO, "Initialising embedded database...\n")
	if _, err := database.InitialiseDockerDatabase(
		ctx,
		core.dockerManager,
		core.config.Database,
		func(err error) { crashHandler("docker-postgres", err) },
	); err != nil {
		core.dockerManager.Shutdown(dockerShutdownWait)
		return err
	}

	return nil
}

// initialiseServices constructs the chat platform connection and
// everything which depends on it. The stores must be initialised first.
func (core *coreImpl) initialiseServices() error {
	config := core.config
	webhookMode := config.Telegram.Mode == TelegramModeWebhook
	if webhookMode && !config.RestConfig.Enabled {
		return ErrWebhookWithoutGateway
	}

	bot, err := telegram.New(telegram.Config{Token: config.Telegram.Token, UploadSlots: config.Telegram.UploadSlots}, nil)
	if err != nil {
		return err
	}
	core.bot = bot

	core.handoff = handoff.New(handoff.Config{
		OperatorID: config.AdminID,
		Command:    config.Instagram.CodeCommand,
		Service:    instagramSessionName,
		Timeout:    config.HandoffTimeout(),
	}, bot, core.eventBus)

	registry, err := core.buildRegistry()
	if err != nil {
		return err
	}

	core.cache = cache.New(core.store.DB(), core.store.CacheStore, core.eventBus)
	pipeline := relay.New(
		registry,
		core.cache,
		bot,
		core.store,
		relay.NewStaging(config.OutputDir, config.CleanupDelay()),
		core.eventBus,
		relay.Config{MaxSize: extractor.MaxSize(config.MaxFileSize())},
	)

	core.dispatcher = dispatch.New(pipeline, core.handoff, core.store, bot, dispatch.Config{
		Workers:             config.Concurrency.RequestWorkers,
		AudioCallbackPrefix: youtube.AudioCallbackPrefix,
	})
	core.usage = usage.New(core.store.DB(), core.store.UserStore, core.store.UsageStore, core.eventBus)

	webhookConfig := api.WebhookConfig{}
	if webhookMode {
		webhookConfig = api.WebhookConfig{Secret: config.Telegram.WebhookSecret, Handler: core.dispatcher.HandleInbound}
	}
	core.restGateway = api.NewRestGateway(&core.config.RestConfig, core, webhookConfig)

	return nil
}

func (core *coreImpl) buildRegistry() (*extractor.Registry, error) {
	config := core.config
	maxSize := extractor.MaxSize(config.MaxFileSize())
	prober := ffmpeg.NewProber(ffmpeg.FfprobeConfig{FfprobeBinPath: config.FfprobeBinPath})

	igClient, err := instagram.NewClient(instagram.ClientConfig{
		RequestsPerSecond: config.Instagram.RequestsPerSecond,
		DownloadTimeout:   config.InstagramDownloadTimeout(),
	})
	if err != nil {
		return nil, err
	}
	igSession := instagram.NewSession(igClient, instagram.SessionConfig{
		Username:    config.Instagram.Login,
		Password:    config.Instagram.Password,
		SessionFile: config.Instagram.SessionFile,
	}, core.handoff)
	if igSession.Anonymous() {
		log.Emit(logger.WARNING, "No Instagram credentials configured; only public content can be fetched\n")
	}

	ytClient := youtube.NewClient(&http.Client{Timeout: time.Minute * 10})

	return extractor.NewRegistry(
		instagram.New(igClient, igSession, prober, instagram.Config{MaxSize: maxSize}),
		youtube.New(ytClient, prober, youtube.Config{MaxSize: maxSize, TargetHeight: config.Youtube.TargetHeight}),
	), nil
}

func (core *coreImpl) CacheEntries(ctx context.Context) (int, error) {
	return core.cache.Count(ctx)
}

func (core *coreImpl) UsageStats(ctx context.Context) (*usage.Stats, error) {
	return core.usage.Stats(ctx)
}

func (core *coreImpl) PendingHandoffs() []handoff.PendingInfo { return core.handoff.Pending() }
func (core *coreImpl) QueuedRequests() int                    { return core.dispatcher.Queued() }
