package api

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/hbomb79/Relay/internal/api/stats"
	"github.com/hbomb79/Relay/internal/api/webhook"
	"github.com/hbomb79/Relay/internal/telegram"
	"github.com/hbomb79/Relay/pkg/logger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

var log = logger.Get("API")

type (
	RestConfig struct {
		Enabled  bool   `yaml:"enabled" env:"API_ENABLED" env-default:"true"`
		HostAddr string `yaml:"host_addr" env:"API_HOST_ADDR" env-default:"0.0.0.0:8080"`
	}

	// WebhookConfig enables the Telegram webhook route when Handler is set.
	WebhookConfig struct {
		Secret  string
		Handler telegram.InboundHandler
	}

	controller interface {
		SetRoutes(*echo.Group)
	}

	// The RestGateway is a thin wrapper around the Echo router, exposing
	// the health and stats of the bot and, in webhook mode, receiving
	// updates from Telegram.
	RestGateway struct {
		config            *RestConfig
		ec                *echo.Echo
		statsController   controller
		webhookController controller
	}
)

func NewRestGateway(config *RestConfig, statsService stats.Service, webhookConfig WebhookConfig) *RestGateway {
	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Emit(logger.DEBUG, "Registered new route %s %s\n", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true

	gateway := &RestGateway{
		config:          config,
		ec:              ec,
		statsController: stats.New(statsService),
	}

	ec.Use(middleware.Logger())
	ec.Use(middleware.Recover())
	ec.Pre(middleware.AddTrailingSlash())

	ec.GET("/api/relay/v1/health/", func(ec echo.Context) error {
		return ec.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	gateway.statsController.SetRoutes(ec.Group("/api/relay/v1/stats"))

	if webhookConfig.Handler != nil {
		gateway.webhookController = webhook.New(webhookConfig.Secret, webhookConfig.Handler)
		gateway.webhookController.SetRoutes(ec.Group("/api/relay/v1/telegram/webhook"))
	}

	return gateway
}

// Handler exposes the router, primarily for tests.
func (gateway *RestGateway) Handler() http.Handler { return gateway.ec }

func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Emit(logger.NEW, "Gateway listening on %s\n", gateway.config.HostAddr)
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ctxCancel(err)
		}
	}()

	go func(ec *echo.Echo) {
		<-ctx.Done()
		ec.Close()
	}(gateway.ec)

	wg.Wait()

	// Parent cancellation is not an error worth reporting
	if cause := context.Cause(ctx); cause != nil && cause != ctx.Err() {
		return cause
	}

	return nil
}
