package stats

import (
	"context"
	"net/http"

	"github.com/hbomb79/Relay/internal/handoff"
	"github.com/hbomb79/Relay/internal/usage"
	"github.com/labstack/echo/v4"
)

type (
	Service interface {
		CacheEntries(ctx context.Context) (int, error)
		UsageStats(ctx context.Context) (*usage.Stats, error)
		PendingHandoffs() []handoff.PendingInfo
		QueuedRequests() int
	}

	Dto struct {
		CacheEntries    int                   `json:"cache_entries"`
		QueuedRequests  int                   `json:"queued_requests"`
		Usage           *usage.Stats          `json:"usage"`
		PendingHandoffs []handoff.PendingInfo `json:"pending_handoffs"`
	}

	Controller struct{ Service Service }
)

func New(service Service) *Controller {
	return &Controller{Service: service}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.get)
}

func (controller *Controller) get(ec echo.Context) error {
	ctx := ec.Request().Context()

	entries, err := controller.Service.CacheEntries(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to count cache entries").SetInternal(err)
	}

	usageStats, err := controller.Service.UsageStats(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load usage").SetInternal(err)
	}

	pending := controller.Service.PendingHandoffs()
	if pending == nil {
		pending = []handoff.PendingInfo{}
	}

	return ec.JSON(http.StatusOK, Dto{
		CacheEntries:    entries,
		QueuedRequests:  controller.Service.QueuedRequests(),
		Usage:           usageStats,
		PendingHandoffs: pending,
	})
}
