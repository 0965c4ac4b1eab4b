package webhook

import (
	"crypto/subtle"
	"net/http"

	"github.com/hbomb79/Relay/internal/telegram"
	"github.com/labstack/echo/v4"
)

// SecretHeader carries the secret token registered with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

type Controller struct {
	secret  string
	handler telegram.InboundHandler
}

func New(secret string, handler telegram.InboundHandler) *Controller {
	return &Controller{secret: secret, handler: handler}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.POST("/", controller.receive)
}

func (controller *Controller) receive(ec echo.Context) error {
	given := ec.Request().Header.Get(SecretHeader)
	if subtle.ConstantTimeCompare([]byte(given), []byte(controller.secret)) != 1 {
		return echo.NewHTTPError(http.StatusUnauthorized)
	}

	update, err := telegram.DecodeUpdate(ec.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed update").SetInternal(err)
	}

	controller.handler(ec.Request().Context(), update)
	return ec.NoContent(http.StatusOK)
}
