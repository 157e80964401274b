package api

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"realtime-service/domain"
	"realtime-service/listener"
)

const maxSignalBytes = 1 << 20

// ingestSignal accepts an envelope {"channel": ..., "payload": {...}} from a
// trusted producer and hands it to the listener.
func (h *handler) ingestSignal(c echo.Context) error {
	authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
	token, ok := strings.CutPrefix(authHeader, bearerPrefix)
	if !ok || h.opts.SignalsToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.SignalsToken)) != 1 {
		return c.NoContent(http.StatusUnauthorized)
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxSignalBytes+1))
	if err != nil || len(body) > maxSignalBytes {
		return c.NoContent(http.StatusBadRequest)
	}
	sig := domain.Signal{Name: domain.EnvelopeSignal, Payload: body}
	if _, _, err := domain.Decode(sig); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	if err := h.opts.Signals.Push(sig); err != nil {
		if errors.Is(err, listener.ErrBacklogFull) {
			c.Response().Header().Set(echo.HeaderRetryAfter, "1")
			return c.NoContent(http.StatusServiceUnavailable)
		}
		return err
	}
	return c.NoContent(http.StatusAccepted)
}
