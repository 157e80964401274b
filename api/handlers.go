package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"realtime-service/broker"
	"realtime-service/domain"
	"realtime-service/internal/consts"
	"realtime-service/listener"
)

type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

type Options struct {
	// KeepAlive is the idle period after which a keep-alive frame is written.
	KeepAlive  time.Duration
	OutboxSize int
	// Limiter admits new streaming sessions; nil admits everything.
	Limiter  *rate.Limiter
	Observer SessionObserver
	Logger   *log.Logger
	// Metrics is served on /metrics when set.
	Metrics http.Handler
	// Signals enables the webhook ingress, guarded by SignalsToken.
	Signals      *listener.WebhookSource
	SignalsToken string
}

type handler struct {
	registry Registry
	auth     Authenticator
	opts     Options
}

// Register wires up the realtime endpoints on the given Echo instance.
func Register(e *echo.Echo, registry Registry, auth Authenticator, opts Options) {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = broker.DefaultOutboxSize
	}
	if opts.Observer == nil {
		opts.Observer = nopSessionObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	h := &handler{registry: registry, auth: auth, opts: opts}

	e.GET(consts.RealtimePath, h.streamSSE, h.admit)
	e.GET(consts.RealtimeWSPath, h.streamWS, h.admit)
	e.GET(consts.HealthPath, h.health)
	if opts.Metrics != nil {
		e.GET(consts.MetricsPath, echo.WrapHandler(opts.Metrics))
	}
	if opts.Signals != nil {
		e.POST(consts.SignalsPath, h.ingestSignal)
	}
}

// admit rejects new sessions once the connection rate limit is exceeded.
func (h *handler) admit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h.opts.Limiter != nil && !h.opts.Limiter.Allow() {
			c.Response().Header().Set(echo.HeaderRetryAfter, "1")
			return c.String(http.StatusServiceUnavailable, "too many new connections")
		}
		return next(c)
	}
}

// authorize resolves the caller and the requested channels. Errors are
// reported before any upgrade or stream headers are written.
func (h *handler) authorize(c echo.Context) (string, domain.ChannelSet, error) {
	userID, err := h.auth.UserIDFromAuthHeader(authorization(c.Request()))
	if err != nil {
		return "", 0, echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	set, err := domain.ParseChannelSet(c.QueryParam(consts.ChannelsQueryParam))
	if err != nil {
		return "", 0, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return userID, set, nil
}

func (h *handler) session(sub *broker.Subscription, w frameWriter, transport string) *Session {
	return &Session{
		sub:       sub,
		registry:  h.registry,
		writer:    w,
		transport: transport,
		keepAlive: h.opts.KeepAlive,
		observer:  h.opts.Observer,
		logger: h.opts.Logger.WithFields(log.Fields{
			"session":   sub.ID(),
			"user":      sub.UserID(),
			"channels":  sub.Channels().String(),
			"transport": transport,
		}),
	}
}

func (h *handler) streamSSE(c echo.Context) error {
	userID, set, err := h.authorize(c)
	if err != nil {
		return err
	}
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	w := newSSEWriter(c.Response(), flusher)
	if err := w.writeComment(consts.SSEReady); err != nil {
		return nil
	}
	sub := broker.NewSubscription(set, h.opts.OutboxSize, broker.WithUser(userID))
	// the response is committed, so a write error only ends the session
	h.session(sub, w, transportSSE).Run(c.Request().Context())
	return nil
}

func (h *handler) streamWS(c echo.Context) error {
	userID, set, err := h.authorize(c)
	if err != nil {
		return err
	}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already replied
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	go discardInbound(conn, cancel)

	sub := broker.NewSubscription(set, h.opts.OutboxSize, broker.WithUser(userID))
	h.session(sub, wsWriter{conn: conn}, transportWS).Run(ctx)
	return nil
}

func (h *handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": h.registry.Len(),
	})
}
