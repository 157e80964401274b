package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"realtime-service/api"
	"realtime-service/broker"
	"realtime-service/config"
	"realtime-service/internal/consts"
	"realtime-service/listener"
	"realtime-service/metrics"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.StandardLogger()
	if err := cfg.ConfigureLogger(logger); err != nil {
		log.Fatalf("logger: %v", err)
	}

	reg := metrics.NewRegistry()
	b := broker.New(broker.WithLogger(logger), broker.WithObserver(reg))

	source, webhook, cleanup, err := newSource(cfg, logger)
	if err != nil {
		log.Fatalf("signal source: %v", err)
	}
	defer cleanup()
	ln := listener.New(source, b,
		listener.WithLogger(logger),
		listener.WithObserver(reg),
		listener.WithBackoff(cfg.ListenerBackoff),
	)

	var auth *api.Auth
	if cfg.Auth.TestMode {
		auth = api.NewTestAuth([]byte(cfg.Auth.Secret), cfg.Auth.Audience, "")
	} else {
		jwks, err := keyfunc.Get(cfg.JWKSURL(), keyfunc.Options{RefreshInterval: time.Hour})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		defer jwks.EndBackground()
		auth = api.NewAuth(jwks, cfg.Auth.Audience, cfg.Issuer())
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "realtime_http",
		Registerer: reg.Registerer(),
		Skipper: func(c echo.Context) bool {
			return c.Path() == consts.MetricsPath || c.Path() == consts.HealthPath
		},
	}))
	api.Register(e, b, auth, api.Options{
		KeepAlive:    cfg.KeepAlive,
		OutboxSize:   cfg.OutboxSize,
		Limiter:      rate.NewLimiter(rate.Limit(cfg.Admission.Rate), cfg.Admission.Burst),
		Observer:     reg,
		Logger:       logger,
		Metrics:      reg.Handler(),
		Signals:      webhook,
		SignalsToken: cfg.Webhook.Token,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ln.Run(gctx)
	})
	g.Go(func() error {
		logger.WithField("addr", cfg.ListenAddr()).WithField("source", cfg.SignalSource).Info("realtime service listening")
		if err := e.Start(cfg.ListenAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// end streaming sessions first so Shutdown does not wait on them
		b.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("realtime service stopped")
		os.Exit(1)
	}
	logger.Info("realtime service stopped")
}

// newSource builds the configured signal source. webhook is non-nil only for
// the webhook source, which needs the HTTP ingress route.
func newSource(cfg *config.Config, logger *log.Logger) (source listener.Source, webhook *listener.WebhookSource, cleanup func(), err error) {
	cleanup = func() {}
	switch cfg.SignalSource {
	case config.SourceRedis:
		rc := redis.NewClient(config.RedisOptions(cfg.RedisConnectionString))
		return listener.NewRedisSource(rc, cfg.KeepAlive), nil, func() { rc.Close() }, nil
	case config.SourceNATS:
		return listener.NewNATSSource(cfg.NATS.URL, cfg.NATS.SubjectPrefix, cfg.NATS.Buffer, logger), nil, cleanup, nil
	case config.SourcePostgres:
		return listener.NewPostgresSource(cfg.Postgres.DSN, cfg.KeepAlive), nil, cleanup, nil
	case config.SourceBinlog:
		return listener.NewBinlogSource(cfg.Binlog, cfg.KeepAlive, logger), nil, cleanup, nil
	case config.SourceQueue:
		return listener.NewQueueSource(cfg.Queue.ConnectionString, cfg.Queue.Name, logger), nil, cleanup, nil
	case config.SourceWebhook:
		wh := listener.NewWebhookSource(cfg.Webhook.Backlog)
		return wh, wh, cleanup, nil
	}
	return nil, nil, cleanup, errors.New("unknown signal source " + cfg.SignalSource)
}
