package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/korelin/subpay/internal/app/api/handlers"
	mw "github.com/korelin/subpay/internal/app/api/middleware"
	"github.com/korelin/subpay/internal/app/service/mirror"
	"github.com/korelin/subpay/internal/app/service/orchestrator"
	"github.com/korelin/subpay/internal/app/service/webhooklog"
	cfgpkg "github.com/korelin/subpay/pkg/config"
	"github.com/korelin/subpay/pkg/metrics"
)

func newEngine(met *metrics.Metrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	// Tracing and metrics cover every route; request logger and access log
	// are attached per group in registerRoutes.
	r.Use(mw.TraceMiddleware())
	r.Use(met.HandlerFunc())
	return r
}

func registerRoutes(
	r *gin.Engine,
	log *zap.SugaredLogger,
	orch *orchestrator.Service,
	logs *webhooklog.Service,
	mgr *mirror.Manager,
	met *metrics.Metrics,
	cfg *cfgpkg.Config,
) {
	if cfg.MetricsAddr != "" {
		met.Serve(cfg.MetricsAddr, log)
		log.Infow("metrics started", "addr", cfg.MetricsAddr)
	}

	pub := r.Group("/")
	pub.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware())
	handlers.RegisterHealthRoutes(pub)

	apiV1 := r.Group("/api/v1")
	apiV1.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware())
	handlers.RegisterPaymentWebhookRoutes(apiV1, orch, logs, log)
	handlers.RegisterMirrorWebhookRoutes(apiV1, mgr)
}

func runServer(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config, r *gin.Engine) {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting HTTP server", "addr", addr)
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Errorf("server error: %v", err)
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Infow("stopping HTTP server")
			shutdownCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Options(
	fx.Provide(newEngine),
	fx.Invoke(registerRoutes),
	fx.Invoke(runServer),
)
