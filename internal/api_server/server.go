package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/testfleet/orchestrator/internal/broadcaster"
	"github.com/testfleet/orchestrator/internal/config"
	"github.com/testfleet/orchestrator/internal/handlers"
	"github.com/testfleet/orchestrator/internal/service"
	"github.com/testfleet/orchestrator/pkg/metrics"
	"github.com/testfleet/orchestrator/pkg/middleware"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
)

type Server struct {
	cfg         *config.Config
	service     *service.JobService
	broadcaster *broadcaster.Broadcaster
	listener    net.Listener
}

// New returns a new instance of the orchestrator API server.
func New(
	cfg *config.Config,
	svc *service.JobService,
	bc *broadcaster.Broadcaster,
	listener net.Listener,
) *Server {
	return &Server{
		cfg:         cfg,
		service:     svc,
		broadcaster: bc,
		listener:    listener,
	}
}

func (s *Server) Run(ctx context.Context) error {
	zap.S().Named("api_server").Info("Initializing API server")

	router := chi.NewRouter()

	metricMiddleware := metrics.NewMiddleware("api_server")
	metricMiddleware.MustRegisterDefault()

	router.Use(
		metricMiddleware.Handler,
		cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "HEAD", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}),
		middleware.RequestID,
		middleware.Logger(),
		chiMiddleware.Recoverer,
	)

	streamTimeout := time.Duration(s.cfg.Stream.ConnectionTimeoutSeconds) * time.Second
	h := handlers.NewServiceHandler(s.service, s.broadcaster, streamTimeout)
	h.RegisterRoutes(router)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := http.Server{Addr: s.cfg.Service.Address, Handler: router}

	go func() {
		<-ctx.Done()
		zap.S().Named("api_server").Infof("Shutdown signal received: %s", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
		zap.S().Named("api_server").Info("api server terminated")
	}()

	zap.S().Named("api_server").Infof("Listening on %s...", s.listener.Addr().String())
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
