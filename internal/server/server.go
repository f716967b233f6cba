package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Nzyazin/billpay/internal/core/events"
	"github.com/Nzyazin/billpay/internal/core/gateway"
	"github.com/Nzyazin/billpay/internal/core/guard"
	"github.com/Nzyazin/billpay/internal/core/handler"
	"github.com/Nzyazin/billpay/internal/core/logger"
	"github.com/Nzyazin/billpay/internal/core/metrics"
	middlWre "github.com/Nzyazin/billpay/internal/core/middleware"
	"github.com/Nzyazin/billpay/internal/core/reconcile"
	"github.com/Nzyazin/billpay/internal/core/reference"
	"github.com/Nzyazin/billpay/internal/core/repository"
	"github.com/Nzyazin/billpay/internal/core/repository/memory"
	"github.com/Nzyazin/billpay/internal/core/repository/postgres"
	"github.com/Nzyazin/billpay/internal/core/usecase"
	"github.com/Nzyazin/billpay/pkg/config"
	"github.com/Nzyazin/billpay/pkg/postgresdb"
	"github.com/Nzyazin/billpay/pkg/rabbitmq"
	"github.com/Nzyazin/billpay/pkg/vtpass"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	httpmetrics "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"
	"github.com/slok/go-http-metrics/middleware/std"
)

const purchaseRateWindow = time.Minute

type Server struct {
	cfg        *config.Config
	router     *mux.Router
	log        logger.Logger
	httpServer *http.Server
	registry   *prometheus.Registry

	db        *postgresdb.Database
	redis     *redis.Client
	producer  *rabbitmq.EventProducer
	scheduler *reconcile.Scheduler

	walletHandler      *handler.WalletHandler
	transactionHandler *handler.TransactionHandler
	purchaseHandler    *handler.PurchaseHandler
	limiter            guard.RateLimiter
}

// NewServer поднимает все зависимости по cfg; при ошибке уже открытые соединения закрываются
func NewServer(ctx context.Context, cfg *config.Config, log logger.Logger) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		log:      log,
		router:   mux.NewRouter(),
		registry: prometheus.NewRegistry(),
	}
	if err := s.build(ctx); err != nil {
		_ = s.closeResources()
		return nil, err
	}
	return s, nil
}

func (s *Server) build(ctx context.Context) error {
	store, err := s.openStore(ctx)
	if err != nil {
		return err
	}

	currency, err := store.GetCurrencyByCode(ctx, s.cfg.Ledger.Currency)
	if err != nil {
		return fmt.Errorf("ledger currency %s: %w", s.cfg.Ledger.Currency, err)
	}
	location, err := time.LoadLocation(s.cfg.Ledger.Timezone)
	if err != nil {
		return fmt.Errorf("ledger timezone: %w", err)
	}

	publisher, err := s.openPublisher()
	if err != nil {
		return err
	}

	limiter, locker, err := s.openGuards(ctx)
	if err != nil {
		return err
	}
	s.limiter = limiter

	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(s.registry)

	client := vtpass.NewClient(
		s.cfg.Provider.BaseURL,
		s.cfg.Provider.APIKey,
		s.cfg.Provider.PublicKey,
		s.cfg.Provider.SecretKey,
		s.cfg.Provider.Timeout,
		s.log,
	)
	gw := gateway.NewVTpassGateway(client, *currency, recorder, s.log)

	refs := reference.NewGenerator()
	walletUsecase := usecase.NewWalletUsecase(store, refs, publisher, s.log, usecase.LedgerConfig{
		Currency:                *currency,
		DailySpendLimit:         s.cfg.Ledger.DailySpendLimit,
		SpendLimitCountsPending: s.cfg.Ledger.SpendLimitCountsPending,
		Location:                location,
	})
	purchaseUsecase := usecase.NewPurchaseUsecase(walletUsecase, gw, locker, refs, recorder, s.log, usecase.PurchaseConfig{
		ProviderTimeout: s.cfg.Provider.Timeout,
		VerifyTimeout:   s.cfg.Provider.VerifyTimeout,
	})
	reconcileUsecase := usecase.NewReconcileUsecase(store, walletUsecase, gw, locker, recorder, s.log, usecase.ReconcileConfig{
		LockTTL:        s.cfg.Redis.ReconcileLockTTL,
		MinAge:         s.cfg.Reconcile.MinAge,
		BatchSize:      s.cfg.Reconcile.BatchSize,
		RequeryTimeout: s.cfg.Provider.Timeout,
	})

	s.scheduler = reconcile.NewScheduler(reconcileUsecase, s.log, s.cfg.Reconcile.Schedule, s.cfg.Reconcile.BatchSize, 0)
	if err := s.scheduler.Start(); err != nil {
		return err
	}

	s.walletHandler = handler.NewWalletHandler(walletUsecase, s.log)
	s.transactionHandler = handler.NewTransactionHandler(walletUsecase, reconcileUsecase, s.log)
	s.purchaseHandler = handler.NewPurchaseHandler(purchaseUsecase, *currency, s.log)

	s.router.Use(loggingMiddleware(s.log))

	mw := middleware.New(middleware.Config{
		Recorder: httpmetrics.NewRecorder(httpmetrics.Config{Registry: s.registry}),
	})
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			std.Handler(routeTemplate(r), mw, next).ServeHTTP(w, r)
		})
	})

	s.RegisterRoutes()
	return nil
}

func (s *Server) openStore(ctx context.Context) (repository.Store, error) {
	if s.cfg.DB.Driver == config.DriverMemory {
		s.log.Warn("Using in-memory store, data is lost on restart")
		return memory.New(), nil
	}

	db, err := postgresdb.NewPostgresDB(ctx, s.cfg.DB, s.log)
	if err != nil {
		return nil, err
	}
	s.db = db

	if err := postgresdb.Migrate(ctx, db.DB, s.log); err != nil {
		return nil, err
	}
	return postgres.NewPostgresStore(db.DB, s.log), nil
}

func (s *Server) openPublisher() (events.Publisher, error) {
	if s.cfg.RabbitMQ.URL == "" {
		s.log.Info("RABBITMQ_URL not set, transaction events go to the log")
		return events.NewLogPublisher(s.log), nil
	}

	producer, err := rabbitmq.NewEventProducer(s.cfg.RabbitMQ.URL, s.log)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: %w", err)
	}
	s.producer = producer
	return events.NewAMQPPublisher(producer, s.cfg.RabbitMQ.Exchange), nil
}

func (s *Server) openGuards(ctx context.Context) (guard.RateLimiter, guard.Locker, error) {
	if s.cfg.Redis.URL == "" {
		s.log.Info("REDIS_URL not set, rate limiting disabled and reconcile locks are process-local")
		return guard.NoopRateLimiter(), guard.NewLocalLocker(), nil
	}

	opts, err := redis.ParseURL(s.cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	s.redis = client

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}

	limiter := guard.NewRedisRateLimiter(client, s.cfg.Redis.Prefix, s.cfg.Redis.PurchasesPerMinute, purchaseRateWindow)
	return limiter, guard.NewRedisLocker(client, s.cfg.Redis.Prefix), nil
}

func (s *Server) RegisterRoutes() {
	s.router.Use(
		middlWre.WithErrorHandler(s.log),
		middlWre.Recovery(s.log),
	)
	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	auth := middlWre.Auth([]byte(s.cfg.Auth.JWTSecret), s.log)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(auth)
	s.walletHandler.RegisterRoutes(api)
	s.transactionHandler.RegisterRoutes(api)
	s.purchaseHandler.RegisterRoutes(api)

	purchases := api.NewRoute().Subrouter()
	purchases.Use(middlWre.RateLimit(s.limiter, "purchase", s.log))
	s.purchaseHandler.RegisterPurchaseRoutes(purchases)

	internal := s.router.PathPrefix("/internal/v1").Subrouter()
	internal.Use(auth, middlWre.RequireRole(middlWre.RoleOperator, s.log))
	s.transactionHandler.RegisterInternalRoutes(internal)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			s.log.Warn("Health check failed", logger.ErrorField("error", err))
			status, code = "database unavailable", http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"status":%q}`, status)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.router,
		// покупка ждёт провайдера до PROVIDER_TIMEOUT
		ReadTimeout:       9 * time.Second,
		WriteTimeout:      s.cfg.Provider.Timeout + s.cfg.Provider.VerifyTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 6 * time.Second,
	}

	s.httpServer = srv

	return srv.ListenAndServe()
}

func (s *Server) RunTLS(addr, certFile, keyFile string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       9 * time.Second,
		WriteTimeout:      s.cfg.Provider.Timeout + s.cfg.Provider.VerifyTimeout + 15*time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 6 * time.Second,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
	}

	s.httpServer = srv
	return srv.ListenAndServeTLS(certFile, keyFile)
}

func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	var shutdownErr error

	go func() {
		if s.httpServer != nil {
			err := s.httpServer.Shutdown(ctx)
			if err != nil {
				s.log.Error("failed to shutdown HTTP server", logger.ErrorField("error", err))
				shutdownErr = fmt.Errorf("HTTP server shutdown error: %w", err)
			}
		}

		if s.scheduler != nil {
			select {
			case <-s.scheduler.Stop().Done():
			case <-ctx.Done():
			}
		}

		if err := s.closeResources(); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}

		close(done)
	}()

	select {
	case <-done:
		return shutdownErr
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

func (s *Server) closeResources() error {
	var errs []error
	if s.producer != nil {
		s.producer.Close()
		s.producer = nil
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.log.Error("failed to close redis client", logger.ErrorField("error", err))
			errs = append(errs, fmt.Errorf("redis shutdown error: %w", err))
		}
		s.redis = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Error("failed to close database connection", logger.ErrorField("error", err))
			errs = append(errs, fmt.Errorf("database shutdown error: %w", err))
		}
		s.db = nil
	}
	return errors.Join(errs...)
}

// routeTemplate даёт метке метрик шаблон маршрута вместо пути с id
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

func loggingMiddleware(log logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Info("HTTP request",
				logger.StringField("method", r.Method),
				logger.StringField("path", r.URL.Path),
				logger.StringField("remote_addr", r.RemoteAddr),
				logger.StringField("user_agent", r.UserAgent()),
			)
			next.ServeHTTP(w, r)
		})
	}
}
