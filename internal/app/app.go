package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/orderdesk/internal/health"
	"github.com/vladislavdragonenkov/orderdesk/internal/metrics"
	"github.com/vladislavdragonenkov/orderdesk/internal/realtime"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/editrequest"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/effects"
	grpcsvc "github.com/vladislavdragonenkov/orderdesk/internal/service/grpc"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/idempotency"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/invoice"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/notify"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/outbox"
	"github.com/vladislavdragonenkov/orderdesk/internal/version"
)

const (
	gracefulStopTimeout = 5 * time.Second
	drainTimeout        = 5 * time.Second
)

// services — собранные компоненты workflow.
type services struct {
	runner   *effects.AsyncRunner
	realtime *realtime.Manager
	api      *grpcsvc.WorkflowService
	outbox   *outbox.Worker
	cleanup  *idempotency.CleanupWorker
}

// buildServices связывает хранилища, транспорт изменений и брокер сообщений в сервисы workflow.
func buildServices(cfg Config, deps runtimeDependencies, feed changeFeed, msg messaging, wm *metrics.WorkflowMetrics, logger *log.Entry) (services, error) {
	runnerOptions := []effects.Option{
		effects.WithLogger(logger.WithField("component", "effects")),
		effects.WithMetrics(wm),
		effects.WithWorkers(cfg.EffectWorkers),
		effects.WithQueueSize(cfg.EffectQueueSize),
		effects.WithMaxAttempts(cfg.EffectMaxAttempts),
		effects.WithRetryBaseDelay(cfg.EffectRetryDelay),
		effects.WithDeadLetterSink(effects.LogSink{Logger: logger.WithField("component", "effects-dlq")}),
	}
	if msg.deadLetterSink != nil {
		runnerOptions = append(runnerOptions, effects.WithDeadLetterSink(msg.deadLetterSink))
	}
	runner := effects.NewAsyncRunner(runnerOptions...)

	recorder := outbox.NewRecorder(deps.outboxRepo)
	dispatcher := notify.NewDispatcher(deps.notifications, deps.directory,
		notify.WithLogger(logger.WithField("component", "notify")),
		notify.WithMetrics(wm),
		notify.WithChangePublisher(feed.feed),
	)

	orders := lifecycle.NewService(lifecycle.Deps{
		Orders:     deps.orders,
		Comments:   deps.comments,
		Directory:  deps.directory,
		Dispatcher: dispatcher,
		Effects:    runner,
		Changes:    feed.feed,
		Events:     recorder,
		Metrics:    wm,
		Logger:     logger.WithField("component", "order-lifecycle"),
	})
	invoices := invoice.NewReconciler(invoice.Deps{
		Invoices:   deps.invoices,
		Orders:     deps.orders,
		Dispatcher: dispatcher,
		Effects:    runner,
		Changes:    feed.feed,
		Events:     recorder,
		Metrics:    wm,
		Logger:     logger.WithField("component", "invoice-reconciler"),
	})
	editRequests := editrequest.NewWorkflow(editrequest.Deps{
		Requests:   deps.editRequests,
		Orders:     deps.orders,
		Comments:   deps.comments,
		Dispatcher: dispatcher,
		Effects:    runner,
		Changes:    feed.feed,
		Events:     recorder,
		Metrics:    wm,
		Logger:     logger.WithField("component", "edit-request-workflow"),
	})

	manager := realtime.NewManager(feed.feed,
		realtime.WithLogger(logger.WithField("component", "realtime")),
		realtime.WithMetrics(wm),
	)
	if err := manager.Open(); err != nil {
		_ = runner.Close(context.Background())
		return services{}, fmt.Errorf("open realtime manager: %w", err)
	}

	api := grpcsvc.NewWorkflowService(grpcsvc.Deps{
		Orders:       orders,
		Invoices:     invoices,
		EditRequests: editRequests,
		Dispatcher:   dispatcher,
		Effects:      runner,
		Realtime:     manager,
		Idempotency:  deps.idempotencyRepo,
		Logger:       logger.WithField("layer", "grpc"),
	})

	outboxOptions := []outbox.Option{
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithMetrics(wm),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	}
	if msg.eventsDLQ != nil {
		outboxOptions = append(outboxOptions, outbox.WithDLQPublisher(msg.eventsDLQ))
	}

	return services{
		runner:   runner,
		realtime: manager,
		api:      api,
		outbox:   outbox.NewWorker(deps.outboxRepo, msg.events, outboxOptions...),
		cleanup: idempotency.NewCleanupWorker(deps.idempotencyRepo,
			idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
			idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
			idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
			idempotency.WithMetrics(wm),
		),
	}, nil
}

// Run поднимает хранилище, фоновые воркеры, gRPC API и HTTP с метриками и health checks.
// Возвращает ctx.Err() после остановки по сигналу.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	logger.WithFields(version.Fields()).Info("старт сервиса")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStorage(deps, logger)

	feed, err := initChangeFeed(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeChangeFeed(feed, logger)

	msg := initMessaging(cfg, logger)
	defer closeKafka(msg.producer, logger)

	wm := metrics.NewWorkflowMetrics()
	svc, err := buildServices(cfg, deps, feed, msg, wm, logger)
	if err != nil {
		return err
	}
	defer drainServices(svc, logger)

	grpcMetrics := registerGRPCMetrics(logger)
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	grpcsvc.RegisterWorkflowServer(grpcServer, svc.api)
	grpcMetrics.InitializeMetrics(grpcServer)

	// Reflection нужен grpcurl и инструментам нагрузочного тестирования.
	reflection.Register(grpcServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}

	healthHandler := newHealthHandler(cfg, deps, feed)
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)
	defer shutdownHTTP(metricsSrv, logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Infof("gRPC сервер слушает %s", lis.Addr())
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		svc.outbox.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		svc.cleanup.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("получен сигнал остановки, останавливаем gRPC сервер")
		healthServer.Shutdown()
		stopGRPC(grpcServer, logger)
		return ctx.Err()
	})

	return group.Wait()
}

func registerGRPCMetrics(logger *log.Entry) *promgrpc.ServerMetrics {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				return existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}
	return grpcMetrics
}

// stopGRPC дожидается завершения активных вызовов, потом останавливает сервер принудительно.
func stopGRPC(server *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(gracefulStopTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

// drainServices закрывает подписки и дочитывает очередь эффектов до закрытия брокера и хранилища.
func drainServices(svc services, logger *log.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if svc.realtime != nil {
		if err := svc.realtime.CloseAll(ctx); err != nil {
			logger.WithError(err).Warn("realtime subscriptions did not stop in time")
		}
	}
	if svc.runner != nil {
		if err := svc.runner.Close(ctx); err != nil {
			logger.WithError(err).Warn("effects queue was not drained")
		}
	}
}

func closeChangeFeed(feed changeFeed, logger *log.Entry) {
	if feed.closeFn == nil {
		return
	}
	if err := feed.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close change feed")
	}
}

func closeStorage(deps runtimeDependencies, logger *log.Entry) {
	if deps.closeFn == nil {
		return
	}
	if err := deps.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics для Prometheus и health endpoints.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
