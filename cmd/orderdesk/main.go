package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/app"
	"github.com/vladislavdragonenkov/orderdesk/internal/version"
)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(level log.Level) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(level)
}

// reportWarnings пишет в лог значения окружения, которые не удалось применить.
func reportWarnings(logger *log.Entry, warnings []string) {
	for _, warning := range warnings {
		logger.Warn("config: " + warning)
	}
}

func main() {
	cfg, warnings := app.LoadConfig()
	setupLogger(cfg.LogLevel)

	logger := log.WithField("component", "main")
	reportWarnings(logger, warnings)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(version.Fields()).WithFields(log.Fields{
		"grpc_addr":      cfg.GRPCAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
		"redis_enabled":  cfg.RedisAddr != "",
		"kafka_brokers":  len(cfg.KafkaBrokers),
	}).Info("запускаем orderdesk")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	logger.Info("orderdesk остановлен")
}
