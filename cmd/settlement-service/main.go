package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/settlement/internal/app"
	"github.com/vladislavdragonenkov/settlement/internal/logging"
	"github.com/vladislavdragonenkov/settlement/internal/version"
)

const defaultEnvFile = ".env"

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(logging.ParseLevel(level))
}

// loadEnvFile подгружает переменные из .env, не перезаписывая уже заданные.
// Отсутствие файла по умолчанию ошибкой не считается.
func loadEnvFile(lookup envLookup) error {
	path, explicit := lookup(envEnvFile)
	if !explicit || path == "" {
		path = defaultEnvFile
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil
		}
	}
	return godotenv.Load(path)
}

func main() {
	if err := loadEnvFile(os.LookupEnv); err != nil {
		log.WithError(err).Fatal("не удалось прочитать env-файл")
	}
	setupLogger(os.Getenv(envLogLevel))

	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, w := range warnings {
		log.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"grpc_addr":    cfg.GRPCAddr,
		"metrics_addr": cfg.MetricsAddr,
		"catalog":      cfg.CatalogBackend,
		"tax_rate":     cfg.TaxRate.String(),
		"kafka":        len(cfg.KafkaBrokers) > 0,
		"version":      version.String(),
	}).Info("запускаем SettlementService")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("SettlementService остановлен")
}
