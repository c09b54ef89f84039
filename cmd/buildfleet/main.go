// Точка входа BuildFleet — контроллер автоскейлинга машин-исполнителей CI.
// Загружает конфигурацию и таблицу архетипов, подключается к PostgreSQL,
// применяет миграции, инициализирует клиенты Jenkins и OpenStack, создаёт
// сервисный слой и API handlers, запускает фоновые циклы (сканер очереди,
// зачистка сирот, topologymetrics) и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/arturkryukov/buildfleet/internal/api/handlers"
	"github.com/arturkryukov/buildfleet/internal/ciserver"
	"github.com/arturkryukov/buildfleet/internal/config"
	"github.com/arturkryukov/buildfleet/internal/database"
	"github.com/arturkryukov/buildfleet/internal/labelexpr"
	"github.com/arturkryukov/buildfleet/internal/matcher"
	"github.com/arturkryukov/buildfleet/internal/provider"
	"github.com/arturkryukov/buildfleet/internal/repository"
	"github.com/arturkryukov/buildfleet/internal/server"
	"github.com/arturkryukov/buildfleet/internal/service"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("BuildFleet запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	// 3. Таблица архетипов
	archetypes, err := config.LoadArchetypes(cfg.ArchetypesPath)
	if err != nil {
		logger.Error("Ошибка загрузки таблицы архетипов", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Таблица архетипов загружена",
		slog.String("path", cfg.ArchetypesPath),
		slog.Int("archetypes", len(archetypes)),
	)

	// 4. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 5. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 5.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 6. Клиент Jenkins
	ciClient := ciserver.New(
		cfg.CIURL, cfg.CIUser, cfg.CIToken,
		cfg.CICallTimeout, cfg.CIRetries,
		logger,
	)
	logger.Info("Клиент CI-сервера создан", slog.String("url", cfg.CIURL))

	// 7. Провайдеры
	osProvider, err := provider.NewOpenStack(cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к OpenStack", slog.String("error", err.Error()))
		os.Exit(1)
	}
	providers := provider.NewRegistry()
	providers.Register("openstack", osProvider)

	// 8. Repositories
	nodeRepo := repository.NewFleetNodeRepository(pool)

	// 9. Matcher: классификация причин + подбор архетипа
	engine := labelexpr.NewEngine(logger)
	m := matcher.New(archetypes, engine, ciClient, logger)

	// 10. Сервисный слой
	fleetSvc := service.NewFleetService(
		archetypes, nodeRepo, providers, ciClient,
		service.FleetParams{
			DedupWindow: cfg.DedupWindow,
			BufferRatio: cfg.BufferRatio,
			IdleTimeout: cfg.IdleTimeout,
			OrphanGrace: cfg.OrphanGrace,
		},
		logger,
	)

	// 11. Фоновые циклы
	scanner := service.NewQueueScanner(ciClient, m, fleetSvc, cfg.ScanInterval, logger)
	reaper := service.NewOrphanReaper(fleetSvc, cfg.OrphanSweepInterval, logger)
	scanner.Start(ctx)
	reaper.Start(ctx)

	// 11.1 topologymetrics — мониторинг зависимостей (PostgreSQL + Jenkins)
	var dephealthSvc *service.DephealthService
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"buildfleet",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		cfg.CIURL,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 12. Readiness checkers и handlers
	pgChecker := database.NewReadinessChecker(pool)
	ciChecker := ciserver.NewReadinessChecker(ciClient)
	healthHandler := handlers.NewHealthHandler(pgChecker, ciChecker)
	nodesHandler := handlers.NewNodesHandler(fleetSvc, nodeRepo, logger)

	// 13. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, nodesHandler, healthHandler)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 14. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")

	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	scanner.Stop()
	reaper.Stop()
	fleetSvc.WaitPending()

	logger.Info("BuildFleet остановлен")
}
