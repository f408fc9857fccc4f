// Точка входа Attachment Module — сервиса загрузки и публикации вложений.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// поднимает файловое хранилище (и S3-зеркало, если включено), сервисный слой,
// фоновую сборку мусора, topologymetrics и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/goartstore/attachment-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/attachment-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/attachment-module/internal/config"
	"github.com/bigkaa/goartstore/attachment-module/internal/database"
	"github.com/bigkaa/goartstore/attachment-module/internal/repository"
	"github.com/bigkaa/goartstore/attachment-module/internal/server"
	"github.com/bigkaa/goartstore/attachment-module/internal/service"
	"github.com/bigkaa/goartstore/attachment-module/internal/storage/filestore"
	"github.com/bigkaa/goartstore/attachment-module/internal/storage/s3store"
	"github.com/bigkaa/goartstore/attachment-module/internal/thumbnail"
)

func main() {
	// 1. Конфигурация: .env (если есть) и переменные окружения
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("Ошибка загрузки .env", slog.String("error", err.Error()))
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Логирование
	logger := config.SetupLogger(cfg)
	logger.Info("Attachment Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("data_dir", cfg.DataDir),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Миграции и пул PostgreSQL
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// Адаптер pgxpool → *sql.DB для topologymetrics
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 4. Хранилища
	store, err := filestore.New(cfg.DataDir)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища",
			slog.String("data_dir", cfg.DataDir),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// Интерфейсы остаются nil, если S3 отключён
	var (
		objects   service.ObjectStore
		s3Checker handlers.ReadinessChecker
	)
	if cfg.S3Enabled {
		client, err := s3store.NewClient(ctx, s3store.Config{
			Endpoint:   cfg.S3Endpoint,
			Region:     cfg.S3Region,
			Bucket:     cfg.S3Bucket,
			AccessKey:  cfg.S3AccessKey,
			SecretKey:  cfg.S3SecretKey,
			Prefix:     cfg.S3Prefix,
			PathStyle:  cfg.S3ForcePathStyle,
			MaxRetries: cfg.S3MaxRetries,
		})
		if err != nil {
			logger.Error("Ошибка создания S3-клиента", slog.String("error", err.Error()))
			os.Exit(1)
		}
		s3, err := s3store.New(ctx, client, cfg.S3Bucket, cfg.S3Prefix, logger)
		if err != nil {
			logger.Error("S3 недоступен", slog.String("error", err.Error()))
			os.Exit(1)
		}
		objects, s3Checker = s3, s3
		logger.Info("S3-зеркало включено",
			slog.String("endpoint", cfg.S3Endpoint),
			slog.String("bucket", cfg.S3Bucket),
		)
	}

	// 5. Репозитории и сервисы
	repos := repository.NewRepos(pool)
	tx := repository.NewTxRunner(pool)
	cache := service.NewCacheService(cfg.CacheSize, cfg.CacheTTL)
	engine := thumbnail.New(logger)
	baseURL := cfg.BasePath

	uploadSvc := service.NewUploadService(repos.Drafts, store, cfg.DraftTTL, cfg.MaxUploadSize, baseURL, logger)
	deleteSvc := service.NewDeleteService(repos, store, objects, cache, logger)
	publishSvc := service.NewPublishService(repos, tx, store, objects, deleteSvc, cache, logger)
	gcSvc := service.NewGCService(repos, store, deleteSvc, cfg.GCInterval, logger)
	attachmentSvc := service.NewAttachmentService(repos, store, objects, engine, cache, baseURL, logger)

	// 6. HTTP: health, API, проверка прав
	healthHandler := handlers.NewHealthHandler(database.NewReadinessChecker(pool), store, s3Checker)
	apiHandler := handlers.NewAPIHandler(
		uploadSvc, publishSvc, deleteSvc, gcSvc, attachmentSvc,
		healthHandler, baseURL, logger,
	)

	admin := middleware.OpenAccess
	if cfg.JWKSURL != "" {
		jwtAuth, err := middleware.NewJWTAuth(
			cfg.JWKSURL,
			cfg.JWTIssuer,
			cfg.AdminGroups,
			cfg.JWKSClientTimeout,
			cfg.JWKSRefreshInterval,
			cfg.JWTLeeway,
			logger,
		)
		if err != nil {
			logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
			os.Exit(1)
		}
		admin = jwtAuth.RequireAdmin()
		logger.Info("JWT middleware инициализирован",
			slog.String("jwks_url", cfg.JWKSURL),
			slog.String("issuer", cfg.JWTIssuer),
		)
	} else {
		logger.Warn("AT_JWKS_URL не задан: административные маршруты открыты без проверки прав")
	}

	router := server.NewRouter(cfg, apiHandler, healthHandler, admin,
		middleware.RequestLogger(logger),
		middleware.MetricsMiddleware(),
	)
	srv := server.New(cfg, logger, router)

	// 7. Фоновые задачи
	gcSvc.Start(ctx)

	var dephealthSvc *service.DephealthService
	if cfg.DephealthEnabled {
		s3Endpoint := ""
		if cfg.S3Enabled {
			s3Endpoint = cfg.S3Endpoint
		}
		dephealthSvc, err = service.NewDephealthService(
			"attachment-module",
			cfg.DephealthGroup,
			pgDB,
			cfg.DatabaseURL(),
			s3Endpoint,
			cfg.DephealthCheckInterval,
			logger,
		)
		if err != nil {
			logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
				slog.String("error", err.Error()),
			)
			dephealthSvc = nil
		} else if err := dephealthSvc.Start(ctx); err != nil {
			logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
			dephealthSvc = nil
		}
	}

	// 8. HTTP-сервер и остановка фоновых задач по сигналу
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Останавливаем фоновые задачи...")
		gcSvc.Stop()
		if dephealthSvc != nil {
			dephealthSvc.Stop()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Attachment Module остановлен")
}
