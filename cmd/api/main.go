package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/OtticaBianchi/gestionale-sub002/config"
	auditrepo "github.com/OtticaBianchi/gestionale-sub002/internal/repositories/audit"
	cataloguerepo "github.com/OtticaBianchi/gestionale-sub002/internal/repositories/catalogue"
	clientrepo "github.com/OtticaBianchi/gestionale-sub002/internal/repositories/client"
	dependentsrepo "github.com/OtticaBianchi/gestionale-sub002/internal/repositories/dependents"
	matchrecordrepo "github.com/OtticaBianchi/gestionale-sub002/internal/repositories/matchrecord"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/database"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/events"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/guardrail"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/kafka"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/matchqueue"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/merge"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/middleware"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/reconcile"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/redis"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/routes/clients"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/routes/health"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/routes/matches"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/routes/merges"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/routes/reconciliation"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/tracing"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	var cfg config.Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(&cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	fatal := func(err error, msg string) {
		logger.WithError(err).Error(msg)
		os.Exit(1)
	}

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	tracing.SetTracer(tp.Tracer(cfg.AppName))

	db, err := connectDatabase(&cfg, logger)
	if err != nil {
		fatal(err, "Failed to connect to database")
	}
	defer db.Close()

	if err := runMigrations(&cfg, logger, db); err != nil {
		fatal(err, "Failed to run database migrations")
	}

	redisClient, err := redis.NewClient(redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		fatal(err, "Failed to connect to Redis")
	}
	defer redisClient.Close()

	var producer *kafka.Producer
	if cfg.KafkaEnabled {
		producer = kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaOutputTopic,
			BatchSize:    cfg.KafkaBatchSize,
			BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
			RequiredAcks: cfg.KafkaRequiredAcks,
			Compression:  cfg.KafkaCompression,
		}, logger)
		defer producer.Close()
	}
	emitter := events.NewEmitter(logger, producer)

	clientRepo := clientrepo.NewRepository(db, logger)
	dependents := dependentsrepo.NewRepository(db, logger)
	matchRepo := matchrecordrepo.NewRepository(db, logger)
	auditRepo := auditrepo.NewRepository(db, logger)
	catalogue := cataloguerepo.NewRepository(db, logger)

	guard := guardrail.NewChecker(
		logger,
		catalogue,
		guardrail.NewStaticCatalogue(cataloguerepo.StaticRefTables()),
		dependents,
		cataloguerepo.CoveredTables(),
	)

	engine := merge.NewEngine(logger, clientRepo, dependents, dependents, guard, auditRepo, emitter)
	resolver := matchqueue.NewResolver(logger, matchRepo, clientRepo, engine, emitter)
	locker := redis.NewLocker(redisClient, "")
	runner := reconcile.NewRunner(logger, clientRepo, engine, matchRepo, resolver, locker)

	if err := registerDependencies(logger, clientRepo, matchRepo, auditRepo, engine, resolver, runner); err != nil {
		fatal(err, "Failed to register dependencies")
	}

	checker := health.NewChecker(db, redisClient, version)
	e := newServer(&cfg, logger, checker)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		logger.Infof("Starting %s on %s", cfg.AppName, addr)
		checker.SetReady(true)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			fatal(err, "Server stopped unexpectedly")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	checker.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Failed to shut down cleanly")
	}
}

func newLogger(cfg *config.Config) (ectologger.Logger, error) {
	var zapLogger *zap.Logger
	var err error
	if cfg.PrettyLogs {
		zapLogger, err = zap.NewDevelopment()
	} else {
		zapLogger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil), nil
}

func connectDatabase(cfg *config.Config, logger ectologger.Logger) (database.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName,
		cfg.DatabasePassword, cfg.DatabaseName, cfg.DatabaseSSLMode,
	)

	var sqlxDB *sqlx.DB
	var err error
	for attempt := 1; attempt <= cfg.DatabaseReconnectRetryCount; attempt++ {
		sqlxDB, err = sqlx.Connect(cfg.DatabaseDriver, dsn)
		if err == nil {
			break
		}
		logger.WithError(err).Warnf("Database connection attempt %d/%d failed", attempt, cfg.DatabaseReconnectRetryCount)
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	if err != nil {
		return nil, err
	}

	db := database.NewDatabaseInstance(sqlxDB, logger)
	db.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
	db.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)
	return db, nil
}

func runMigrations(cfg *config.Config, logger ectologger.Logger, db database.DB) error {
	driver, err := migratepg.WithInstance(db.Unsafe().DB, &migratepg.Config{})
	if err != nil {
		return err
	}

	ms := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
	})
	return ms.Migrate(cfg.DatabaseName, driver)
}

func registerDependencies(
	logger ectologger.Logger,
	clientRepo *clientrepo.Repository,
	matchRepo *matchrecordrepo.Repository,
	auditRepo *auditrepo.Repository,
	engine *merge.Engine,
	resolver *matchqueue.Resolver,
	runner *reconcile.Runner,
) error {
	container, err := ectoinject.NewDIDefaultContainer()
	if err != nil {
		return err
	}

	if err := ectoinject.RegisterInstance[ectologger.Logger](container, logger); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*clientrepo.Repository](container, clientRepo); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*matchrecordrepo.Repository](container, matchRepo); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*auditrepo.Repository](container, auditRepo); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*merge.Engine](container, engine); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*matchqueue.Resolver](container, resolver); err != nil {
		return err
	}
	return ectoinject.RegisterInstance[*reconcile.Runner](container, runner)
}

func newServer(cfg *config.Config, logger ectologger.Logger, checker *health.Checker) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.ReadHeaderTimeout = time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = cfg.MaxHeaderBytes

	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.HTTPErrorHandler = middleware.Error(logger)

	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	clients.Register(api.Group("/clients"))
	merges.Register(api.Group("/merges"))
	matches.Register(api.Group("/match-queue"))
	reconciliation.Register(api.Group("/reconcile"))

	return e
}
