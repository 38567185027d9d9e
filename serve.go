package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/poultry-check/internal/auth"
	"github.com/example/poultry-check/internal/config"
	"github.com/example/poultry-check/internal/grpchealth"
	"github.com/example/poultry-check/internal/handlers"
	"github.com/example/poultry-check/internal/inference"
	"github.com/example/poultry-check/internal/metrics"
	"github.com/example/poultry-check/internal/preprocess"
	"github.com/example/poultry-check/internal/repository"
	"github.com/example/poultry-check/internal/usecase"
)

var serveBindings = flagBindings{
	"addr":         "server.addr",
	"grpc-addr":    "server.grpc_addr",
	"model":        "model.path",
	"require":      "model.require",
	"onnx-library": "model.onnx_library",
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve predictions over HTTP and readiness over gRPC",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, serveBindings)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return runServe(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().String("addr", "", "HTTP listen address")
	cmd.Flags().String("grpc-addr", "", "gRPC health listen address, empty to disable")
	cmd.Flags().String("model", "", "classifier artifact (.gob or .onnx)")
	cmd.Flags().Bool("require", false, "fail to start when the artifact cannot be loaded")
	cmd.Flags().String("onnx-library", "", "path to the ONNX Runtime shared library")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	engine := inference.NewEngine(logger,
		inference.WithONNXLibrary(cfg.Model.ONNXLibrary),
		inference.WithONNXNames(cfg.Model.InputName, cfg.Model.OutputName),
	)
	defer engine.Close() //nolint:errcheck
	if err := engine.Load(cfg.Model.Path); err != nil {
		if cfg.Model.Require {
			return fmt.Errorf("load model: %w", err)
		}
		logger.Warn("serving without a model", zap.String("path", cfg.Model.Path), zap.Error(err))
	}

	recorder := metrics.NewRecorder()
	recorder.SetModelLoaded(engine.Loaded())

	opts := []usecase.Option{usecase.WithRecorder(recorder)}
	if cfg.Database.DSN != "" {
		db, err := initDatabase(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		repo := repository.NewPredictionRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		opts = append(opts, usecase.WithRepository(repo))
	} else {
		logger.Info("database not configured, prediction history disabled")
	}
	if cfg.Redis.Addr != "" {
		client, err := initRedis(ctx, cfg.Redis, logger)
		if err != nil {
			return err
		}
		defer client.Close()
		opts = append(opts, usecase.WithCache(usecase.NewRedisCache(client), cfg.Redis.TTL))
	} else {
		logger.Info("redis not configured, result cache disabled")
	}

	uc := usecase.NewPredictionUseCase(preprocess.New(logger), engine, logger, opts...)

	if cfg.Log.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router, err := newRouter(cfg, uc, recorder, logger)
	if err != nil {
		return err
	}

	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen grpc %s: %w", cfg.Server.GRPCAddr, err)
		}
		healthSrv := grpchealth.New(engine.Loaded, 0, logger)
		go func() {
			if err := healthSrv.Serve(ctx, lis); err != nil {
				logger.Error("gRPC health server failed", zap.Error(err))
			}
		}()
	}

	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", cfg.Server.Addr, err)
	}
	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	logger.Info("poultry-check API listening",
		zap.String("addr", listener.Addr().String()),
		zap.Bool("model_loaded", engine.Loaded()),
	)
	if err := serveHTTPServerWithListener(server, cfg.Server.ShutdownTimeout, logger, listener); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// newRouter builds the HTTP router with its middleware chain. The token
// protected routes are only registered when a JWT secret is configured.
func newRouter(cfg *config.Config, svc handlers.PredictionService, recorder *metrics.Recorder, logger *zap.Logger) (*gin.Engine, error) {
	var authn *auth.Authenticator
	if cfg.Auth.JWTSecret != "" {
		a, err := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Audience)
		if err != nil {
			return nil, err
		}
		authn = a
	} else {
		logger.Warn("auth.jwt_secret not set, prediction history endpoints disabled")
	}

	corsMiddleware, err := handlers.CORS(cfg.Server.CORSAllowedOrigins)
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.MaxMultipartMemory = handlers.MaxUploadSize
	router.Use(
		gin.Recovery(),
		handlers.RequestLogger(logger),
		recorder.GinMiddleware(),
		corsMiddleware,
	)
	handlers.RegisterRoutes(router, svc, authn, recorder.Handler())
	return router, nil
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("database ping: %w", err)
	}
	zapLogger.Info("database connected")
	return db, nil
}

func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	zapLogger.Info("redis connected", zap.String("addr", cfg.Addr))
	return client, nil
}
