package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/sufyansidqy/dms/internal/app"
	"github.com/sufyansidqy/dms/internal/archive"
	"github.com/sufyansidqy/dms/internal/auth"
	"github.com/sufyansidqy/dms/internal/authpw"
	"github.com/sufyansidqy/dms/internal/blob"
	"github.com/sufyansidqy/dms/internal/config"
	"github.com/sufyansidqy/dms/internal/logging"
	"github.com/sufyansidqy/dms/internal/search"
	"github.com/sufyansidqy/dms/internal/session"
	"github.com/sufyansidqy/dms/internal/store"
	"github.com/sufyansidqy/dms/internal/workflow"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "dms-api",
		Short:         "Document management and review service",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Create the bootstrap admin and sample data, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context())
		},
	})

	setupFlags(rootCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite or postgres)")
	flags.String("database-url", defaults.GetString("database.url"), "PostgreSQL connection URL")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("migrations-dir", defaults.GetString("database.migrations_dir"), "PostgreSQL migrations directory")
	flags.Bool("dev-login", defaults.GetBool("auth.dev_login"), "Allow password-less login for existing users")
	flags.String("archive-dir", defaults.GetString("archive.dir"), "Directory for per-document git archives (empty disables)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.url", "database-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.migrations_dir", "migrations-dir")
	bindFlag(cmd, "auth.dev_login", "dev-login")
	bindFlag(cmd, "archive.dir", "archive-dir")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}
	return nil
}

// runtime holds the opened dependencies shared by every subcommand.
type runtime struct {
	cfg     config.Config
	logger  *zap.Logger
	store   app.DataStore
	closers []io.Closer
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		_ = r.closers[i].Close()
	}
	_ = r.logger.Sync()
}

func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger}

	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, db)
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		logger.Info("database initialized", zap.String("driver", "postgres"), zap.Strings("migrations_applied", applied))
		rt.store = store.NewPostgresStore(db)
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
			rt.Close()
			return nil, fmt.Errorf("create database dir: %w", err)
		}
		db, err := store.OpenSQLite(cfg.DatabasePath, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, sqlDB)
		rt.store = store.NewGormStore(db)
	}
	return rt, nil
}

func runMigrate(ctx context.Context) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.logger.Info("migrations complete")
	return nil
}

func runSeed(ctx context.Context) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	service, err := newService(ctx, rt)
	if err != nil {
		return err
	}
	return seed(ctx, rt, service)
}

func seed(ctx context.Context, rt *runtime, service *app.Service) error {
	result, err := service.Seed(ctx, rt.cfg.SeedAdminPassword)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	rt.logger.Info("seed complete", zap.Bool("admin_created", result.AdminCreated), zap.Bool("project_created", result.ProjectCreated))
	return nil
}

func newService(ctx context.Context, rt *runtime) (*app.Service, error) {
	cfg := rt.cfg
	logger := rt.logger

	var blobs blob.Storage
	switch cfg.BlobDriver {
	case config.BlobMinio:
		minioStore, err := blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		blobs = minioStore
	default:
		localStore, err := blob.NewLocalStore(cfg.BlobDir)
		if err != nil {
			return nil, err
		}
		blobs = localStore
	}

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.JWTSecret),
		Issuer:        "dms-api",
		Audience:      "dms-web",
		TokenTTL:      cfg.AccessTTL,
	})
	if err != nil {
		return nil, err
	}

	releaseGuard, err := workflow.ParseReleaseGuard(cfg.ReleaseGuard)
	if err != nil {
		return nil, err
	}

	var meili *search.Meili
	if cfg.MeiliURL != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		rt.closers = append(rt.closers, closerFunc(meili.Close))
	}

	serviceConfig := app.ServiceConfig{
		Store:     rt.store,
		Blobs:     blobs,
		Tokens:    tokens,
		Passwords: authpw.NewService(rt.store, cfg.DevLogin),
		Search:    search.NewService(meili, search.NewStoreSearcher(rt.store), logger),
		Policy: workflow.Policy{
			ReleaseGuard:                 releaseGuard,
			RequireNewVersionAfterReject: cfg.RequireNewVersionAfterReject,
		},
		RefreshTTL:     cfg.RefreshTTL,
		UploadMaxBytes: cfg.UploadMaxBytes,
		Logger:         logger,
		Clock:          time.Now,
	}
	if cfg.RedisURL != "" {
		sessions, err := session.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, sessions)
		serviceConfig.Sessions = sessions
		logger.Info("refresh sessions enabled", zap.String("backend", "redis"))
	} else {
		logger.Warn("redis.url not set, refresh tokens are disabled")
	}
	if cfg.ArchiveDir != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
			return nil, fmt.Errorf("create archive dir: %w", err)
		}
		serviceConfig.Archive = archive.New(cfg.ArchiveDir)
	}
	return app.New(serviceConfig)
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

func runServer(ctx context.Context) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	service, err := newService(ctx, rt)
	if err != nil {
		return err
	}
	if rt.cfg.SeedEnabled {
		if err := seed(ctx, rt, service); err != nil {
			rt.logger.Warn("seed failed, continuing", zap.Error(err))
		}
	}

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:              rt.cfg.Addr,
		Handler:           app.NewHTTPServer(service, rt.cfg.CORSOrigin, rt.logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("server starting", zap.String("address", rt.cfg.Addr))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
