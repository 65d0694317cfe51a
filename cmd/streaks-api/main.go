package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/streaks/internal/auth"
	"github.com/MarcoPoloResearchLab/streaks/internal/config"
	"github.com/MarcoPoloResearchLab/streaks/internal/database"
	"github.com/MarcoPoloResearchLab/streaks/internal/lock"
	"github.com/MarcoPoloResearchLab/streaks/internal/logging"
	"github.com/MarcoPoloResearchLab/streaks/internal/metrics"
	"github.com/MarcoPoloResearchLab/streaks/internal/server"
	"github.com/MarcoPoloResearchLab/streaks/internal/tracking"
	"github.com/MarcoPoloResearchLab/streaks/internal/users"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const redisLockPrefix = "streaks:lock:"

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "streaks-api",
		Short: "Commit streak tracking service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "PostgreSQL DSN")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")
	cmd.PersistentFlags().String("auth-issuer", defaults.GetString("auth.issuer"), "Expected bearer token issuer")
	cmd.PersistentFlags().String("lock-backend", defaults.GetString("lock.backend"), "Per-user lock backend (local, redis)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the redis lock backend")
	cmd.PersistentFlags().Int("lock-ttl-seconds", defaults.GetInt("lock.ttl_seconds"), "Redis lock expiry in seconds")
	cmd.PersistentFlags().Int("retry-max-attempts", defaults.GetInt("retry.max_attempts"), "Attempts per operation on write conflicts")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "auth-issuer")
	bindFlag(cmd, "lock.backend", "lock-backend")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "lock.ttl_seconds", "lock-ttl-seconds")
	bindFlag(cmd, "retry.max_attempts", "retry-max-attempts")
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

func newTokenCommand() *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a poller, an operator, or a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningKey),
				Issuer:        appConfig.AuthIssuer,
			})
			if err != nil {
				return err
			}
			signed, expiresAt, err := issuer.Issue(subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (a user id, or a service name)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Granted role (poller, admin); repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func newLocker(appConfig config.AppConfig, logger *zap.Logger) (lock.Locker, func(), error) {
	if appConfig.LockBackend != "redis" {
		return lock.NewLocalLocker(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     appConfig.RedisAddress,
		Password: appConfig.RedisPassword,
		DB:       appConfig.RedisDB,
	})
	locker, err := lock.NewRedisLocker(lock.RedisLockerConfig{
		Client: client,
		Prefix: redisLockPrefix,
		TTL:    appConfig.LockTTL,
		Logger: logger,
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return locker, func() { _ = client.Close() }, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	locker, closeLocker, err := newLocker(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	store, err := tracking.NewGormStore(db)
	if err != nil {
		return err
	}
	trackingService, err := tracking.NewService(tracking.ServiceConfig{
		Store:       store,
		Locker:      locker,
		Clock:       time.Now,
		Logger:      logger,
		MaxAttempts: appConfig.RetryMaxAttempts,
		LockTimeout: appConfig.LockTTL,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: users.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        appConfig.AuthIssuer,
	})
	if err != nil {
		return err
	}

	metrics.MustRegister(nil)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: validator,
		TrackingService:  trackingService,
		UserService:      userService,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("lock_backend", appConfig.LockBackend))
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
