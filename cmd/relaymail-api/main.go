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

	"github.com/relaymail/backend/internal/auth"
	"github.com/relaymail/backend/internal/config"
	"github.com/relaymail/backend/internal/database"
	"github.com/relaymail/backend/internal/feed"
	"github.com/relaymail/backend/internal/logging"
	"github.com/relaymail/backend/internal/mail"
	"github.com/relaymail/backend/internal/revision"
	"github.com/relaymail/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relaymail-api",
		Short: "Relaymail delta-sync backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	createNamespaceCmd := &cobra.Command{
		Use:   "create-namespace <name>",
		Short: "Provision a namespace and print its public id and bearer token",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreateNamespace(cmd.Context(), args[0])
		},
	}
	rootCmd.AddCommand(createNamespaceCmd)

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("max-page-size", defaults.GetInt("feed.max_page_size"), "Maximum delta page size")
	cmd.PersistentFlags().Int("token-ttl-days", defaults.GetInt("auth.token_ttl_days"), "Namespace token TTL in days")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "feed.max_page_size", "max-page-size")
	bindFlag(cmd, "auth.token_ttl_days", "token-ttl-days")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "relaymail-auth",
		Audience:      "relaymail-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	mailService, err := mail.NewService(mail.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: revision.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	feedService, err := feed.NewService(feed.ServiceConfig{
		Database:    db,
		Logger:      logger,
		MaxPageSize: appConfig.MaxPageSize,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: tokenIssuer,
		MailService:    mailService,
		FeedService:    feedService,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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

func runCreateNamespace(ctx context.Context, name string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	mailService, err := mail.NewService(mail.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: revision.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	namespace, err := mailService.CreateNamespace(ctx, name)
	if err != nil {
		return err
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "relaymail-auth",
		Audience:      "relaymail-api",
		TokenTTL:      appConfig.TokenTTL,
	})
	token, expiresIn, err := tokenIssuer.IssueNamespaceToken(namespace.PublicID)
	if err != nil {
		return err
	}

	fmt.Printf("namespace_id:\t%s\n", namespace.PublicID)
	fmt.Printf("token:\t%s\n", token)
	fmt.Printf("expires_in:\t%ds\n", expiresIn)
	return nil
}
