package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/neocraft/trilium/internal/auth"
	"github.com/neocraft/trilium/internal/config"
	"github.com/neocraft/trilium/internal/database"
	"github.com/neocraft/trilium/internal/ingest"
	"github.com/neocraft/trilium/internal/logging"
	"github.com/neocraft/trilium/internal/replicas"
	"github.com/neocraft/trilium/internal/server"
	"github.com/neocraft/trilium/internal/syncupdate"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
	envDir  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "trilium-sync",
		Short:        "Trilium replica sync-update service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newApplyCommand(), newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envDir, "env-dir", ".", "Directory holding an optional .env file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Storage driver (sqlite, mysql)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Storage DSN or SQLite path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Replica token TTL in minutes")
	cmd.PersistentFlags().String("signing-secret", "", "Replica token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envDir); err != nil {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return err
		}
	}

	return nil
}

// services bundles what every subcommand needs.
type services struct {
	config config.AppConfig
	logger *zap.Logger
	db     *gorm.DB
}

func openServices() (*services, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Config{Driver: appConfig.DatabaseDriver, DSN: appConfig.DatabaseDSN}, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	return &services{config: appConfig, logger: logger, db: db}, nil
}

func (r *services) Close() {
	if sqlDB, err := r.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = r.logger.Sync()
}

func (r *services) newDriver(notifier ingest.Notifier) (*ingest.Driver, *syncupdate.Engine, *replicas.Service, error) {
	engine, err := syncupdate.NewEngine(syncupdate.EngineConfig{
		Database:            r.db,
		Clock:               time.Now,
		IDProvider:          syncupdate.NewUUIDProvider(),
		Logger:              r.logger,
		SyncedOptions:       syncupdate.NewOptionWhitelist(r.config.SyncedOptions...),
		AuditCoalesceWindow: r.config.AuditCoalesce,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	replicaService, err := replicas.NewService(replicas.ServiceConfig{Database: r.db})
	if err != nil {
		return nil, nil, nil, err
	}

	driver, err := ingest.NewDriver(ingest.DriverConfig{
		Reconciler: engine,
		Replicas:   replicaService,
		Notifier:   notifier,
		Retry: ingest.RetryConfig{
			MaxAttempts: r.config.RetryMaxAttempts,
			BaseDelay:   r.config.RetryBaseDelay,
		},
		Logger: r.logger,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return driver, engine, replicaService, nil
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	if err := appConfig.RequireSigningSecret(); err != nil {
		return nil, err
	}
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the authenticated sync ingestion API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	rt, err := openServices()
	if err != nil {
		return err
	}
	defer rt.Close()

	tokenManager, err := newTokenIssuer(rt.config)
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()
	driver, engine, replicaService, err := rt.newDriver(dispatcher)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:      tokenManager,
		Driver:            driver,
		Events:            engine,
		Replicas:          replicaService,
		Realtime:          dispatcher,
		AllowedOrigins:    rt.config.AllowedOrigins,
		HeartbeatInterval: rt.config.HeartbeatInterval,
		Logger:            rt.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              rt.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("server starting", zap.String("address", rt.config.HTTPAddress))
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

func newApplyCommand() *cobra.Command {
	var sourceID string
	var batchFile string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Reconcile a JSON batch file against the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(batchFile)
			if err != nil {
				return err
			}
			defer file.Close()

			batch, err := ingest.DecodeBatch(file)
			if err != nil {
				return err
			}

			rt, err := openServices()
			if err != nil {
				return err
			}
			defer rt.Close()

			driver, _, _, err := rt.newDriver(nil)
			if err != nil {
				return err
			}

			results, err := driver.Apply(cmd.Context(), sourceID, batch)
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(results); err != nil {
				return err
			}

			failed := 0
			for _, result := range results {
				if result.Failed() {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d records failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sourceID, "source", "", "Source replica id the batch came from")
	cmd.Flags().StringVar(&batchFile, "file", "", "Path to the JSON batch")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newIssueTokenCommand() *cobra.Command {
	var replicaID string

	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue a bearer token for a replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueReplicaToken(replicaID)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"access_token": token,
				"expires_in":   expiresIn,
				"token_type":   "Bearer",
			})
		},
	}

	cmd.Flags().StringVar(&replicaID, "replica", "", "Replica id to embed as the token subject")
	_ = cmd.MarkFlagRequired("replica")
	return cmd
}
