package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/artifacts"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/config"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/database"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/doclog"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/events"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/heartbeat"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/progress"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/retention"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/server"
)

const shutdownTimeout = 10 * time.Second

// application holds every wired component of the backend.
type application struct {
	config    config.AppConfig
	logger    *zap.Logger
	database  *gorm.DB
	metrics   *metrics.Provider
	realtime  *server.RealtimeDispatcher
	source    *artifacts.StoredSource
	versioner *artifacts.Versioner
	queue     *events.Queue
	notifier  *events.Notifier
	progress  *progress.Store
	documents *documents.Store
	docLog    *doclog.Service
	heartbeat *heartbeat.Service
	retention *retention.Runner
}

func loadConfig() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(logging.Config{
		Level:      appConfig.LogLevel,
		File:       appConfig.LogFile,
		MaxSizeMB:  appConfig.LogMaxSizeMB,
		MaxBackups: appConfig.LogMaxBackups,
		MaxAgeDays: appConfig.LogMaxAgeDays,
	})
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func newApplication(appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	app := &application{
		config:   appConfig,
		logger:   logger,
		database: db,
		metrics:  metrics.NewProvider(),
		realtime: server.NewRealtimeDispatcher(),
	}
	var recorder metrics.Recorder = metrics.Noop{}
	if appConfig.MetricsEnabled {
		recorder = app.metrics
	}
	idProvider := ids.NewUUIDProvider()

	app.queue, err = events.NewQueue(events.QueueConfig{
		Database:           db,
		Clock:              time.Now,
		IDProvider:         idProvider,
		Logger:             logger,
		Metrics:            recorder,
		DeliveredRetention: appConfig.DeliveredRetention,
		PendingRetention:   appConfig.PendingRetention,
		SweepBatchSize:     appConfig.SweepBatchSize,
	})
	if err != nil {
		return nil, err
	}
	app.source, err = artifacts.NewStoredSource(artifacts.StoredSourceConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return nil, err
	}
	app.versioner, err = artifacts.NewVersioner(artifacts.VersionerConfig{
		Source:          app.source,
		Logger:          logger,
		CacheSizeMB:     appConfig.CacheSizeMB,
		CacheTTLSeconds: appConfig.CacheTTLSeconds,
	})
	if err != nil {
		return nil, err
	}
	app.notifier = events.NewNotifier(events.NotifierConfig{
		Queue:       app.queue,
		Logger:      logger,
		Metrics:     recorder,
		Invalidator: app.versioner,
		Publisher:   app.realtime,
	})
	app.progress, err = progress.NewStore(progress.StoreConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return nil, err
	}
	app.documents, err = documents.NewStore(documents.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Queue:      app.queue,
		Logger:     logger,
		Metrics:    recorder,
	})
	if err != nil {
		return nil, err
	}
	app.docLog, err = doclog.NewService(doclog.ServiceConfig{Database: db, Clock: time.Now, Logger: logger, Metrics: recorder})
	if err != nil {
		return nil, err
	}
	app.heartbeat, err = heartbeat.NewService(heartbeat.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		Logger:     logger,
		Metrics:    recorder,
		Versions:   app.versioner,
		Progress:   app.progress,
		Documents:  app.documents,
		Queue:      app.queue,
		Publisher:  app.realtime,
		DrainLimit: appConfig.DrainLimit,
	})
	if err != nil {
		return nil, err
	}
	app.retention, err = retention.NewRunner(retention.RunnerConfig{
		Queue:             app.queue,
		Receipts:          app.documents,
		DocLog:            app.docLog,
		Clock:             clockwork.NewRealClock(),
		Logger:            logger,
		SweepInterval:     appConfig.SweepInterval,
		CompactInterval:   appConfig.CompactInterval,
		CompactThreshold:  appConfig.CompactThreshold,
		PruneAfterCompact: appConfig.PruneAfterCompact,
		ReceiptRetention:  appConfig.ReceiptRetention,
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

func (app *application) sessionConfig() auth.SessionConfig {
	return auth.SessionConfig{
		SigningSecret: []byte(app.config.SigningSecret),
		Issuer:        app.config.Issuer,
		CookieName:    app.config.CookieName,
		TTL:           app.config.SessionTTL,
		Clock:         time.Now,
	}
}

func (app *application) close() {
	if sqlDB, err := app.database.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func (app *application) httpHandler() (http.Handler, error) {
	validator, err := auth.NewSessionValidator(app.sessionConfig())
	if err != nil {
		return nil, err
	}
	deps := server.Dependencies{
		Sessions:       validator,
		Heartbeat:      app.heartbeat,
		Documents:      app.documents,
		DocLog:         app.docLog,
		Realtime:       app.realtime,
		Notifier:       app.notifier,
		Artifacts:      app.source,
		ArtifactCache:  app.versioner,
		InternalToken:  app.config.InternalToken,
		AllowedOrigins: app.config.AllowedOrigins,
		KeepAlive:      app.config.KeepAlive,
		Clock:          time.Now,
		Logger:         app.logger,
	}
	if app.config.MetricsEnabled {
		deps.Metrics = app.metrics
		deps.MetricsHandler = app.metrics.Handler()
	}
	return server.NewHTTPHandler(deps)
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := newApplication(appConfig, logger)
	if err != nil {
		return err
	}
	defer app.close()

	handler, err := app.httpHandler()
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

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return app.retention.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func runSweep(ctx context.Context, out io.Writer) error {
	appConfig, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := newApplication(appConfig, logger)
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.retention.Sweep(ctx); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, "sweep complete")
	return err
}

func runCompact(ctx context.Context, out io.Writer) error {
	appConfig, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := newApplication(appConfig, logger)
	if err != nil {
		return err
	}
	defer app.close()

	compacted, err := app.retention.Compact(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "compacted %d documents\n", compacted)
	return err
}

func runIssueToken(out io.Writer, rawUserID, rawDeviceID string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	userID, err := ids.NewUserID(rawUserID)
	if err != nil {
		return err
	}
	deviceID, err := ids.NewDeviceID(rawDeviceID)
	if err != nil {
		return err
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		CookieName:    appConfig.CookieName,
		TTL:           appConfig.SessionTTL,
	})
	if err != nil {
		return err
	}
	token, expiresAt, err := issuer.Issue(userID, deviceID)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\nexpires_at=%s\n", token, expiresAt.UTC().Format(time.RFC3339))
	return err
}
