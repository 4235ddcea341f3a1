package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callengine/internal/blobstore"
	"callengine/internal/config"
	"callengine/internal/httpapi"
	"callengine/internal/launch"
	"callengine/internal/provider"
	"callengine/internal/reconcile"
	"callengine/internal/recording"
	"callengine/internal/schedule"
	"callengine/internal/store"
	"callengine/internal/trunk"
	"callengine/internal/vault"
	"callengine/pkg/logger"
	"callengine/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	secrets, err := vault.New(cfg.VaultKey())
	if err != nil {
		log.Error("vault init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	blobs, err := blobstore.NewS3Store(rootCtx, blobstore.S3Config{
		Bucket:    cfg.Blob.Bucket,
		Region:    cfg.Blob.Region,
		Endpoint:  cfg.Blob.Endpoint,
		AccessKey: cfg.Blob.AccessKey,
		SecretKey: cfg.Blob.SecretKey,
	})
	if err != nil {
		log.Error("blob store init failed", "err", err)
		os.Exit(1)
	}

	api := provider.NewClient(provider.Options{
		APIBaseURL:      cfg.Provider.APIBaseURL,
		TrunkingBaseURL: cfg.Provider.TrunkingBaseURL,
		MediaStreamURL:  cfg.Provider.MediaStreamURL,
		Timeout:         cfg.Provider.HTTPTimeout,
	})

	callLogs := store.NewSQLCallLogs(db)
	accounts := store.NewSQLTelephonyAccounts(db)
	batches := store.NewSQLBatches(db)
	recordings := store.NewSQLRecordings(db)

	locker := trunk.NewRedisLocker(rdb, "callengine:lock:")
	provisioner := trunk.New(accounts, api, locker, log, cfg.Reconciler.ProvisionLockTTL)
	launcher := launch.New(batches, accounts, callLogs, secrets, provisioner, api, log)
	ingestor := recording.New(recordings, blobs, api, log)

	reconciler := reconcile.New(callLogs, accounts, secrets, api, ingestor, log, reconcile.Config{
		PollInterval:  cfg.Reconciler.PollInterval,
		RetryInterval: cfg.Reconciler.RetryInterval,
		MaxRetries:    cfg.Reconciler.MaxRetries,
		Workers:       cfg.Reconciler.Workers,
		QueueSize:     cfg.Reconciler.QueueSize,
		ClaimTTL:      cfg.Reconciler.ClaimTTL,
	})
	reconcilerDone := make(chan struct{})
	go func() {
		defer close(reconcilerDone)
		reconciler.Run(rootCtx)
	}()

	scheduler := schedule.New(batches, launcher, log, cfg.Schedule.ScanInterval)
	if err := scheduler.Start(rootCtx); err != nil {
		log.Error("scheduler init failed", "err", err)
		os.Exit(1)
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, httpapi.Handlers{Launcher: launcher})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("engine listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	scheduler.Stop()

	select {
	case <-reconcilerDone:
	case <-shutdownCtx.Done():
		log.Warn("reconciler drain timed out")
	}
}
