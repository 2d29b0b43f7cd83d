package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sharechat/media-upload/internal/assembler"
	"github.com/sharechat/media-upload/internal/chunkstore"
	"github.com/sharechat/media-upload/internal/config"
	"github.com/sharechat/media-upload/internal/handlers"
	"github.com/sharechat/media-upload/internal/middleware"
	"github.com/sharechat/media-upload/internal/session"
	"github.com/sharechat/media-upload/internal/storage"
	"github.com/sharechat/media-upload/internal/tracing"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.Info("starting ShareChat media upload service")

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	logrus.WithFields(logrus.Fields{
		"service": cfg.ServiceName,
		"port":    cfg.ServicePort,
	}).Info("configuration loaded")

	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize tracer")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logrus.WithError(err).Warn("error shutting down tracer")
		}
	}()

	logrus.Info("connecting to MinIO")
	minioClient, err := storage.NewMinioClient(
		cfg.MinIOEndpoint,
		cfg.MinIOAccessKey,
		cfg.MinIOSecretKey,
		cfg.MinIOBucketName,
		cfg.PublicBaseURL,
		cfg.MinIOUseSSL,
	)
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize MinIO client")
	}

	logrus.Info("connecting to MySQL")
	sqlStore, err := storage.NewSQLStore(cfg.GetDSN())
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize SQL store")
	}
	defer sqlStore.Close()
	if err := sqlStore.EnsureSchema(context.Background()); err != nil {
		logrus.WithError(err).Fatal("failed to ensure uploads schema")
	}

	logrus.Info("connecting to Redis")
	redisClient, err := storage.NewRedisClient(cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize Redis client")
	}
	defer redisClient.Close()

	chunks, err := chunkstore.New(filepath.Join(cfg.UploadTempDir, "chunks"))
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize chunk store")
	}
	registry := session.NewRegistry(chunks)
	asm, err := assembler.New(chunks, registry, filepath.Join(cfg.UploadTempDir, "assembled"))
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize assembler")
	}

	handler := handlers.NewUploadHandler(registry, chunks, asm, minioClient, sqlStore, redisClient, handlers.Options{
		PublishRetries: cfg.PublishRetries,
		PresignExpiry:  cfg.GetPresignExpiry(),
		MaxDirectBytes: cfg.GetMaxDirectUploadBytes(),
	})

	auth := middleware.NewBearerAuth(cfg.JWTSecret)
	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	handle := func(path, method, name string, fn http.HandlerFunc) {
		wrapped := otelhttp.NewHandler(middleware.Metrics(name, auth.Wrap(fn)), name)
		router.Handle(path, wrapped).Methods(method)
	}
	handle("/upload", "POST", "direct_upload", handler.DirectUpload)
	handle("/upload-session", "POST", "open_session", handler.OpenSession)
	handle("/upload-chunk", "POST", "upload_chunk", handler.UploadChunk)
	handle("/upload-session/complete", "POST", "complete_session", handler.CompleteSession)
	handle("/upload-info/{sessionId}", "GET", "lookup_upload_info", handler.LookupUploadInfo)
	handle("/create-resumable-upload", "POST", "create_resumable_upload", handler.CreateResumableTarget)
	handle("/finalize-upload/{sessionId}", "POST", "finalize_upload", handler.FinalizeResumable)
	handle("/cancel-upload/{sessionId}", "DELETE", "cancel_upload", handler.CancelResumable)

	srv := &http.Server{
		Addr:         ":" + cfg.ServicePort,
		Handler:      router,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	sweeper := session.NewSweeper(registry, cfg.GetSweepInterval(), cfg.GetSessionTTL(), cfg.GetCompletedTTL())
	go sweeper.Run(sweepCtx)

	go func() {
		logrus.WithField("port", cfg.ServicePort).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("shutting down server")
	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("server forced to shutdown")
	}

	logrus.Info("server exited")
}
