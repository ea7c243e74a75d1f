package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/facewatch/internal/api"
	"github.com/your-org/facewatch/internal/api/ws"
	"github.com/your-org/facewatch/internal/config"
	"github.com/your-org/facewatch/internal/models"
	"github.com/your-org/facewatch/internal/observability"
	"github.com/your-org/facewatch/internal/queue"
	"github.com/your-org/facewatch/internal/storage"
	"github.com/your-org/facewatch/pkg/dto"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting facewatch API service", "port", cfg.Server.Port)

	// Connect to Postgres
	db, err := storage.NewPostgres(context.Background(), cfg.Database.DSN())
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureSchema(context.Background()); err != nil {
		slog.Error("ensure schema", "error", err)
		os.Exit(1)
	}

	// Connect to MinIO
	var minioStore *storage.MinIOStore
	if cfg.MinIO.Endpoint != "" {
		minioStore, err = storage.NewMinIOStore(context.Background(), cfg.MinIO)
		if err != nil {
			slog.Error("connect to minio", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("minio not configured, snapshots and previews disabled")
	}

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(context.Background()); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	// WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create nats consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Live frames fan out to WebSocket clients that opted in.
	frameSub, err := consumer.SubscribeFrames(0, func(subject string, data []byte) {
		tenantID, cameraID, ok := parseFrameSubject(subject)
		if !ok {
			return
		}
		hub.Broadcast(dto.WSEvent{
			Type:     dto.WSEventFrame,
			TenantID: tenantID,
			CameraID: cameraID,
			Payload:  data,
		})
	})
	if err != nil {
		slog.Error("subscribe frames", "error", err)
		os.Exit(1)
	}
	defer func() { _ = frameSub.Unsubscribe() }()

	// Detection events are durable; every connected client gets them.
	err = consumer.ConsumeDetections(ctx, "api-detections", func(ctx context.Context, msg jetstream.Msg) error {
		var set models.DetectionSet
		if err := json.Unmarshal(msg.Data(), &set); err != nil {
			slog.Error("unmarshal detection set", "error", err)
			return nil // Don't retry on unmarshal errors
		}
		hub.Broadcast(dto.WSEvent{
			Type:     dto.WSEventDetections,
			TenantID: set.TenantID,
			CameraID: set.CameraID,
			Payload:  msg.Data(),
		})
		return nil
	})
	if err != nil {
		slog.Warn("start detection consumer", "error", err)
	}

	// Setup router
	router := api.NewRouter(api.RouterConfig{
		APIKey:   cfg.Server.APIKey,
		DB:       db,
		MinIO:    minioStore,
		Producer: producer,
		Hub:      hub,
	})

	// Start HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("API server stopped")
}

// parseFrameSubject extracts tenant and camera ids from frames.<t>.<c>.
func parseFrameSubject(subject string) (tenantID, cameraID int64, ok bool) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[0] != queue.FramesSubjectBase {
		return 0, 0, false
	}
	tenantID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	cameraID, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return tenantID, cameraID, true
}
