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
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/facewatch/internal/camera"
	"github.com/your-org/facewatch/internal/capture"
	"github.com/your-org/facewatch/internal/config"
	"github.com/your-org/facewatch/internal/enroll"
	"github.com/your-org/facewatch/internal/gallery"
	"github.com/your-org/facewatch/internal/models"
	"github.com/your-org/facewatch/internal/observability"
	"github.com/your-org/facewatch/internal/queue"
	"github.com/your-org/facewatch/internal/session"
	"github.com/your-org/facewatch/internal/storage"
	"github.com/your-org/facewatch/internal/vision"
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

	slog.Info("starting facewatch agent",
		"tenant_id", cfg.TenantID,
		"cpu_cores", runtime.NumCPU(),
	)

	// Initialize ONNX Runtime
	if err := vision.InitRuntime(getONNXLibPath()); err != nil {
		slog.Error("init onnx runtime", "error", err)
		os.Exit(1)
	}
	defer vision.DestroyRuntime()

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
		slog.Error("connect to nats producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(context.Background()); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create nats consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	// Vision engine
	engine, err := vision.NewEngine(cfg.Vision)
	if err != nil {
		slog.Error("init vision engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	// Gallery
	gal := gallery.New(cfg.TenantID, db)
	if err := gal.Reload(context.Background()); err != nil {
		slog.Error("load gallery", "error", err)
		os.Exit(1)
	}
	slog.Info("gallery loaded", "identities", gal.Snapshot().Len())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Sighting tracker
	tracker := session.NewTracker(db, session.Config{
		GapWindow: cfg.Sessions.GapWindow,
		Lookback:  cfg.Sessions.Lookback,
	})
	go tracker.RunReaper(ctx, cfg.Sessions.ReapInterval)

	// Camera session manager
	opener := &capture.FFmpegOpener{
		Width:       cfg.Capture.FrameWidth,
		Height:      cfg.Capture.FrameHeight,
		FPS:         cfg.Capture.FPS,
		OpenTimeout: cfg.Capture.OpenTimeout,
		ReadTimeout: cfg.Capture.ReadTimeout,
	}

	var snapshots capture.SnapshotStore
	var previews enroll.PreviewStore
	if minioStore != nil {
		snapshots = minioStore
		previews = minioStore
	}

	manager := camera.NewManager(camera.Deps{
		Registry:   db,
		Opener:     opener,
		Analyzer:   engine,
		Gallery:    gal,
		Tracker:    tracker,
		Identity:   db,
		Frames:     producer,
		Detections: producer,
		Snapshots:  snapshots,
	}, cfg.Capture, cfg.Cameras)
	go manager.RunReaper(ctx)

	// Enrollment
	enroller := enroll.NewEnroller(cfg.Enrolling, manager, engine, gal, db, previews)
	go enroller.Cache().RunEvictor(ctx, time.Minute)

	// Control commands from the API
	controlSub, err := consumer.SubscribeControl(func(data []byte) {
		var cmd dto.ControlCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			slog.Error("unmarshal control command", "error", err)
			return
		}
		go dispatchControl(ctx, manager, gal, cmd)
	})
	if err != nil {
		slog.Error("subscribe control", "error", err)
		os.Exit(1)
	}
	defer func() { _ = controlSub.Unsubscribe() }()

	// Enrollment request-reply
	captureSub, err := consumer.ServeRequests(queue.EnrollCaptureSubject, func(data []byte) (any, error) {
		var req dto.EnrollCaptureRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		reqCtx, reqCancel := context.WithTimeout(ctx, 40*time.Second)
		defer reqCancel()

		res, err := enroller.Capture(reqCtx, req.CameraID)
		if err != nil {
			return nil, err
		}
		return dto.EnrollCaptureResponse{
			Token:      res.Token,
			PreviewKey: res.PreviewKey,
			Samples:    res.Samples,
			ExpiresAt:  res.ExpiresAt,
		}, nil
	})
	if err != nil {
		slog.Error("serve enroll capture", "error", err)
		os.Exit(1)
	}
	defer func() { _ = captureSub.Unsubscribe() }()

	confirmSub, err := consumer.ServeRequests(queue.EnrollConfirmSubject, func(data []byte) (any, error) {
		var req dto.EnrollConfirmRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		reqCtx, reqCancel := context.WithTimeout(ctx, 5*time.Second)
		defer reqCancel()

		face, err := enroller.Confirm(reqCtx, req.Token, req.Name)
		if err != nil {
			return nil, err
		}
		return dto.EnrollConfirmResponse{FaceID: face.ID, Name: face.Name}, nil
	})
	if err != nil {
		slog.Error("serve enroll confirm", "error", err)
		os.Exit(1)
	}
	defer func() { _ = confirmSub.Unsubscribe() }()

	// Restart cameras that were running before the agent went down.
	resumeCameras(ctx, db, manager, cfg.TenantID)

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		slog.Info("agent metrics listening", "addr", ":8082")
		if err := http.ListenAndServe(":8082", mux); err != nil {
			slog.Error("metrics server error", "error", err)
		}
	}()

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down agent...")
	cancel()
	manager.StopAll()
	slog.Info("agent stopped")
}

func dispatchControl(ctx context.Context, manager *camera.Manager, gal *gallery.Gallery, cmd dto.ControlCommand) {
	var err error
	switch cmd.Action {
	case dto.ControlReloadGallery:
		err = gal.Reload(ctx)
	case dto.ControlStart:
		err = manager.Start(ctx, cmd.CameraID)
		if err == camera.ErrAlreadyRunning {
			err = nil
		}
	case dto.ControlStop:
		err = manager.Stop(cmd.CameraID)
		if err == camera.ErrNotRunning {
			err = nil
		}
	case dto.ControlPause:
		err = manager.Pause(cmd.CameraID)
	case dto.ControlResume:
		err = manager.Resume(cmd.CameraID)
	default:
		slog.Warn("unknown control action", "action", cmd.Action)
		return
	}
	if err != nil {
		slog.Error("control command failed", "action", cmd.Action, "camera_id", cmd.CameraID, "error", err)
	}
}

// resumeCameras restarts sessions for cameras the registry still marks as
// running or starting, so an agent restart does not silently drop feeds.
func resumeCameras(ctx context.Context, db *storage.Postgres, manager *camera.Manager, tenantID int64) {
	cameras, err := db.ListCameras(ctx, tenantID)
	if err != nil {
		slog.Warn("list cameras for resume", "error", err)
		return
	}
	for _, cam := range cameras {
		if cam.Status != models.CameraStatusRunning && cam.Status != models.CameraStatusStarting {
			continue
		}
		slog.Info("resuming camera", "camera_id", cam.ID, "name", cam.Name)
		if err := manager.Start(ctx, cam.ID); err != nil {
			slog.Error("resume camera", "camera_id", cam.ID, "error", err)
		}
	}
}

// getONNXLibPath returns the ONNX Runtime shared library path
// based on the operating system.
func getONNXLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "linux":
		return "libonnxruntime.so"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "onnxruntime.dll"
	}
}
