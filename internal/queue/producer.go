package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/facewatch/internal/models"
	"github.com/your-org/facewatch/pkg/dto"
)

const (
	FramesSubjectBase = "frames"

	EventsStreamName  = "EVENTS"
	EventsSubjectBase = "events"

	ControlSubject       = "camera.control"
	EnrollCaptureSubject = "enroll.capture"
	EnrollConfirmSubject = "enroll.confirm"
)

// FrameSubject addresses one camera's live frame feed. Frames go over core
// NATS, not JetStream: a viewer that missed a frame wants the next one, not
// a replay.
func FrameSubject(tenantID, cameraID int64) string {
	return fmt.Sprintf("%s.%d.%d", FramesSubjectBase, tenantID, cameraID)
}

// DetectionSubject addresses one camera's detection events.
func DetectionSubject(tenantID, cameraID int64) string {
	return fmt.Sprintf("%s.detections.%d.%d", EventsSubjectBase, tenantID, cameraID)
}

type Producer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewProducer(natsURL string) (*Producer, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return &Producer{nc: nc, js: js}, nil
}

// EnsureStreams creates the EVENTS stream if it doesn't exist.
// Retries up to 30 times (1s apart) to handle NATS startup delay.
func (p *Producer) EnsureStreams(ctx context.Context) error {
	cfg := jetstream.StreamConfig{
		Name:        EventsStreamName,
		Subjects:    []string{EventsSubjectBase + ".>"},
		Retention:   jetstream.InterestPolicy,
		MaxAge:      24 * time.Hour,
		MaxMsgs:     1000000,
		Storage:     jetstream.FileStorage,
		Description: "Detection and identification events",
	}

	const maxAttempts = 30
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := p.js.CreateOrUpdateStream(opCtx, cfg)
		cancel()
		if err == nil {
			slog.Info("ensured NATS stream", "name", cfg.Name)
			return nil
		}
		if attempt == maxAttempts {
			return fmt.Errorf("create stream %s: %w (after %d attempts)", cfg.Name, err, maxAttempts)
		}
		slog.Warn("ensure NATS stream (retrying...)", "name", cfg.Name, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}
	return nil
}

// PublishFrame publishes a composited frame to the camera's live subject.
func (p *Producer) PublishFrame(_ context.Context, msg models.FrameMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := p.nc.Publish(FrameSubject(msg.TenantID, msg.CameraID), payload); err != nil {
		return fmt.Errorf("publish frame: %w", err)
	}
	return nil
}

// PublishDetections publishes a detection set to the durable EVENTS stream.
func (p *Producer) PublishDetections(ctx context.Context, set models.DetectionSet) error {
	payload, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("marshal detections: %w", err)
	}
	if _, err := p.js.Publish(ctx, DetectionSubject(set.TenantID, set.CameraID), payload); err != nil {
		return fmt.Errorf("publish detections: %w", err)
	}
	return nil
}

// PublishControl sends a start/stop/pause/resume command to the agent.
func (p *Producer) PublishControl(cmd dto.ControlCommand) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal control command: %w", err)
	}
	if err := p.nc.Publish(ControlSubject, payload); err != nil {
		return fmt.Errorf("publish control command: %w", err)
	}
	return nil
}

// RequestEnrollCapture asks the agent to run a stabilized capture. The
// reply carries either the capture result or an error string.
func (p *Producer) RequestEnrollCapture(ctx context.Context, req dto.EnrollCaptureRequest) (dto.EnrollCaptureResponse, error) {
	var resp dto.EnrollCaptureResponse
	if err := p.request(ctx, EnrollCaptureSubject, req, &resp); err != nil {
		return dto.EnrollCaptureResponse{}, err
	}
	return resp, nil
}

// RequestEnrollConfirm asks the agent to commit a pending capture.
func (p *Producer) RequestEnrollConfirm(ctx context.Context, req dto.EnrollConfirmRequest) (dto.EnrollConfirmResponse, error) {
	var resp dto.EnrollConfirmResponse
	if err := p.request(ctx, EnrollConfirmSubject, req, &resp); err != nil {
		return dto.EnrollConfirmResponse{}, err
	}
	return resp, nil
}

func (p *Producer) request(ctx context.Context, subject string, req, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	msg, err := p.nc.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}

	var probe dto.ControlResult
	if err := json.Unmarshal(msg.Data, &probe); err == nil && probe.Error != "" {
		return fmt.Errorf("%s: %s", subject, probe.Error)
	}
	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("decode %s reply: %w", subject, err)
	}
	return nil
}

func (p *Producer) Ping() error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

func (p *Producer) Close() {
	p.nc.Close()
}
