package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/your-org/facewatch/internal/config"
	"github.com/your-org/facewatch/internal/models"
)

type fakeSource struct {
	mu        sync.Mutex
	failures  int // reads that fail before frames flow
	frame     []byte
	reads     int
	closed    bool
	alwaysErr bool
}

func (s *fakeSource) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.alwaysErr || s.failures > 0 {
		if s.failures > 0 {
			s.failures--
		}
		return nil, ErrReadTimeout
	}
	cp := make([]byte, len(s.frame))
	copy(cp, s.frame)
	return cp, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeOpener struct {
	mu      sync.Mutex
	sources []*fakeSource
	opens   int
}

func (o *fakeOpener) Open(_ context.Context, _ string) (Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if len(o.sources) == 0 {
		return nil, ErrSourceUnavailable
	}
	src := o.sources[0]
	o.sources = o.sources[1:]
	return src, nil
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

type collectPublisher struct {
	mu   sync.Mutex
	msgs []models.FrameMessage
}

func (p *collectPublisher) PublishFrame(_ context.Context, msg models.FrameMessage) error {
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
	return nil
}

func (p *collectPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func testCaptureConfig() config.CaptureConfig {
	return config.CaptureConfig{
		FrameInterval:   time.Millisecond,
		MaxReadFailures: 3,
		JPEGQuality:     80,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestLoopPublishesFrames(t *testing.T) {
	src := &fakeSource{frame: []byte{0xFF, 0xD8, 0xFF, 0xD9}}
	opener := &fakeOpener{sources: []*fakeSource{src}}
	frames := &FrameSlot{}
	pub := &collectPublisher{}

	loop := NewLoop(1, 1, "0", opener, testCaptureConfig(), frames, &DetectionSlot{}, pub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	waitFor(t, func() bool { return pub.count() >= 3 }, "no frames published")

	if _, _, ok := frames.Latest(); !ok {
		t.Error("frame slot never filled")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned error on cancel: %v", err)
	}
	if !src.isClosed() {
		t.Error("source not closed on shutdown")
	}
}

func TestLoopReconnectsAfterConsecutiveFailures(t *testing.T) {
	// First source never yields a frame; after MaxReadFailures the loop
	// must close it and open the second.
	bad := &fakeSource{alwaysErr: true}
	good := &fakeSource{frame: []byte{0xFF, 0xD8, 0xFF, 0xD9}}
	opener := &fakeOpener{sources: []*fakeSource{bad, good}}
	pub := &collectPublisher{}

	loop := NewLoop(1, 1, "0", opener, testCaptureConfig(), &FrameSlot{}, &DetectionSlot{}, pub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	waitFor(t, func() bool { return pub.count() > 0 }, "loop never recovered onto the second source")

	if got := opener.openCount(); got != 2 {
		t.Errorf("expected exactly 2 opens, got %d", got)
	}
	if !bad.isClosed() {
		t.Error("failed source not closed before reconnect")
	}

	cancel()
	<-done
	if !good.isClosed() {
		t.Error("replacement source not closed on shutdown")
	}
}

func TestLoopTransientFailureDoesNotReconnect(t *testing.T) {
	// Two failures then success: under the threshold, same source keeps
	// serving and no reconnect happens.
	src := &fakeSource{failures: 2, frame: []byte{0xFF, 0xD8, 0xFF, 0xD9}}
	opener := &fakeOpener{sources: []*fakeSource{src}}
	pub := &collectPublisher{}

	loop := NewLoop(1, 1, "0", opener, testCaptureConfig(), &FrameSlot{}, &DetectionSlot{}, pub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	waitFor(t, func() bool { return pub.count() > 0 }, "loop never published")

	if got := opener.openCount(); got != 1 {
		t.Errorf("expected 1 open, got %d", got)
	}

	cancel()
	<-done
}

func TestLoopFatalWhenReopenFails(t *testing.T) {
	bad := &fakeSource{alwaysErr: true}
	opener := &fakeOpener{sources: []*fakeSource{bad}} // nothing left for reopen

	loop := NewLoop(1, 1, "0", opener, testCaptureConfig(), &FrameSlot{}, &DetectionSlot{}, &collectPublisher{}, nil)

	err := loop.Run(context.Background())
	if err == nil {
		t.Fatal("expected a fatal error")
	}
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("expected ErrSourceUnavailable, got %v", err)
	}
	if !bad.isClosed() {
		t.Error("source not closed after fatal exit")
	}
}

func TestLoopPauseSuppressesPublishingButKeepsCapturing(t *testing.T) {
	src := &fakeSource{frame: []byte{0xFF, 0xD8, 0xFF, 0xD9}}
	opener := &fakeOpener{sources: []*fakeSource{src}}
	frames := &FrameSlot{}
	pub := &collectPublisher{}

	loop := NewLoop(1, 1, "0", opener, testCaptureConfig(), frames, &DetectionSlot{}, pub, nil)
	loop.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	// Frames keep landing in the slot for enrollment to consume.
	waitFor(t, func() bool { _, seq, ok := frames.Latest(); return ok && seq > 2 }, "paused loop stopped capturing")

	if pub.count() != 0 {
		t.Errorf("paused loop published %d frames", pub.count())
	}

	loop.Resume()
	waitFor(t, func() bool { return pub.count() > 0 }, "loop did not resume publishing")

	cancel()
	<-done
}

func TestLoopActivityCallback(t *testing.T) {
	src := &fakeSource{frame: []byte{0xFF, 0xD8, 0xFF, 0xD9}}
	opener := &fakeOpener{sources: []*fakeSource{src}}

	var mu sync.Mutex
	activity := 0
	onActivity := func(int) {
		mu.Lock()
		activity++
		mu.Unlock()
	}

	loop := NewLoop(1, 1, "0", opener, testCaptureConfig(), &FrameSlot{}, &DetectionSlot{}, &collectPublisher{}, onActivity)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return activity > 0
	}, "activity callback never fired")

	cancel()
	<-done
}
