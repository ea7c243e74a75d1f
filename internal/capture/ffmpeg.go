package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// FFmpegOpener opens video sources through an ffmpeg subprocess that emits
// an MJPEG stream on stdout. It handles local V4L2 devices and network
// (HTTP/RTSP) locators.
type FFmpegOpener struct {
	Width       int
	Height      int
	FPS         int
	OpenTimeout time.Duration
	ReadTimeout time.Duration
}

func (o *FFmpegOpener) Open(ctx context.Context, locator string) (Source, error) {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
	}

	switch {
	case strings.HasPrefix(locator, "rtsp://"), strings.HasPrefix(locator, "rtsps://"):
		args = append(args,
			"-rtsp_transport", "tcp",
			"-stimeout", "5000000",
		)
	case strings.HasPrefix(locator, "http://"), strings.HasPrefix(locator, "https://"):
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
		)
	case strings.HasPrefix(locator, "/dev/video"):
		args = append(args, "-f", "v4l2")
	}

	args = append(args,
		"-i", locator,
		"-vf", fmt.Sprintf("fps=%d,scale=%d:%d", o.FPS, o.Width, o.Height),
		"-fflags", "nobuffer",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"pipe:1",
	)

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, "ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSourceUnavailable, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSourceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrSourceUnavailable, err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			slog.Warn("ffmpeg stderr", "locator", locator, "output", scanner.Text())
		}
	}()

	src := &ffmpegSource{
		cancel:      cancel,
		cmd:         cmd,
		frames:      make(chan []byte, 1),
		done:        make(chan struct{}),
		readTimeout: o.ReadTimeout,
	}
	go src.pump(stdout)

	// The stream is not usable until ffmpeg actually produces a frame.
	openTimeout := o.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 10 * time.Second
	}
	select {
	case frame := <-src.frames:
		src.stash(frame)
		return src, nil
	case <-src.done:
		_ = src.Close()
		return nil, fmt.Errorf("%w: ffmpeg exited before first frame (%s)", ErrSourceUnavailable, locator)
	case <-time.After(openTimeout):
		_ = src.Close()
		return nil, fmt.Errorf("%w: no frame within %s (%s)", ErrSourceUnavailable, openTimeout, locator)
	case <-ctx.Done():
		_ = src.Close()
		return nil, ctx.Err()
	}
}

type ffmpegSource struct {
	cancel      context.CancelFunc
	cmd         *exec.Cmd
	frames      chan []byte // capacity 1: newest frame wins
	done        chan struct{}
	readTimeout time.Duration

	mu      sync.Mutex
	stashed []byte
	closed  bool
}

// stash keeps the frame consumed during open so the first ReadFrame returns it.
func (s *ffmpegSource) stash(frame []byte) {
	s.mu.Lock()
	s.stashed = frame
	s.mu.Unlock()
}

func (s *ffmpegSource) ReadFrame(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if st := s.stashed; st != nil {
		s.stashed = nil
		s.mu.Unlock()
		return st, nil
	}
	s.mu.Unlock()

	timeout := s.readTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-s.frames:
		return frame, nil
	case <-s.done:
		return nil, fmt.Errorf("%w: stream ended", ErrReadTimeout)
	case <-timer.C:
		return nil, ErrReadTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *ffmpegSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	return nil
}

// pump reads the concatenated-JPEG stream and keeps only the newest frame in
// the channel, dropping stale ones so readers never fall behind the camera.
func (s *ffmpegSource) pump(r io.Reader) {
	defer close(s.done)

	reader := bufio.NewReaderSize(r, 512*1024)
	for {
		if err := seekJPEGStart(reader); err != nil {
			return
		}
		frame, err := readToJPEGEnd(reader)
		if err != nil {
			return
		}
		select {
		case s.frames <- frame:
		default:
			// Drop the stale frame, replace with the new one.
			select {
			case <-s.frames:
			default:
			}
			select {
			case s.frames <- frame:
			default:
			}
		}
	}
}

func seekJPEGStart(r *bufio.Reader) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b != 0xFF {
			continue
		}
		b, err = r.ReadByte()
		if err != nil {
			return err
		}
		if b == 0xD8 {
			return nil
		}
	}
}

func readToJPEGEnd(r *bufio.Reader) ([]byte, error) {
	data := []byte{0xFF, 0xD8}
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		data = append(data, b)
		if b != 0xFF {
			continue
		}
		next, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		data = append(data, next)
		if next == 0xD9 {
			return data, nil
		}
	}
}
