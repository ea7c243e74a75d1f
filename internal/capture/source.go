// Package capture owns the two per-camera loops: frame acquisition and
// detection. The loops share state only through single-slot exchanges with
// copy semantics.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrSourceUnavailable reports that a video source could not be opened or
// reopened. For a running camera session it is fatal and surfaces to the
// manager.
var ErrSourceUnavailable = errors.New("video source unavailable")

// ErrReadTimeout reports a single failed frame read. It is transient:
// the capture loop retries and only escalates after consecutive failures.
var ErrReadTimeout = errors.New("frame read timed out")

// Source yields JPEG-encoded frames from one opened video source.
type Source interface {
	// ReadFrame blocks until the next frame is available, the context is
	// done, or the source's read timeout elapses.
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// Opener opens a video source by locator. The ffmpeg-backed implementation
// is used in production; tests substitute fakes.
type Opener interface {
	Open(ctx context.Context, locator string) (Source, error)
}

// NormalizeLocator turns a registry source string into something openable:
// a bare integer becomes a local V4L2 device path, and an HTTP(S) locator
// without a stream suffix gets the default "/video" appended (the convention
// of phone-camera apps this system is pointed at).
func NormalizeLocator(locator string) string {
	if idx, err := strconv.Atoi(strings.TrimSpace(locator)); err == nil {
		return fmt.Sprintf("/dev/video%d", idx)
	}
	if strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://") {
		if !strings.HasSuffix(locator, "/video") {
			return strings.TrimSuffix(locator, "/") + "/video"
		}
	}
	return locator
}
