package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"
)

var (
	// ErrCameraUnavailable is returned when no usable device could be opened:
	// permission denied, no device present, or the device is held elsewhere
	ErrCameraUnavailable = errors.New("camera unavailable")

	// ErrInsecureContext is returned when the host refuses camera access over
	// an insecure transport
	ErrInsecureContext = errors.New("camera requires a secure context")
)

// DeviceError describes why a device could not be opened. It unwraps to
// ErrCameraUnavailable or ErrInsecureContext
type DeviceError struct {
	Device string
	Reason string
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Reason)
	}
	return fmt.Sprintf("%v: %s (%s)", e.Err, e.Reason, e.Device)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Facing selects which camera to open on devices with more than one
type Facing int

const (
	FacingEnvironment Facing = iota
	FacingUser
)

func (f Facing) String() string {
	if f == FacingUser {
		return "user"
	}
	return "environment"
}

// Frame is a single captured image. Frames are never mutated after capture
type Frame struct {
	Image      image.Image
	CapturedAt time.Time
	Width      int
	Height     int
}

// NewFrame wraps an image captured at the given time
func NewFrame(img image.Image, at time.Time) Frame {
	b := img.Bounds()
	return Frame{
		Image:      img,
		CapturedAt: at,
		Width:      b.Dx(),
		Height:     b.Dy(),
	}
}

// ZoomRange is the supported zoom interval of a device
type ZoomRange struct {
	Min float64
	Max float64
}

// Clamp limits level to the range
func (z ZoomRange) Clamp(level float64) float64 {
	if level < z.Min {
		return z.Min
	}
	if level > z.Max {
		return z.Max
	}
	return level
}

// Capabilities reports the optional controls a device supports
type Capabilities struct {
	Zoom           *ZoomRange
	TorchAvailable bool
}

// Source abstracts a live capture device
type Source interface {
	// DeviceID identifies the underlying device; at most one session may hold it
	DeviceID() string

	// Open acquires the device and reports its capabilities
	Open(ctx context.Context, facing Facing) (Capabilities, error)

	// Frames returns the frame stream. It is lazy, unbounded and cannot be
	// restarted; the channel is closed when the source is closed
	Frames() <-chan Frame

	// SetZoom and SetTorch are best-effort controls
	SetZoom(level float64) error
	SetTorch(on bool) error

	// Close releases the device. Safe to call more than once
	Close() error
}
