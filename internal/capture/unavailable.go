package capture

import (
	"context"
	"sync"
)

// UnavailableSource stands in for a missing camera. Open always fails, so
// a session built on it runs in manual-entry mode
type UnavailableSource struct {
	id     string
	reason string

	once   sync.Once
	frames chan Frame
}

// NewUnavailableSource creates a source that reports reason on Open
func NewUnavailableSource(id, reason string) *UnavailableSource {
	return &UnavailableSource{id: id, reason: reason, frames: make(chan Frame)}
}

func (u *UnavailableSource) DeviceID() string {
	return u.id
}

func (u *UnavailableSource) Open(ctx context.Context, facing Facing) (Capabilities, error) {
	return Capabilities{}, &DeviceError{Device: u.id, Reason: u.reason, Err: ErrCameraUnavailable}
}

// Frames returns a channel that is closed once the source is closed
func (u *UnavailableSource) Frames() <-chan Frame {
	return u.frames
}

func (u *UnavailableSource) SetZoom(level float64) error {
	return &DeviceError{Device: u.id, Reason: u.reason, Err: ErrCameraUnavailable}
}

func (u *UnavailableSource) SetTorch(on bool) error {
	return &DeviceError{Device: u.id, Reason: u.reason, Err: ErrCameraUnavailable}
}

func (u *UnavailableSource) Close() error {
	u.once.Do(func() { close(u.frames) })
	return nil
}
