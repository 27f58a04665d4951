package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultReplayFPS is the playback rate used when none is given
const DefaultReplayFPS = 15

// ReplaySource plays still images as a looping camera feed. A path may name
// a single file or a directory of JPEG, PNG, GIF, HEIC and PDF files
type ReplaySource struct {
	path     string
	interval time.Duration

	mu     sync.Mutex
	images []image.Image
	opened bool
	closed bool

	frames    chan Frame
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewReplaySource creates a source that emits fps frames per second
func NewReplaySource(path string, fps float64) *ReplaySource {
	if fps <= 0 {
		fps = DefaultReplayFPS
	}
	return &ReplaySource{
		path:     path,
		interval: time.Duration(float64(time.Second) / fps),
		frames:   make(chan Frame, 1),
		done:     make(chan struct{}),
	}
}

// DeviceID returns the absolute replay path
func (r *ReplaySource) DeviceID() string {
	abs, err := filepath.Abs(r.path)
	if err != nil {
		abs = r.path
	}
	return "replay:" + abs
}

// Open loads every frame up front and starts playback
func (r *ReplaySource) Open(ctx context.Context, facing Facing) (Capabilities, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Capabilities{}, &DeviceError{Device: r.DeviceID(), Reason: "source closed", Err: ErrCameraUnavailable}
	}
	if r.opened {
		return Capabilities{}, &DeviceError{Device: r.DeviceID(), Reason: "device busy", Err: ErrCameraUnavailable}
	}

	images, err := r.load(ctx)
	if err != nil {
		return Capabilities{}, &DeviceError{Device: r.DeviceID(), Reason: err.Error(), Err: ErrCameraUnavailable}
	}
	if len(images) == 0 {
		return Capabilities{}, &DeviceError{Device: r.DeviceID(), Reason: "no frames found", Err: ErrCameraUnavailable}
	}

	r.images = images
	r.opened = true
	slog.Debug("Replay source opened", "path", r.path, "frames", len(images), "facing", facing.String())

	r.wg.Add(1)
	go r.play()

	return Capabilities{}, nil
}

func (r *ReplaySource) load(ctx context.Context) ([]image.Image, error) {
	info, err := os.Stat(r.path)
	if err != nil {
		return nil, fmt.Errorf("no device: %w", err)
	}
	if !info.IsDir() {
		return loadImages(r.path)
	}

	entries, err := os.ReadDir(r.path)
	if err != nil {
		return nil, fmt.Errorf("reading replay directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if supportedExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var images []image.Image
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		loaded, err := loadImages(filepath.Join(r.path, name))
		if err != nil {
			slog.Warn("Skipping unreadable frame file", "file", name, "error", err)
			continue
		}
		images = append(images, loaded...)
	}
	return images, nil
}

// play loops over the loaded images. A frame is dropped when the consumer
// has not taken the previous one yet
func (r *ReplaySource) play() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for i := 0; ; i = (i + 1) % len(r.images) {
		select {
		case <-r.done:
			return
		case now := <-ticker.C:
			select {
			case r.frames <- NewFrame(r.images[i], now):
			default:
			}
		}
	}
}

// Frames returns the frame stream
func (r *ReplaySource) Frames() <-chan Frame {
	return r.frames
}

// SetZoom is not supported by still images
func (r *ReplaySource) SetZoom(level float64) error {
	return fmt.Errorf("zoom %.1f: %w", level, errors.ErrUnsupported)
}

// SetTorch is not supported by still images
func (r *ReplaySource) SetTorch(on bool) error {
	return fmt.Errorf("torch %t: %w", on, errors.ErrUnsupported)
}

// Close stops playback and closes the frame stream
func (r *ReplaySource) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		close(r.done)
		r.wg.Wait()
		close(r.frames)
	})
	return nil
}
