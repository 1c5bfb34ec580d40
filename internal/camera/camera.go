package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Facing is the preferred camera direction
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

// Hint is the requested capture geometry. Sources honor it on a best-effort basis.
type Hint struct {
	Width  int
	Height int
	Facing Facing
}

// DefaultHint matches a 720p rear-facing camera
func DefaultHint() Hint {
	return Hint{Width: 1280, Height: 720, Facing: FacingEnvironment}
}

// Source opens live capture streams
type Source interface {
	Open(ctx context.Context, hint Hint) (Stream, error)
}

// Stream is an open capture handle exclusively owned by one session
type Stream interface {
	// Frame grabs the current frame
	Frame(ctx context.Context) (image.Image, error)

	// Close releases the device. Safe to call more than once.
	Close() error
}

// ErrStreamClosed is returned when grabbing from a released stream
var ErrStreamClosed = errors.New("capture stream is closed")

// CaptureError means the platform denied or failed to provide a stream
type CaptureError struct {
	Device string
	Err    error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("camera %s: %v", e.Device, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// NewSource picks a source implementation for a device string.
// "file:<path>" replays a still image, anything else goes through ffmpeg.
func NewSource(device string) Source {
	if path, ok := strings.CutPrefix(device, "file:"); ok {
		return &FileSource{Path: path}
	}
	return &FFmpegSource{Device: device}
}

// FFmpegSource captures frames from a V4L2 device or an HTTP/RTSP URL
type FFmpegSource struct {
	Device string
	Binary string // defaults to "ffmpeg"
}

// Open checks the device and grabs a test frame before handing out the stream
func (s *FFmpegSource) Open(ctx context.Context, hint Hint) (Stream, error) {
	if !deviceAccessible(s.Device) {
		return nil, &CaptureError{Device: s.Device, Err: errors.New("device is not accessible")}
	}

	binary := s.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	st := &ffmpegStream{device: s.Device, binary: binary, hint: hint}

	// Test access by taking a frame (this turns on the LED)
	if _, err := st.grab(ctx); err != nil {
		return nil, &CaptureError{Device: s.Device, Err: err}
	}
	return st, nil
}

type ffmpegStream struct {
	device string
	binary string
	hint   Hint

	mu     sync.Mutex
	closed bool
}

func (st *ffmpegStream) Frame(ctx context.Context) (image.Image, error) {
	st.mu.Lock()
	closed := st.closed
	st.mu.Unlock()
	if closed {
		return nil, ErrStreamClosed
	}
	return st.grab(ctx)
}

func (st *ffmpegStream) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	return nil
}

// grab captures a single frame using ffmpeg and decodes it
func (st *ffmpegStream) grab(ctx context.Context) (image.Image, error) {
	cmd := exec.CommandContext(ctx, st.binary, ffmpegArgs(st.device, st.hint)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}

	img, err := jpeg.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to decode captured frame: %w", err)
	}
	return img, nil
}

func ffmpegArgs(device string, hint Hint) []string {
	if isNetworkSource(device) {
		return []string{
			"-y",
			"-i", device,
			"-vframes", "1",
			"-f", "mjpeg",
			"-q:v", "2",
			"-",
		}
	}

	args := []string{"-f", "v4l2"}
	if hint.Width > 0 && hint.Height > 0 {
		args = append(args, "-video_size", strconv.Itoa(hint.Width)+"x"+strconv.Itoa(hint.Height))
	}
	return append(args,
		"-i", device,
		"-vframes", "1",
		"-f", "mjpeg",
		"-q:v", "2",
		"-",
	)
}

// isNetworkSource checks if device is an HTTP/RTSP URL
func isNetworkSource(device string) bool {
	return strings.HasPrefix(device, "http://") ||
		strings.HasPrefix(device, "https://") ||
		strings.HasPrefix(device, "rtsp://")
}

// deviceAccessible checks the device exists and can be opened for reading.
// Network sources are verified by the first grab instead.
func deviceAccessible(device string) bool {
	if device == "" {
		return false
	}
	if isNetworkSource(device) {
		return true
	}

	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	defer file.Close()
	return true
}

// FileSource replays a still image as a camera. Handy on machines without a device.
type FileSource struct {
	Path string
}

func (s *FileSource) Open(ctx context.Context, hint Hint) (Stream, error) {
	img, err := loadImage(s.Path)
	if err != nil {
		return nil, &CaptureError{Device: "file:" + s.Path, Err: err}
	}
	return NewImageStream(img), nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

// ImageStream serves the same frame until closed
type ImageStream struct {
	img    image.Image
	mu     sync.Mutex
	closed bool
}

// NewImageStream wraps a fixed frame in a Stream
func NewImageStream(img image.Image) *ImageStream {
	return &ImageStream{img: img}
}

func (st *ImageStream) Frame(ctx context.Context) (image.Image, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil, ErrStreamClosed
	}
	return st.img, nil
}

func (st *ImageStream) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	return nil
}
