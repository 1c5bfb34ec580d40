package session

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"helmdect/internal/camera"
	"helmdect/internal/compliance"
	"helmdect/internal/detection"
)

type fakeBackend struct {
	mu          sync.Mutex
	images      []string
	videos      []detection.VideoUpload
	confidences []float64
	sampleRates []int

	result *compliance.DetectionResult
	err    error
	gate   chan struct{} // When set, submissions block until it is closed

	mediaBody string
	mediaErr  error

	calls atomic.Int32
}

func (b *fakeBackend) wait(ctx context.Context) error {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *fakeBackend) outcome() (*compliance.DetectionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	r := *b.result
	return &r, nil
}

func (b *fakeBackend) SubmitImage(ctx context.Context, encodedImage string, confidenceThreshold float64) (*compliance.DetectionResult, error) {
	b.calls.Add(1)
	b.mu.Lock()
	b.images = append(b.images, encodedImage)
	b.confidences = append(b.confidences, confidenceThreshold)
	b.mu.Unlock()

	if err := b.wait(ctx); err != nil {
		return nil, &detection.TransportError{Op: "detect image", Err: err}
	}
	return b.outcome()
}

func (b *fakeBackend) SubmitVideo(ctx context.Context, video detection.VideoUpload, confidenceThreshold float64, sampleRate int) (*compliance.DetectionResult, error) {
	b.calls.Add(1)
	b.mu.Lock()
	b.videos = append(b.videos, video)
	b.confidences = append(b.confidences, confidenceThreshold)
	b.sampleRates = append(b.sampleRates, sampleRate)
	b.mu.Unlock()

	if err := b.wait(ctx); err != nil {
		return nil, &detection.TransportError{Op: "detect video", Err: err}
	}
	return b.outcome()
}

func (b *fakeBackend) FetchMedia(ctx context.Context, path string) (io.ReadCloser, string, error) {
	if b.mediaErr != nil {
		return nil, "", b.mediaErr
	}
	return io.NopCloser(strings.NewReader(b.mediaBody)), "video/mp4", nil
}

func (b *fakeBackend) setErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		result: &compliance.DetectionResult{
			WithHelmetCount: 3,
			NoHelmetCount:   1,
			MotorcycleCount: 4,
		},
	}
}

type fakeStream struct {
	closes atomic.Int32
	frame  image.Image
	err    error
}

func (s *fakeStream) Frame(ctx context.Context) (image.Image, error) {
	if s.closes.Load() > 0 {
		return nil, camera.ErrStreamClosed
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.frame, nil
}

func (s *fakeStream) Close() error {
	s.closes.Add(1)
	return nil
}

type fakeSource struct {
	mu       sync.Mutex
	opens    int
	streams  []*fakeStream
	err      error
	frameErr error
}

func (s *fakeSource) Open(ctx context.Context, hint camera.Hint) (camera.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if s.err != nil {
		return nil, s.err
	}

	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	st := &fakeStream{frame: img, err: s.frameErr}
	s.streams = append(s.streams, st)
	return st, nil
}

func (s *fakeSource) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func (s *fakeSource) lastStream() *fakeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.streams) == 0 {
		return nil
	}
	return s.streams[len(s.streams)-1]
}

// recorder collects published events
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnSessionEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.State)
	}
	return out
}

var errBoom = errors.New("connection refused")

const testImage = "data:image/jpeg;base64,/9j/4AAQ"
