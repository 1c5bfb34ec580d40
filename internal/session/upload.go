package session

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"helmdect/internal/compliance"
	"helmdect/internal/detection"
)

// upload is the state machine shared by image and video sessions:
// empty -> loaded -> submitting -> result | failed, Clear -> empty
type upload struct {
	id        string
	modality  Modality
	createdAt time.Time
	backend   Backend
	bus       *EventBus
	logger    *zap.Logger

	mu         sync.Mutex
	state      State
	media      string
	confidence float64
	sampleRate int
	result     *compliance.DetectionResult
	report     *compliance.Report
	errMsg     string
	generation uint64 // Bumped by Select, Clear and Detect; stale responses are dropped
	closed     bool
	updatedAt  time.Time
}

func newUpload(id string, modality Modality, backend Backend, confidence float64, sampleRate int, bus *EventBus, logger *zap.Logger) upload {
	now := time.Now()
	return upload{
		id:         id,
		modality:   modality,
		createdAt:  now,
		backend:    backend,
		bus:        bus,
		logger:     logger.With(zap.String("session_id", id), zap.String("modality", string(modality))),
		state:      StateEmpty,
		confidence: ClampConfidence(confidence),
		sampleRate: ClampSampleRate(sampleRate),
		updatedAt:  now,
	}
}

func (u *upload) ID() string           { return u.id }
func (u *upload) Modality() Modality   { return u.modality }
func (u *upload) CreatedAt() time.Time { return u.createdAt }

// SetConfidence updates the threshold used by the next submission
func (u *upload) SetConfidence(v float64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.confidence = ClampConfidence(v)
}

// State returns the current lifecycle state
func (u *upload) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Result returns the last applied result, nil unless in result
func (u *upload) Result() *compliance.DetectionResult {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.result
}

func (u *upload) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:                  u.id,
		Modality:            u.modality,
		State:               u.state,
		ConfidenceThreshold: u.confidence,
		Media:               u.media,
		Result:              u.result,
		Error:               u.errMsg,
		CreatedAt:           u.createdAt,
		UpdatedAt:           u.updatedAt,
	}
	snap.setReport(u.report)
	return snap
}

func (u *upload) eventLocked(kind EventKind) Event {
	u.updatedAt = time.Now()
	return Event{
		Kind:      kind,
		SessionID: u.id,
		Modality:  u.modality,
		State:     u.state,
		Result:    u.result,
		Report:    u.report,
		Error:     u.errMsg,
		Timestamp: u.updatedAt,
	}
}

// load stores a new payload. Any previous result is discarded and an
// in-flight response will be dropped when it arrives.
func (u *upload) load(media string, store func()) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	store()
	u.media = media
	u.state = StateLoaded
	u.result = nil
	u.report = nil
	u.errMsg = ""
	u.generation++
	ev := u.eventLocked(EventState)
	u.mu.Unlock()

	u.bus.Publish(ev)
	return nil
}

// Clear returns the session to empty from any state
func (u *upload) clear(drop func()) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	drop()
	u.media = ""
	u.state = StateEmpty
	u.result = nil
	u.report = nil
	u.errMsg = ""
	u.generation++
	ev := u.eventLocked(EventState)
	u.mu.Unlock()

	u.bus.Publish(ev)
	return nil
}

// detect runs one submission. ready reports whether a payload is loaded and
// call performs the backend round trip with the parameters captured at entry.
func (u *upload) detect(ctx context.Context, ready func() bool, call func(ctx context.Context, confidence float64, sampleRate int) (*compliance.DetectionResult, error)) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	if u.state == StateSubmitting {
		u.mu.Unlock()
		return ErrBusy
	}
	if !ready() {
		u.mu.Unlock()
		return &ValidationError{Field: string(u.modality), Reason: "no " + string(u.modality) + " selected"}
	}

	u.state = StateSubmitting
	u.result = nil
	u.report = nil
	u.errMsg = ""
	u.generation++
	generation := u.generation
	confidence, sampleRate := u.confidence, u.sampleRate
	ev := u.eventLocked(EventState)
	u.mu.Unlock()

	u.bus.Publish(ev)

	start := time.Now()
	result, err := call(ctx, confidence, sampleRate)

	u.mu.Lock()
	if u.closed || u.generation != generation {
		u.mu.Unlock()
		u.logger.Debug("dropping stale detection response", zap.Duration("took", time.Since(start)))
		return ErrSuperseded
	}

	if err != nil {
		u.state = StateFailed
		u.errMsg = UserMessage(err)
		ev = u.eventLocked(EventFailure)
		u.mu.Unlock()

		u.logger.Warn("detection failed", zap.Error(err), zap.Duration("took", time.Since(start)))
		u.bus.Publish(ev)
		return err
	}

	if result == nil {
		result = &compliance.DetectionResult{}
	}
	u.state = StateResult
	u.result = result
	u.report = newReport(result)
	ev = u.eventLocked(EventResult)
	u.mu.Unlock()

	u.logger.Info("detection completed",
		zap.Uint("with_helmet", result.WithHelmetCount),
		zap.Uint("no_helmet", result.NoHelmetCount),
		zap.Uint("motorcycle", result.MotorcycleCount),
		zap.String("tier", string(ev.Report.Assessment.Tier)),
		zap.Duration("took", time.Since(start)))
	u.bus.Publish(ev)
	return nil
}

func (u *upload) close(drop func()) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	drop()
	u.generation++
	ev := u.eventLocked(EventClosed)
	u.mu.Unlock()

	u.bus.Publish(ev)
	return nil
}

// ImageSession detects helmets on a single still image
type ImageSession struct {
	upload
	image string // Data URL
}

// NewImageSession creates an empty image session
func NewImageSession(id string, backend Backend, confidence float64, bus *EventBus, logger *zap.Logger) *ImageSession {
	return &ImageSession{upload: newUpload(id, ModalityImage, backend, confidence, DefaultSampleRate, bus, logger)}
}

// Select loads an encoded image, replacing any previous payload and result
func (s *ImageSession) Select(name, dataURL string) error {
	if !strings.HasPrefix(dataURL, "data:image/") || !strings.Contains(dataURL, ",") {
		return &ValidationError{Field: "image", Reason: "expected an image data URL"}
	}
	return s.load(name, func() { s.image = dataURL })
}

// Detect submits the loaded image. Re-detecting from result reuses the payload.
func (s *ImageSession) Detect(ctx context.Context) error {
	var image string
	return s.detect(ctx,
		func() bool { image = s.image; return image != "" },
		func(ctx context.Context, confidence float64, _ int) (*compliance.DetectionResult, error) {
			return s.backend.SubmitImage(ctx, image, confidence)
		})
}

// Clear drops the payload and result
func (s *ImageSession) Clear() error {
	return s.clear(func() { s.image = "" })
}

func (s *ImageSession) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *ImageSession) Close() error {
	return s.close(func() { s.image = "" })
}

// VideoSession uploads a clip and detects helmets on sampled frames
type VideoSession struct {
	upload
	video *detection.VideoUpload
}

// NewVideoSession creates an empty video session
func NewVideoSession(id string, backend Backend, confidence float64, sampleRate int, bus *EventBus, logger *zap.Logger) *VideoSession {
	return &VideoSession{upload: newUpload(id, ModalityVideo, backend, confidence, sampleRate, bus, logger)}
}

// Select loads an uploaded video file
func (s *VideoSession) Select(filename string, data []byte) error {
	if len(data) == 0 {
		return &ValidationError{Field: "video", Reason: "empty video file"}
	}
	return s.load(filename, func() {
		s.video = &detection.VideoUpload{Filename: filename, Data: data}
	})
}

// SetSampleRate updates the frame sampling used by the next submission
func (s *VideoSession) SetSampleRate(v int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampleRate = ClampSampleRate(v)
}

// Detect uploads the loaded video
func (s *VideoSession) Detect(ctx context.Context) error {
	var video detection.VideoUpload
	return s.detect(ctx,
		func() bool {
			if s.video == nil {
				return false
			}
			video = *s.video
			return true
		},
		func(ctx context.Context, confidence float64, sampleRate int) (*compliance.DetectionResult, error) {
			return s.backend.SubmitVideo(ctx, video, confidence, sampleRate)
		})
}

// Clear drops the payload and result
func (s *VideoSession) Clear() error {
	return s.clear(func() { s.video = nil })
}

func (s *VideoSession) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshotLocked()
	rate := s.sampleRate
	snap.SampleRate = &rate
	return snap
}

func (s *VideoSession) Close() error {
	return s.close(func() { s.video = nil })
}

// MediaPath returns the backend path of the annotated video, if any
func (s *VideoSession) MediaPath() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil || s.result.AnnotatedMedia == nil || s.result.AnnotatedMedia.Path == "" {
		return "", false
	}
	return s.result.AnnotatedMedia.Path, true
}

// FetchMedia retrieves the annotated video. Failures are returned to the
// caller and never change the session state.
func (s *VideoSession) FetchMedia(ctx context.Context) (io.ReadCloser, string, error) {
	path, ok := s.MediaPath()
	if !ok {
		return nil, "", &ValidationError{Field: "media", Reason: "no annotated video available"}
	}

	body, contentType, err := s.backend.FetchMedia(ctx, path)
	if err != nil {
		s.logger.Warn("failed to fetch annotated video", zap.String("path", path), zap.Error(err))
		return nil, "", err
	}
	return body, contentType, nil
}
