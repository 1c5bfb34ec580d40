package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"helmdect/internal/camera"
	"helmdect/internal/compliance"
)

// CameraSession samples a live capture stream on a fixed interval:
// idle -> active -> idle
type CameraSession struct {
	id        string
	createdAt time.Time
	backend   Backend
	source    camera.Source
	hint      camera.Hint
	interval  time.Duration
	encoder   *camera.Encoder
	bus       *EventBus
	logger    *zap.Logger

	opMu sync.Mutex // Serializes Start, Stop and Close

	mu         sync.Mutex
	state      State
	confidence float64
	stream     camera.Stream
	cancel     context.CancelFunc
	done       chan struct{}
	result     *compliance.DetectionResult
	report     *compliance.Report
	errMsg     string
	ticks      uint64
	tickErrors uint64
	closed     bool
	updatedAt  time.Time

	inflight  sync.WaitGroup
	closeOnce sync.Once
}

// CameraOptions configures a camera session
type CameraOptions struct {
	Source     camera.Source
	Hint       camera.Hint
	Interval   time.Duration // Defaults to 2s
	Confidence float64
}

// NewCameraSession creates an idle camera session
func NewCameraSession(id string, backend Backend, opts CameraOptions, bus *EventBus, logger *zap.Logger) *CameraSession {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultCaptureInterval
	}

	now := time.Now()
	return &CameraSession{
		id:         id,
		createdAt:  now,
		backend:    backend,
		source:     opts.Source,
		hint:       opts.Hint,
		interval:   interval,
		encoder:    camera.NewEncoder(opts.Hint),
		bus:        bus,
		logger:     logger.With(zap.String("session_id", id), zap.String("modality", string(ModalityCamera))),
		state:      StateIdle,
		confidence: ClampConfidence(opts.Confidence),
		updatedAt:  now,
	}
}

func (s *CameraSession) ID() string           { return s.id }
func (s *CameraSession) Modality() Modality   { return ModalityCamera }
func (s *CameraSession) CreatedAt() time.Time { return s.createdAt }

// SetConfidence updates the threshold used by subsequent ticks
func (s *CameraSession) SetConfidence(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confidence = ClampConfidence(v)
}

// State returns the current lifecycle state
func (s *CameraSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Result returns the last-known result
func (s *CameraSession) Result() *compliance.DetectionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Ticks returns how many ticks fired and how many of them failed
func (s *CameraSession) Ticks() (total, failed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks, s.tickErrors
}

func (s *CameraSession) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:                  s.id,
		Modality:            ModalityCamera,
		State:               s.state,
		ConfidenceThreshold: s.confidence,
		Result:              s.result,
		Error:               s.errMsg,
		Ticks:               s.ticks,
		TickErrors:          s.tickErrors,
		CreatedAt:           s.createdAt,
		UpdatedAt:           s.updatedAt,
	}
	snap.setReport(s.report)
	return snap
}

// Start opens the capture stream and arms the ticker. Starting an active
// session is a no-op. On a capture failure the session stays idle.
func (s *CameraSession) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == StateActive {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if s.source == nil {
		return s.startFailed(&camera.CaptureError{Device: "none", Err: errors.New("no capture source configured")})
	}

	stream, err := s.source.Open(ctx, s.hint)
	if err != nil {
		return s.startFailed(err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.state = StateActive
	s.stream = stream
	s.cancel = cancel
	s.done = done
	s.errMsg = ""
	ev := s.eventLocked(EventState, 0)
	s.mu.Unlock()

	go s.run(loopCtx, stream, done)

	s.logger.Info("camera started", zap.Duration("interval", s.interval))
	s.bus.Publish(ev)
	return nil
}

func (s *CameraSession) startFailed(err error) error {
	s.mu.Lock()
	s.errMsg = UserMessage(err)
	ev := s.eventLocked(EventFailure, 0)
	s.mu.Unlock()

	s.logger.Warn("failed to open camera", zap.Error(err))
	s.bus.Publish(ev)
	return err
}

// Stop cancels the ticker and releases the stream. In-flight requests are
// not aborted and their results still apply. Stopping an idle session is harmless.
func (s *CameraSession) Stop() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stop()
}

func (s *CameraSession) stop() error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil
	}
	cancel, done, stream := s.cancel, s.done, s.stream
	s.state = StateIdle
	s.cancel = nil
	s.done = nil
	s.stream = nil
	ev := s.eventLocked(EventState, 0)
	s.mu.Unlock()

	cancel()
	<-done

	var err error
	if cerr := stream.Close(); cerr != nil {
		s.logger.Warn("failed to release camera stream", zap.Error(cerr))
		err = cerr
	}

	s.logger.Info("camera stopped")
	s.bus.Publish(ev)
	return err
}

// Close stops the camera and tears the session down exactly once.
// Responses arriving afterwards are discarded.
func (s *CameraSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.opMu.Lock()
		defer s.opMu.Unlock()

		err = s.stop()

		s.mu.Lock()
		s.closed = true
		ev := s.eventLocked(EventClosed, 0)
		s.mu.Unlock()

		s.bus.Publish(ev)
	})
	return err
}

// Wait blocks until every in-flight tick request has returned
func (s *CameraSession) Wait() {
	s.inflight.Wait()
}

func (s *CameraSession) run(ctx context.Context, stream camera.Stream, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, stream)
		}
	}
}

// tick grabs and encodes one frame, then submits it without waiting for the answer
func (s *CameraSession) tick(ctx context.Context, stream camera.Stream) {
	s.mu.Lock()
	s.ticks++
	n := s.ticks
	confidence := s.confidence
	ev := s.eventLocked(EventTick, n)
	s.mu.Unlock()

	s.bus.Publish(ev)

	frame, err := stream.Frame(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return // Stopped mid-capture
		}
		s.tickFailed(n, err)
		return
	}

	encoded, err := s.encoder.EncodeDataURL(frame)
	if err != nil {
		s.tickFailed(n, err)
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		start := time.Now()
		result, err := s.backend.SubmitImage(context.Background(), encoded, confidence)
		if err != nil {
			s.tickFailed(n, err)
			return
		}
		s.apply(n, result, time.Since(start))
	}()
}

// apply replaces the last-known result. Results land in arrival order.
func (s *CameraSession) apply(n uint64, result *compliance.DetectionResult, took time.Duration) {
	if result == nil {
		result = &compliance.DetectionResult{}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Debug("dropping tick result for closed session", zap.Uint64("tick", n))
		return
	}
	s.result = result
	s.report = newReport(result)
	s.errMsg = ""
	ev := s.eventLocked(EventResult, n)
	s.mu.Unlock()

	s.logger.Debug("tick result applied",
		zap.Uint64("tick", n),
		zap.String("tier", string(ev.Report.Assessment.Tier)),
		zap.Duration("took", took))
	s.bus.Publish(ev)
}

func (s *CameraSession) tickFailed(n uint64, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.tickErrors++
	ev := s.eventLocked(EventTickError, n)
	ev.Error = UserMessage(err)
	s.mu.Unlock()

	s.logger.Warn("camera tick failed", zap.Uint64("tick", n), zap.Error(err))
	s.bus.Publish(ev)
}

func (s *CameraSession) eventLocked(kind EventKind, tick uint64) Event {
	s.updatedAt = time.Now()
	return Event{
		Kind:      kind,
		SessionID: s.id,
		Modality:  ModalityCamera,
		State:     s.state,
		Result:    s.result,
		Report:    s.report,
		Error:     s.errMsg,
		Tick:      tick,
		Timestamp: s.updatedAt,
	}
}
