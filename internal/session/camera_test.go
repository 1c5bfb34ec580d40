package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"helmdect/internal/camera"
	"helmdect/internal/compliance"
	"helmdect/internal/detection"
)

const testInterval = 20 * time.Millisecond

func newCamera(t *testing.T, backend Backend, source camera.Source) (*CameraSession, *recorder) {
	t.Helper()
	bus := NewEventBus()
	rec := &recorder{}
	bus.Subscribe(rec)

	s := NewCameraSession("cam-1", backend, CameraOptions{
		Source:     source,
		Hint:       camera.DefaultHint(),
		Interval:   testInterval,
		Confidence: 0.4,
	}, bus, zap.NewNop())
	t.Cleanup(func() {
		s.Close()
		s.Wait()
	})
	return s, rec
}

func TestCameraStopHaltsTicks(t *testing.T) {
	backend := newFakeBackend()
	source := &fakeSource{}
	s, _ := newCamera(t, backend, source)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateActive, s.State())

	require.Eventually(t, func() bool { return backend.calls.Load() >= 2 }, 2*time.Second, time.Millisecond)

	require.NoError(t, s.Stop())
	s.Wait()
	assert.Equal(t, StateIdle, s.State())

	ticks, _ := s.Ticks()
	calls := backend.calls.Load()

	time.Sleep(5 * testInterval)
	after, _ := s.Ticks()
	assert.Equal(t, ticks, after)
	assert.Equal(t, calls, backend.calls.Load())

	require.NotNil(t, s.Result())
	assert.Equal(t, uint(3), s.Result().WithHelmetCount)

	backend.mu.Lock()
	for _, c := range backend.confidences {
		assert.Equal(t, 0.4, c)
	}
	backend.mu.Unlock()
}

func TestCameraTickSubmitsEncodedFrame(t *testing.T) {
	backend := newFakeBackend()
	s, rec := newCamera(t, backend, &fakeSource{})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return rec.count(EventResult) >= 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, s.Stop())
	s.Wait()

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.NotEmpty(t, backend.images)
	assert.Contains(t, backend.images[0], "data:image/jpeg;base64,")

	snap := s.Snapshot()
	require.NotNil(t, snap.Assessment)
	assert.Equal(t, compliance.TierModerate, snap.Assessment.Tier)
	assert.NotZero(t, snap.Ticks)
}

func TestCameraDoubleStopReleasesStreamOnce(t *testing.T) {
	source := &fakeSource{}
	s, _ := newCamera(t, newFakeBackend(), source)

	require.NoError(t, s.Stop()) // Idle stop is harmless
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	st := source.lastStream()
	require.NotNil(t, st)
	assert.Equal(t, int32(1), st.closes.Load())
	assert.Equal(t, StateIdle, s.State())
}

func TestCameraStartWhileActiveIsNoop(t *testing.T) {
	source := &fakeSource{}
	s, _ := newCamera(t, newFakeBackend(), source)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 1, source.openCount())

	// A stopped session can be started again with a fresh stream
	require.NoError(t, s.Stop())
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 2, source.openCount())
}

func TestCameraCaptureErrorStaysIdle(t *testing.T) {
	source := &fakeSource{err: &camera.CaptureError{Device: "/dev/video0", Err: errors.New("permission denied")}}
	s, rec := newCamera(t, newFakeBackend(), source)

	err := s.Start(context.Background())
	var ce *camera.CaptureError
	require.True(t, errors.As(err, &ce))

	snap := s.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, CameraFailureMessage, snap.Error)
	assert.Equal(t, 1, rec.count(EventFailure))
}

func TestCameraTickErrorsKeepRunning(t *testing.T) {
	backend := newFakeBackend()
	backend.setErr(&detection.TransportError{Op: "detect image", Err: errBoom})
	s, rec := newCamera(t, backend, &fakeSource{})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		_, failed := s.Ticks()
		return failed >= 2
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, StateActive, s.State())
	assert.Nil(t, s.Result())
	assert.GreaterOrEqual(t, rec.count(EventTickError), 2)

	// Recovery is picked up by the next tick
	backend.setErr(nil)
	require.Eventually(t, func() bool { return s.Result() != nil }, 2*time.Second, time.Millisecond)
	assert.Equal(t, StateActive, s.State())
}

func TestCameraFrameErrorsCountAsTickErrors(t *testing.T) {
	backend := newFakeBackend()
	s, _ := newCamera(t, backend, &fakeSource{frameErr: errors.New("device unplugged")})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		_, failed := s.Ticks()
		return failed >= 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(0), backend.calls.Load())
}

func TestCameraResultAfterStopStillApplies(t *testing.T) {
	backend := newFakeBackend()
	backend.gate = make(chan struct{})
	s, _ := newCamera(t, backend, &fakeSource{})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return backend.calls.Load() >= 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, s.Stop())
	assert.Nil(t, s.Result())

	close(backend.gate)
	s.Wait()
	assert.NotNil(t, s.Result())
	assert.Equal(t, StateIdle, s.State())
}

func TestCameraCloseRunsOnceAndDropsResults(t *testing.T) {
	backend := newFakeBackend()
	backend.gate = make(chan struct{})
	source := &fakeSource{}
	s, rec := newCamera(t, backend, source)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return backend.calls.Load() >= 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	close(backend.gate)
	s.Wait()

	assert.Nil(t, s.Result())
	assert.Equal(t, 0, rec.count(EventResult))
	assert.Equal(t, 1, rec.count(EventClosed))
	assert.Equal(t, int32(1), source.lastStream().closes.Load())
	assert.ErrorIs(t, s.Start(context.Background()), ErrClosed)
}
