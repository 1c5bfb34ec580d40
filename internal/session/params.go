package session

import (
	"errors"
	"fmt"
	"math"
	"time"

	"helmdect/internal/camera"
	"helmdect/internal/detection"
)

const (
	DefaultConfidence      = 0.5
	DefaultSampleRate      = 5
	DefaultCaptureInterval = 2 * time.Second

	MinSampleRate = 1
	MaxSampleRate = 10

	// GenericFailureMessage is shown when the backend gave no message of its own
	GenericFailureMessage = "Detection failed, please try again"

	// CameraFailureMessage is shown when the capture device could not be opened
	CameraFailureMessage = "Failed to access camera"
)

var (
	// ErrBusy is returned when a detection is requested while one is in flight
	ErrBusy = errors.New("detection already in progress")

	// ErrClosed is returned for operations on a torn-down session
	ErrClosed = errors.New("session is closed")

	// ErrNotFound is returned by the manager for unknown session ids
	ErrNotFound = errors.New("session not found")

	// ErrSuperseded is returned when a response arrived after the session was
	// cleared, given a new payload or closed. The response was dropped.
	ErrSuperseded = errors.New("detection result superseded")

	// ErrUnsupported is returned when an operation does not apply to the modality
	ErrUnsupported = errors.New("operation not supported for this modality")
)

// ValidationError rejects an operation before anything is sent to the backend
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ClampConfidence bounds a confidence threshold to [0,1]
func ClampConfidence(v float64) float64 {
	if math.IsNaN(v) {
		return DefaultConfidence
	}
	return math.Max(0, math.Min(1, v))
}

// ClampSampleRate bounds a video sample rate to [1,10]
func ClampSampleRate(v int) int {
	if v < MinSampleRate {
		return MinSampleRate
	}
	if v > MaxSampleRate {
		return MaxSampleRate
	}
	return v
}

// UserMessage turns a failure into the text shown next to the session
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if msg, ok := detection.BackendMessage(err); ok {
		return msg
	}

	var ce *camera.CaptureError
	if errors.As(err, &ce) {
		return CameraFailureMessage
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Error()
	}
	return GenericFailureMessage
}
