package session

import (
	"context"
	"fmt"
	"io"
	"time"

	"helmdect/internal/compliance"
	"helmdect/internal/detection"
)

// Modality is the kind of media a session works on
type Modality string

const (
	ModalityImage  Modality = "image"
	ModalityVideo  Modality = "video"
	ModalityCamera Modality = "camera"
)

// ParseModality validates a modality name
func ParseModality(s string) (Modality, error) {
	switch m := Modality(s); m {
	case ModalityImage, ModalityVideo, ModalityCamera:
		return m, nil
	}
	return "", &ValidationError{Field: "modality", Reason: fmt.Sprintf("unknown modality %q", s)}
}

// State is a session lifecycle state
type State string

const (
	// Upload sessions (image, video)
	StateEmpty      State = "empty"
	StateLoaded     State = "loaded"
	StateSubmitting State = "submitting"
	StateResult     State = "result"
	StateFailed     State = "failed"

	// Camera sessions
	StateIdle   State = "idle"
	StateActive State = "active"
)

// Backend is the remote detection service
type Backend interface {
	SubmitImage(ctx context.Context, encodedImage string, confidenceThreshold float64) (*compliance.DetectionResult, error)
	SubmitVideo(ctx context.Context, video detection.VideoUpload, confidenceThreshold float64, sampleRate int) (*compliance.DetectionResult, error)
	FetchMedia(ctx context.Context, path string) (io.ReadCloser, string, error)
}

// Session is the behavior shared by every modality
type Session interface {
	ID() string
	Modality() Modality
	CreatedAt() time.Time
	Snapshot() Snapshot
	SetConfidence(v float64)

	// Close tears the session down. Only the first call has an effect.
	Close() error
}

// Snapshot is a point-in-time view of a session
type Snapshot struct {
	ID                  string                      `json:"id"`
	Modality            Modality                    `json:"modality"`
	State               State                       `json:"state"`
	ConfidenceThreshold float64                     `json:"confidence_threshold"`
	SampleRate          *int                        `json:"sample_rate,omitempty"`
	Media               string                      `json:"media,omitempty"` // Name of the loaded payload
	Result              *compliance.DetectionResult `json:"result,omitempty"`
	Stats               *compliance.DisplayStats    `json:"stats,omitempty"`
	Assessment          *compliance.Assessment      `json:"assessment,omitempty"`
	TierInfo            *compliance.TierInfo        `json:"tier_info,omitempty"`
	Error               string                      `json:"error,omitempty"`
	Ticks               uint64                      `json:"ticks,omitempty"`
	TickErrors          uint64                      `json:"tick_errors,omitempty"`
	CreatedAt           time.Time                   `json:"created_at"`
	UpdatedAt           time.Time                   `json:"updated_at"`
}

func (s *Snapshot) setReport(report *compliance.Report) {
	if report == nil {
		return
	}
	stats := report.Stats
	assessment := report.Assessment
	info := report.TierInfo
	s.Stats = &stats
	s.Assessment = &assessment
	s.TierInfo = &info
}

func newReport(result *compliance.DetectionResult) *compliance.Report {
	if result == nil {
		return nil
	}
	report := compliance.Assess(*result)
	return &report
}
