package compliance

import (
	"encoding/json"
	"fmt"
)

// DetectionClass identifies what the backend recognized
type DetectionClass string

const (
	ClassWithHelmet DetectionClass = "with_helmet"
	ClassNoHelmet   DetectionClass = "no_helmet"
	ClassMotorcycle DetectionClass = "motorcycle"
)

// Valid reports whether c is one of the known classes
func (c DetectionClass) Valid() bool {
	switch c {
	case ClassWithHelmet, ClassNoHelmet, ClassMotorcycle:
		return true
	}
	return false
}

// ParseClass converts a backend class label into a DetectionClass
func ParseClass(s string) (DetectionClass, error) {
	c := DetectionClass(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown detection class %q", s)
	}
	return c, nil
}

// BoundingBox is a detection box in pixel coordinates
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection represents one recognized object instance
type Detection struct {
	Class       DetectionClass `json:"class"`
	Confidence  float64        `json:"confidence"`            // [0-1]
	FrameIndex  *int           `json:"frame_index,omitempty"` // Video only
	BoundingBox *BoundingBox   `json:"bounding_box,omitempty"`
}

// MediaKind tells whether annotated media is an image or a video
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// MediaRef points at annotated media produced by the backend.
// Images arrive inline as data URLs, videos are hosted by the backend
// and must be fetched separately through Path.
type MediaRef struct {
	Kind           MediaKind `json:"kind"`
	DataURL        string    `json:"data_url,omitempty"`
	Path           string    `json:"path,omitempty"`
	PreviewDataURL string    `json:"preview_data_url,omitempty"`
}

// VideoMeta describes how the backend processed an uploaded video
type VideoMeta struct {
	TotalFrames     uint `json:"total_frames"`
	ProcessedFrames uint `json:"processed_frames"`
	Transcoded      bool `json:"transcoded"`
}

// DetectionResult is the aggregate backend response for one submitted input.
// The counts are authoritative and are never recomputed from Detections.
type DetectionResult struct {
	WithHelmetCount uint        `json:"with_helmet"`
	NoHelmetCount   uint        `json:"no_helmet"`
	MotorcycleCount uint        `json:"motorcycle"`
	Detections      []Detection `json:"detections"`
	AnnotatedMedia  *MediaRef   `json:"annotated_media,omitempty"`
	Video           *VideoMeta  `json:"video,omitempty"`
}

// Tier is a discrete compliance bucket
type Tier string

const (
	TierNoData   Tier = "no_data"
	TierPerfect  Tier = "perfect"
	TierGood     Tier = "good"
	TierModerate Tier = "moderate"
	TierCritical Tier = "critical"
)

// Assessment is derived from a DetectionResult and never persisted with it
type Assessment struct {
	TotalRiders uint     `json:"total_riders"`
	Rate        *float64 `json:"rate"` // nil when there are no riders
	Tier        Tier     `json:"tier"`
}

// HasRate reports whether a compliance rate could be computed
func (a Assessment) HasRate() bool {
	return a.Rate != nil
}

// Info returns the presentation metadata for the assessment tier
func (a Assessment) Info() TierInfo {
	return a.Tier.Info()
}

// DisplayStats are the per-class counters shown next to the detail list.
// ComplianceRate uses all detected objects as denominator, unlike
// Assessment.Rate which only counts riders.
type DisplayStats struct {
	WithHelmet     uint `json:"with_helmet"`
	NoHelmet       uint `json:"no_helmet"`
	Motorcycle     uint `json:"motorcycle"`
	Total          uint `json:"total"`
	ComplianceRate int  `json:"compliance_rate"`
}

// Report bundles everything a presentation layer renders for one result
type Report struct {
	Stats      DisplayStats `json:"stats"`
	Assessment Assessment   `json:"assessment"`
	TierInfo   TierInfo     `json:"tier_info"`
}

// MarshalJSON keeps the tier string stable and rejects unknown tiers
func (t Tier) MarshalJSON() ([]byte, error) {
	if _, ok := tierTable[t]; !ok {
		return nil, fmt.Errorf("unknown tier %q", string(t))
	}
	return json.Marshal(string(t))
}
