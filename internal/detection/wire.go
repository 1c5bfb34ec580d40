package detection

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"helmdect/internal/compliance"
)

// confidence accepts both numeric scores and the backend's percent strings ("87.50%")
type confidence float64

func (c *confidence) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*c = 0
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			*c = 0
			return nil
		}
		s = strings.TrimSpace(s)
		percent := strings.HasSuffix(s, "%")
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			*c = 0
			return nil
		}
		if percent {
			v /= 100
		}
		*c = confidence(clampUnit(v))
		return nil
	}

	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		*c = 0
		return nil
	}
	*c = confidence(clampUnit(v))
	return nil
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// wireDetail is one entry of the backend "details" list
type wireDetail struct {
	Class      string     `json:"class"`
	Confidence confidence `json:"confidence"`
	Frame      *int       `json:"frame"`
	BBox       []float64  `json:"bbox"` // [x1, y1, x2, y2]
}

// wireResult is the JSON shape returned by both detection endpoints
type wireResult struct {
	WithHelmet      int          `json:"with_helmet"`
	NoHelmet        int          `json:"no_helmet"`
	Motorcycle      int          `json:"motorcycle"`
	Details         []wireDetail `json:"details"`
	ProcessedImage  string       `json:"processed_image"`
	VideoPath       string       `json:"video_path"`
	PreviewImage    string       `json:"preview_image"`
	TotalFrames     int          `json:"total_frames"`
	ProcessedFrames int          `json:"processed_frames"`
	FFmpegConverted bool         `json:"ffmpeg_converted"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func nonNegative(v int) uint {
	if v < 0 {
		return 0
	}
	return uint(v)
}

// toResult converts the wire shape into the closed record shape.
// Details with unknown classes are dropped.
func (w *wireResult) toResult(video bool) *compliance.DetectionResult {
	result := &compliance.DetectionResult{
		WithHelmetCount: nonNegative(w.WithHelmet),
		NoHelmetCount:   nonNegative(w.NoHelmet),
		MotorcycleCount: nonNegative(w.Motorcycle),
		Detections:      make([]compliance.Detection, 0, len(w.Details)),
	}

	for _, d := range w.Details {
		class, err := compliance.ParseClass(d.Class)
		if err != nil {
			continue
		}
		det := compliance.Detection{
			Class:      class,
			Confidence: float64(d.Confidence),
		}
		if d.Frame != nil && *d.Frame >= 0 {
			frame := *d.Frame
			det.FrameIndex = &frame
		}
		if len(d.BBox) == 4 {
			det.BoundingBox = &compliance.BoundingBox{
				X:      d.BBox[0],
				Y:      d.BBox[1],
				Width:  d.BBox[2] - d.BBox[0],
				Height: d.BBox[3] - d.BBox[1],
			}
		}
		result.Detections = append(result.Detections, det)
	}

	if video {
		result.Video = &compliance.VideoMeta{
			TotalFrames:     nonNegative(w.TotalFrames),
			ProcessedFrames: nonNegative(w.ProcessedFrames),
			Transcoded:      w.FFmpegConverted,
		}
		if w.VideoPath != "" {
			result.AnnotatedMedia = &compliance.MediaRef{
				Kind:           compliance.MediaVideo,
				Path:           w.VideoPath,
				PreviewDataURL: w.PreviewImage,
			}
		}
	} else if w.ProcessedImage != "" {
		result.AnnotatedMedia = &compliance.MediaRef{
			Kind:    compliance.MediaImage,
			DataURL: w.ProcessedImage,
		}
	}

	return result
}
