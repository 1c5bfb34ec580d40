package detection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helmdect/internal/compliance"
)

const imageResponse = `{
	"with_helmet": 2,
	"no_helmet": 1,
	"motorcycle": 3,
	"details": [
		{"class": "with_helmet", "confidence": "91.25%"},
		{"class": "no_helmet", "confidence": 0.64, "bbox": [10, 20, 110, 220]},
		{"class": "pedestrian", "confidence": "50.00%"}
	],
	"processed_image": "data:image/jpeg;base64,AAAA",
	"extra_field": {"ignored": true}
}`

func TestSubmitImage(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/detect-image", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, imageResponse)
	}))
	defer srv.Close()

	var observed []string
	c := NewClient(Config{BaseURL: srv.URL + "/"})
	c.SetObserver(func(op string, took time.Duration, err error) {
		observed = append(observed, op)
		assert.NoError(t, err)
	})

	result, err := c.SubmitImage(context.Background(), "data:image/jpeg;base64,/9j/", 0.35)
	require.NoError(t, err)

	assert.Equal(t, "data:image/jpeg;base64,/9j/", got["image"])
	assert.Equal(t, 0.35, got["confidence_threshold"])

	assert.Equal(t, uint(2), result.WithHelmetCount)
	assert.Equal(t, uint(1), result.NoHelmetCount)
	assert.Equal(t, uint(3), result.MotorcycleCount)
	require.Len(t, result.Detections, 2)
	assert.Equal(t, compliance.ClassWithHelmet, result.Detections[0].Class)
	assert.InDelta(t, 0.9125, result.Detections[0].Confidence, 1e-9)
	assert.Nil(t, result.Detections[0].BoundingBox)
	require.NotNil(t, result.Detections[1].BoundingBox)
	assert.Equal(t, compliance.BoundingBox{X: 10, Y: 20, Width: 100, Height: 200}, *result.Detections[1].BoundingBox)

	require.NotNil(t, result.AnnotatedMedia)
	assert.Equal(t, compliance.MediaImage, result.AnnotatedMedia.Kind)
	assert.Equal(t, "data:image/jpeg;base64,AAAA", result.AnnotatedMedia.DataURL)
	assert.Nil(t, result.Video)
	assert.Equal(t, []string{"detect image"}, observed)
}

func TestSubmitVideo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/detect-video", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "0.6", r.FormValue("confidence_threshold"))
		assert.Equal(t, "4", r.FormValue("sample_rate"))

		f, header, err := r.FormFile("video")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "clip.mp4", header.Filename)
		assert.Equal(t, []byte("fake-mp4"), data)

		io.WriteString(w, `{
			"with_helmet": 5, "no_helmet": 0, "motorcycle": 2,
			"details": [{"class": "motorcycle", "confidence": "70.00%", "frame": 12}],
			"preview_image": "data:image/jpeg;base64,BBBB",
			"video_path": "/api/video/video_abc.mp4",
			"total_frames": 300, "processed_frames": 60, "ffmpeg_converted": true
		}`)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	result, err := c.SubmitVideo(context.Background(), VideoUpload{Filename: "clip.mp4", Data: []byte("fake-mp4")}, 0.6, 4)
	require.NoError(t, err)

	require.NotNil(t, result.Video)
	assert.Equal(t, compliance.VideoMeta{TotalFrames: 300, ProcessedFrames: 60, Transcoded: true}, *result.Video)
	require.NotNil(t, result.AnnotatedMedia)
	assert.Equal(t, compliance.MediaVideo, result.AnnotatedMedia.Kind)
	assert.Equal(t, "/api/video/video_abc.mp4", result.AnnotatedMedia.Path)
	assert.Equal(t, "data:image/jpeg;base64,BBBB", result.AnnotatedMedia.PreviewDataURL)
	require.Len(t, result.Detections, 1)
	require.NotNil(t, result.Detections[0].FrameIndex)
	assert.Equal(t, 12, *result.Detections[0].FrameIndex)
}

func TestBackendErrorCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error": "Failed to decode image"}`)
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL}).SubmitImage(context.Background(), "garbage", 0.5)
	require.Error(t, err)

	var be *BackendError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, http.StatusBadRequest, be.StatusCode)

	msg, ok := BackendMessage(err)
	assert.True(t, ok)
	assert.Equal(t, "Failed to decode image", msg)
	assert.False(t, IsTransport(err))
}

func TestBackendErrorWithoutMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "<html>bad gateway</html>", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL}).SubmitImage(context.Background(), "x", 0.5)
	_, ok := BackendMessage(err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "502")
}

func TestTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(Config{BaseURL: url, Timeout: time.Second}).SubmitImage(context.Background(), "x", 0.5)
	require.Error(t, err)
	assert.True(t, IsTransport(err))

	garbled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not json")
	}))
	defer garbled.Close()

	_, err = NewClient(Config{BaseURL: garbled.URL}).SubmitImage(context.Background(), "x", 0.5)
	assert.True(t, IsTransport(err))
}

func TestFetchMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/video/ok.mp4" {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"error": "Video not found"}`)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		io.WriteString(w, "mp4-bytes")
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	body, contentType, err := c.FetchMedia(context.Background(), "/api/video/ok.mp4")
	require.NoError(t, err)
	defer body.Close()
	data, _ := io.ReadAll(body)
	assert.Equal(t, "mp4-bytes", string(data))
	assert.Equal(t, "video/mp4", contentType)

	_, _, err = c.FetchMedia(context.Background(), "api/video/missing.mp4")
	msg, ok := BackendMessage(err)
	assert.True(t, ok)
	assert.Equal(t, "Video not found", msg)
}

func TestHealthIsCached(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			calls.Add(1)
			io.WriteString(w, `{"status": "ok", "model_loaded": true, "ffmpeg_available": false}`)
		case "/api/models":
			io.WriteString(w, `{"models": [{"name": "helmet_balanced", "path": "best.pt", "status": "loaded"}]}`)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	assert.True(t, c.IsHealthy(context.Background()))
	assert.True(t, c.IsHealthy(context.Background()))
	assert.Equal(t, int32(1), calls.Load())

	models, err := c.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "helmet_balanced", models[0].Name)
}

func TestMediaURL(t *testing.T) {
	c := NewClientWithDoer("http://backend:5000/", http.DefaultClient)
	assert.Equal(t, "http://backend:5000/api/video/a.mp4", c.MediaURL("/api/video/a.mp4"))
	assert.Equal(t, "http://backend:5000/api/video/a.mp4", c.MediaURL("api/video/a.mp4"))
	assert.Equal(t, "https://cdn/x.mp4", c.MediaURL("https://cdn/x.mp4"))
}

func TestConfidenceDecoding(t *testing.T) {
	tests := map[string]float64{
		`"87.50%"`: 0.875,
		`0.42`:     0.42,
		`"0.3"`:    0.3,
		`"bogus"`:  0,
		`null`:     0,
		`7`:        1,
	}
	for raw, want := range tests {
		var c confidence
		require.NoError(t, json.Unmarshal([]byte(raw), &c), raw)
		assert.InDelta(t, want, float64(c), 1e-9, raw)
	}
}
