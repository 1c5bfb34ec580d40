package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	goahttp "goa.design/goa/v3/http"

	"helmdect/internal/compliance"
)

const (
	imageEndpoint  = "/api/detect-image"
	videoEndpoint  = "/api/detect-video"
	healthEndpoint = "/health"
	modelsEndpoint = "/api/models"

	healthCacheTTL = 30 * time.Second
)

// Client talks to the remote helmet detection service
type Client struct {
	baseURL     string
	doer        goahttp.Doer
	observe     func(op string, took time.Duration, err error)
	healthCheck time.Time
	mu          sync.RWMutex
}

// Config holds configuration for the client
type Config struct {
	BaseURL string
	Timeout time.Duration
	Debug   bool // Wrap the HTTP client in a goa debug doer
}

// VideoUpload is the video payload sent as a multipart file part
type VideoUpload struct {
	Filename string
	Data     []byte
}

// HealthStatus represents the backend health response
type HealthStatus struct {
	Status          string `json:"status"`
	ModelLoaded     bool   `json:"model_loaded"`
	FFmpegAvailable bool   `json:"ffmpeg_available"`
	ModelPath       string `json:"model_path,omitempty"`
}

// ModelInfo describes a model exposed by the backend
type ModelInfo struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Status string `json:"status"`
}

// NewClient creates a client for the detection service at cfg.BaseURL
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second // Video inference is slow
	}

	var doer goahttp.Doer = &http.Client{Timeout: timeout}
	if cfg.Debug {
		doer = goahttp.NewDebugDoer(doer)
	}
	return NewClientWithDoer(cfg.BaseURL, doer)
}

// NewClientWithDoer creates a client that sends requests through doer
func NewClientWithDoer(baseURL string, doer goahttp.Doer) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		doer:    doer,
	}
}

// BaseURL returns the configured service endpoint
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Doer returns the underlying request doer
func (c *Client) Doer() goahttp.Doer {
	return c.doer
}

// SetObserver registers a hook called after every backend round trip
func (c *Client) SetObserver(fn func(op string, took time.Duration, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observe = fn
}

// MediaURL resolves a backend-relative media path into an absolute URL
func (c *Client) MediaURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// SubmitImage runs detection on a base64 data URL encoded image
func (c *Client) SubmitImage(ctx context.Context, encodedImage string, confidenceThreshold float64) (result *compliance.DetectionResult, err error) {
	const op = "detect image"
	start := time.Now()
	defer func() { c.report(op, start, err) }()

	body, err := json.Marshal(map[string]any{
		"image":                encodedImage,
		"confidence_threshold": confidenceThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode image request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+imageEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build image request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var wire wireResult
	if err := c.do(op, req, &wire); err != nil {
		return nil, err
	}
	return wire.toResult(false), nil
}

// SubmitVideo uploads a video and runs detection on every sampleRate-th frame
func (c *Client) SubmitVideo(ctx context.Context, video VideoUpload, confidenceThreshold float64, sampleRate int) (result *compliance.DetectionResult, err error) {
	const op = "detect video"
	start := time.Now()
	defer func() { c.report(op, start, err) }()

	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	filename := video.Filename
	if filename == "" {
		filename = "video.mp4"
	}
	fw, err := w.CreateFormFile("video", filename)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(video.Data); err != nil {
		return nil, err
	}
	if err := w.WriteField("confidence_threshold", strconv.FormatFloat(confidenceThreshold, 'f', -1, 64)); err != nil {
		return nil, err
	}
	if err := w.WriteField("sample_rate", strconv.Itoa(sampleRate)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+videoEndpoint, &b)
	if err != nil {
		return nil, fmt.Errorf("failed to build video request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var wire wireResult
	if err := c.do(op, req, &wire); err != nil {
		return nil, err
	}
	return wire.toResult(true), nil
}

// FetchMedia streams backend-hosted annotated media. The caller closes the body.
func (c *Client) FetchMedia(ctx context.Context, path string) (io.ReadCloser, string, error) {
	const op = "fetch media"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.MediaURL(path), nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build media request: %w", err)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, "", &TransportError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, "", backendError(op, resp)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	return resp.Body, contentType, nil
}

// Health returns detailed backend health information
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build health request: %w", err)
	}

	var health HealthStatus
	if err := c.do("health", req, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// IsHealthy checks if the backend is up with its model loaded.
// Positive answers are cached for 30 seconds.
func (c *Client) IsHealthy(ctx context.Context) bool {
	c.mu.RLock()
	if time.Since(c.healthCheck) < healthCacheTTL {
		c.mu.RUnlock()
		return true
	}
	c.mu.RUnlock()

	health, err := c.Health(ctx)
	if err != nil || !health.ModelLoaded {
		return false
	}

	c.mu.Lock()
	c.healthCheck = time.Now()
	c.mu.Unlock()
	return true
}

// Models lists the models the backend has available
func (c *Client) Models(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+modelsEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build models request: %w", err)
	}

	var out struct {
		Models []ModelInfo `json:"models"`
	}
	if err := c.do("models", req, &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// do sends req and decodes a successful JSON response into v
func (c *Client) do(op string, req *http.Request, v any) error {
	resp, err := c.doer.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return backendError(op, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func (c *Client) report(op string, start time.Time, err error) {
	c.mu.RLock()
	observe := c.observe
	c.mu.RUnlock()

	if observe != nil {
		observe(op, time.Since(start), err)
	}
}

func backendError(op string, resp *http.Response) *BackendError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var eb errorBody
	message := ""
	if err := json.Unmarshal(body, &eb); err == nil {
		message = eb.Error
		if message == "" {
			message = eb.Message
		}
	}

	return &BackendError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(message),
	}
}
