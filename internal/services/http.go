package services

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"
	goahttp "goa.design/goa/v3/http"
	"goa.design/goa/v3/middleware"

	"helmdect/internal/auth"
	"helmdect/internal/camera"
	"helmdect/internal/detection"
	"helmdect/internal/session"
)

// APIPrefix is the path prefix of every REST route
const APIPrefix = "/api/v1"

// MountPoint describes a mounted route
type MountPoint struct {
	Method  string // Name of the service method
	Verb    string
	Pattern string
}

// ErrorBody is the JSON body of every error response
type ErrorBody struct {
	Error       string `json:"error"`
	ID          string `json:"id,omitempty"` // Request id
	FallbackURL string `json:"fallback_url,omitempty"`
}

func handle(mux goahttp.Muxer, mounts *[]*MountPoint, method, verb, pattern string, h http.HandlerFunc) {
	mux.Handle(verb, pattern, h)
	*mounts = append(*mounts, &MountPoint{Method: method, Verb: verb, Pattern: pattern})
}

// encode writes v as the response body with the given status
func encode(ctx context.Context, w http.ResponseWriter, status int, v any) error {
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(status)
	if v == nil {
		return nil
	}
	return enc.Encode(v)
}

// decode reads an optional JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := goahttp.RequestDecoder(r).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return &session.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(middleware.RequestIDKey).(string)
	return id
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	var (
		ce *camera.CaptureError
		be *detection.BackendError
	)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return http.StatusGone
	case errors.Is(err, session.ErrUnsupported), session.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrAuthDisabled):
		return http.StatusUnauthorized
	case errors.As(err, &ce):
		return http.StatusServiceUnavailable
	case errors.As(err, &be), detection.IsTransport(err):
		return http.StatusBadGateway
	default:
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusInternalServerError
	}
}

// errorMessage is the text shown to API clients
func errorMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrSuperseded), errors.Is(err, session.ErrClosed),
		errors.Is(err, session.ErrUnsupported):
		return err.Error()
	case errors.Is(err, auth.ErrInvalidCredentials):
		return "Invalid username or password"
	case errors.Is(err, auth.ErrAuthDisabled):
		return "Authentication is disabled"
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return "upload too large"
	}
	return session.UserMessage(err)
}

// errorHandler returns a function that writes and logs the given error.
// The request id is included so client reports can be correlated.
func errorHandler(logger *zap.Logger) func(context.Context, http.ResponseWriter, error) {
	return func(ctx context.Context, w http.ResponseWriter, err error) {
		status := statusFor(err)
		id := requestID(ctx)
		if status >= http.StatusInternalServerError {
			logger.Error("request failed", zap.String("request_id", id), zap.Int("status", status), zap.Error(err))
		} else {
			logger.Debug("request rejected", zap.String("request_id", id), zap.Int("status", status), zap.Error(err))
		}
		_ = encode(ctx, w, status, &ErrorBody{Error: errorMessage(err), ID: id})
	}
}
