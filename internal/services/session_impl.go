package services

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"go.uber.org/zap"
	goahttp "goa.design/goa/v3/http"

	"helmdect/internal/camera"
	"helmdect/internal/session"
)

// SessionManager is the part of the session manager the API needs
type SessionManager interface {
	Create(modality session.Modality) (session.Session, error)
	Get(id string) (session.Session, error)
	List() []session.Session
	Close(id string) error
}

// MediaResolver turns a backend media path into a URL clients can open directly
type MediaResolver interface {
	MediaURL(path string) string
}

// CreatePayload is the body of POST /sessions
type CreatePayload struct {
	Modality string `json:"modality"`
}

// ImagePayload is the JSON body of an image input
type ImagePayload struct {
	Image string `json:"image"` // Data URL
	Name  string `json:"name,omitempty"`
}

// SettingsPayload carries the optional per-session parameters
type SettingsPayload struct {
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	SampleRate          *int     `json:"sample_rate,omitempty"`
}

// SessionImplementation implements the session API
type SessionImplementation struct {
	manager   SessionManager
	media     MediaResolver
	maxUpload int64
	logger    *zap.Logger
	mux       goahttp.Muxer
	onError   func(context.Context, http.ResponseWriter, error)

	Mounts []*MountPoint
}

// NewSessionService creates the session API. maxUpload bounds input bodies.
func NewSessionService(manager SessionManager, media MediaResolver, maxUpload int64, logger *zap.Logger) *SessionImplementation {
	logger = logger.Named("api")
	return &SessionImplementation{
		manager:   manager,
		media:     media,
		maxUpload: maxUpload,
		logger:    logger,
		onError:   errorHandler(logger),
	}
}

// Mount registers the session routes on mux
func (s *SessionImplementation) Mount(mux goahttp.Muxer) {
	s.mux = mux
	base := APIPrefix + "/sessions"
	handle(mux, &s.Mounts, "Create", "POST", base, s.create)
	handle(mux, &s.Mounts, "List", "GET", base, s.list)
	handle(mux, &s.Mounts, "Get", "GET", base+"/{id}", s.withSession(s.get))
	handle(mux, &s.Mounts, "Delete", "DELETE", base+"/{id}", s.delete)
	handle(mux, &s.Mounts, "Input", "POST", base+"/{id}/input", s.withSession(s.input))
	handle(mux, &s.Mounts, "Detect", "POST", base+"/{id}/detect", s.withSession(s.detect))
	handle(mux, &s.Mounts, "Clear", "POST", base+"/{id}/clear", s.withSession(s.clear))
	handle(mux, &s.Mounts, "Start", "POST", base+"/{id}/start", s.withSession(s.start))
	handle(mux, &s.Mounts, "Stop", "POST", base+"/{id}/stop", s.withSession(s.stop))
	handle(mux, &s.Mounts, "Settings", "PUT", base+"/{id}/settings", s.withSession(s.settings))
	handle(mux, &s.Mounts, "Media", "GET", base+"/{id}/media", s.withSession(s.fetchMedia))
}

func (s *SessionImplementation) withSession(h func(http.ResponseWriter, *http.Request, session.Session) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.manager.Get(s.mux.Vars(r)["id"])
		if err == nil {
			err = h(w, r, sess)
		}
		if err != nil {
			s.onError(r.Context(), w, err)
		}
	}
}

func (s *SessionImplementation) create(w http.ResponseWriter, r *http.Request) {
	var p CreatePayload
	err := decode(r, &p)
	if err == nil {
		var modality session.Modality
		if modality, err = session.ParseModality(p.Modality); err == nil {
			var sess session.Session
			if sess, err = s.manager.Create(modality); err == nil {
				_ = encode(r.Context(), w, http.StatusCreated, sess.Snapshot())
				return
			}
		}
	}
	s.onError(r.Context(), w, err)
}

func (s *SessionImplementation) list(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.List()
	snaps := make([]session.Snapshot, len(sessions))
	for i, sess := range sessions {
		snaps[i] = sess.Snapshot()
	}
	_ = encode(r.Context(), w, http.StatusOK, snaps)
}

func (s *SessionImplementation) get(w http.ResponseWriter, r *http.Request, sess session.Session) error {
	return encode(r.Context(), w, http.StatusOK, sess.Snapshot())
}

func (s *SessionImplementation) delete(w http.ResponseWriter, r *http.Request) {
	err := s.manager.Close(s.mux.Vars(r)["id"])
	if errors.Is(err, session.ErrNotFound) {
		s.onError(r.Context(), w, err)
		return
	}
	if err != nil {
		// The session is gone either way, a failed stream release is only logged
		s.logger.Warn("session teardown reported an error", zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

// input loads the payload: a data URL or multipart "file" for images, a
// multipart "video" for videos
func (s *SessionImplementation) input(w http.ResponseWriter, r *http.Request, sess session.Session) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)

	switch sess := sess.(type) {
	case *session.ImageSession:
		name, dataURL, err := s.readImage(r)
		if err != nil {
			return err
		}
		if err := sess.Select(name, dataURL); err != nil {
			return err
		}
		return encode(r.Context(), w, http.StatusOK, sess.Snapshot())

	case *session.VideoSession:
		filename, data, err := readPart(r, "video")
		if err != nil {
			return err
		}
		if err := sess.Select(filename, data); err != nil {
			return err
		}
		return encode(r.Context(), w, http.StatusOK, sess.Snapshot())
	}
	return session.ErrUnsupported
}

func (s *SessionImplementation) readImage(r *http.Request) (string, string, error) {
	if isMultipart(r) {
		filename, data, err := readPart(r, "file")
		if err != nil {
			return "", "", err
		}
		contentType := http.DetectContentType(data)
		if !strings.HasPrefix(contentType, "image/") {
			return "", "", &session.ValidationError{Field: "file", Reason: "not an image (" + contentType + ")"}
		}
		return filename, camera.DataURL(contentType, data), nil
	}

	var p ImagePayload
	if err := decode(r, &p); err != nil {
		return "", "", err
	}
	name := p.Name
	if name == "" {
		name = "image"
	}
	return name, p.Image, nil
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}

func readPart(r *http.Request, field string) (string, []byte, error) {
	if !isMultipart(r) {
		return "", nil, &session.ValidationError{Field: field, Reason: "expected a multipart upload"}
	}
	file, header, err := r.FormFile(field)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return "", nil, err
		}
		return "", nil, &session.ValidationError{Field: field, Reason: "missing file"}
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return "", nil, err
	}
	return header.Filename, data, nil
}

func applySettings(sess session.Session, p SettingsPayload) error {
	if p.SampleRate != nil {
		video, ok := sess.(*session.VideoSession)
		if !ok {
			return session.ErrUnsupported
		}
		video.SetSampleRate(*p.SampleRate)
	}
	if p.ConfidenceThreshold != nil {
		sess.SetConfidence(*p.ConfidenceThreshold)
	}
	return nil
}

// detect runs one submission and answers with the resulting snapshot.
// Backend failures are part of the snapshot, only rejected requests are errors.
func (s *SessionImplementation) detect(w http.ResponseWriter, r *http.Request, sess session.Session) error {
	var p SettingsPayload
	if err := decode(r, &p); err != nil {
		return err
	}
	if err := applySettings(sess, p); err != nil {
		return err
	}

	type detector interface {
		Detect(ctx context.Context) error
	}
	d, ok := sess.(detector)
	if !ok {
		return session.ErrUnsupported
	}

	// The submission outlives a client that goes away, its result stays
	// on the session
	err := d.Detect(context.WithoutCancel(r.Context()))
	switch {
	case err == nil:
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrClosed),
		errors.Is(err, session.ErrSuperseded), session.IsValidation(err):
		return err
	}
	return encode(r.Context(), w, http.StatusOK, sess.Snapshot())
}

func (s *SessionImplementation) clear(w http.ResponseWriter, r *http.Request, sess session.Session) error {
	type clearer interface {
		Clear() error
	}
	c, ok := sess.(clearer)
	if !ok {
		return session.ErrUnsupported
	}
	if err := c.Clear(); err != nil {
		return err
	}
	return encode(r.Context(), w, http.StatusOK, sess.Snapshot())
}

func (s *SessionImplementation) start(w http.ResponseWriter, r *http.Request, sess session.Session) error {
	cam, ok := sess.(*session.CameraSession)
	if !ok {
		return session.ErrUnsupported
	}
	if err := cam.Start(r.Context()); err != nil {
		return err
	}
	return encode(r.Context(), w, http.StatusOK, cam.Snapshot())
}

func (s *SessionImplementation) stop(w http.ResponseWriter, r *http.Request, sess session.Session) error {
	cam, ok := sess.(*session.CameraSession)
	if !ok {
		return session.ErrUnsupported
	}
	if err := cam.Stop(); err != nil {
		s.logger.Warn("camera stop reported an error", zap.String("session_id", cam.ID()), zap.Error(err))
	}
	return encode(r.Context(), w, http.StatusOK, cam.Snapshot())
}

func (s *SessionImplementation) settings(w http.ResponseWriter, r *http.Request, sess session.Session) error {
	var p SettingsPayload
	if err := decode(r, &p); err != nil {
		return err
	}
	if err := applySettings(sess, p); err != nil {
		return err
	}
	return encode(r.Context(), w, http.StatusOK, sess.Snapshot())
}

// fetchMedia proxies the annotated video. When the backend cannot serve it
// the client gets a direct URL to try instead.
func (s *SessionImplementation) fetchMedia(w http.ResponseWriter, r *http.Request, sess session.Session) error {
	video, ok := sess.(*session.VideoSession)
	if !ok {
		return session.ErrUnsupported
	}
	path, ok := video.MediaPath()
	if !ok {
		return encode(r.Context(), w, http.StatusNotFound, &ErrorBody{
			Error: "no annotated video available",
			ID:    requestID(r.Context()),
		})
	}

	body, contentType, err := video.FetchMedia(r.Context())
	if err != nil {
		fallback := path
		if s.media != nil {
			fallback = s.media.MediaURL(path)
		}
		return encode(r.Context(), w, http.StatusBadGateway, &ErrorBody{
			Error:       "Failed to load annotated video",
			ID:          requestID(r.Context()),
			FallbackURL: fallback,
		})
	}
	defer body.Close()

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Debug("media proxy interrupted", zap.Error(err))
	}
	return nil
}
