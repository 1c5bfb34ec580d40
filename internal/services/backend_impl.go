package services

import (
	"context"
	"net/http"

	"go.uber.org/zap"
	goahttp "goa.design/goa/v3/http"

	"helmdect/internal/detection"
)

// BackendInfo exposes the detection backend's own status endpoints
type BackendInfo interface {
	Health(ctx context.Context) (*detection.HealthStatus, error)
	Models(ctx context.Context) ([]detection.ModelInfo, error)
}

// BackendImplementation implements the backend status API
type BackendImplementation struct {
	backend BackendInfo
	onError func(context.Context, http.ResponseWriter, error)

	Mounts []*MountPoint
}

// NewBackendService creates the backend status API
func NewBackendService(backend BackendInfo, logger *zap.Logger) *BackendImplementation {
	return &BackendImplementation{
		backend: backend,
		onError: errorHandler(logger.Named("api")),
	}
}

// Mount registers the backend routes on mux
func (b *BackendImplementation) Mount(mux goahttp.Muxer) {
	handle(mux, &b.Mounts, "Health", "GET", APIPrefix+"/backend/health", b.health)
	handle(mux, &b.Mounts, "Models", "GET", APIPrefix+"/backend/models", b.models)
}

func (b *BackendImplementation) health(w http.ResponseWriter, r *http.Request) {
	status, err := b.backend.Health(r.Context())
	if err != nil {
		b.onError(r.Context(), w, err)
		return
	}
	_ = encode(r.Context(), w, http.StatusOK, status)
}

func (b *BackendImplementation) models(w http.ResponseWriter, r *http.Request) {
	models, err := b.backend.Models(r.Context())
	if err != nil {
		b.onError(r.Context(), w, err)
		return
	}
	if models == nil {
		models = []detection.ModelInfo{}
	}
	_ = encode(r.Context(), w, http.StatusOK, map[string]any{"models": models})
}
