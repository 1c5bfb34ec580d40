package services

import (
	"context"
	"net/http"

	"go.uber.org/zap"
	goahttp "goa.design/goa/v3/http"
)

// Prober answers liveness and readiness checks
type Prober interface {
	Healthz(ctx context.Context) error
	Readyz(ctx context.Context) error
}

// HealthImplementation implements the health service
type HealthImplementation struct {
	prober Prober
	logger *zap.Logger

	Mounts []*MountPoint
}

// NewHealthService creates a new health service implementation
func NewHealthService(prober Prober, logger *zap.Logger) *HealthImplementation {
	return &HealthImplementation{prober: prober, logger: logger.Named("health")}
}

// Mount registers the probe routes on mux
func (h *HealthImplementation) Mount(mux goahttp.Muxer) {
	handle(mux, &h.Mounts, "Healthz", "GET", "/healthz", h.probe(h.prober.Healthz))
	handle(mux, &h.Mounts, "Readyz", "GET", "/readyz", h.probe(h.prober.Readyz))
}

func (h *HealthImplementation) probe(check func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := check(r.Context()); err != nil {
			h.logger.Debug("probe failed", zap.String("path", r.URL.Path), zap.Error(err))
			_ = encode(r.Context(), w, http.StatusServiceUnavailable, &ErrorBody{Error: err.Error(), ID: requestID(r.Context())})
			return
		}
		_ = encode(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
