package services

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	goahttp "goa.design/goa/v3/http"

	"helmdect/internal/database"
	"helmdect/internal/session"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// HistoryStore is the read side of the detection history
type HistoryStore interface {
	ListDetections(sessionID string, since *time.Time, limit int) ([]*database.DetectionRecord, error)
	Summarize(since *time.Time) (*database.Summary, error)
}

// HistoryImplementation implements the detection history API
type HistoryImplementation struct {
	store   HistoryStore
	now     func() time.Time
	onError func(context.Context, http.ResponseWriter, error)

	Mounts []*MountPoint
}

// NewHistoryService creates the history API
func NewHistoryService(store HistoryStore, logger *zap.Logger) *HistoryImplementation {
	return &HistoryImplementation{
		store:   store,
		now:     time.Now,
		onError: errorHandler(logger.Named("api")),
	}
}

// Mount registers the history routes on mux
func (h *HistoryImplementation) Mount(mux goahttp.Muxer) {
	handle(mux, &h.Mounts, "List", "GET", APIPrefix+"/history", h.list)
	handle(mux, &h.Mounts, "Summary", "GET", APIPrefix+"/history/summary", h.summary)
}

func (h *HistoryImplementation) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	since, err := parseSince(q.Get("since"), h.now())
	if err != nil {
		h.onError(r.Context(), w, err)
		return
	}

	limit := defaultHistoryLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.onError(r.Context(), w, &session.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := h.store.ListDetections(q.Get("session_id"), since, limit)
	if err != nil {
		h.onError(r.Context(), w, err)
		return
	}
	if records == nil {
		records = []*database.DetectionRecord{}
	}
	_ = encode(r.Context(), w, http.StatusOK, records)
}

func (h *HistoryImplementation) summary(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r.URL.Query().Get("since"), h.now())
	if err != nil {
		h.onError(r.Context(), w, err)
		return
	}

	summary, err := h.store.Summarize(since)
	if err != nil {
		h.onError(r.Context(), w, err)
		return
	}
	_ = encode(r.Context(), w, http.StatusOK, summary)
}

// parseSince accepts an RFC 3339 timestamp or a look-back duration such as "24h"
func parseSince(v string, now time.Time) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		t := now.Add(-d)
		return &t, nil
	}
	return nil, &session.ValidationError{Field: "since", Reason: "expected an RFC 3339 time or a duration"}
}
