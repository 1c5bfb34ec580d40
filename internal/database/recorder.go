package database

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"helmdect/internal/session"
)

// Recorder writes every applied session result to history off the event path
type Recorder struct {
	db     *Database
	logger *zap.Logger
	queue  chan *DetectionRecord
	wg     sync.WaitGroup
	once   sync.Once
}

// NewRecorder starts a recorder with a bounded write queue
func NewRecorder(db *Database, logger *zap.Logger) *Recorder {
	r := &Recorder{
		db:     db,
		logger: logger.Named("history"),
		queue:  make(chan *DetectionRecord, 256),
	}

	r.wg.Add(1)
	go r.run()
	return r
}

// OnSessionEvent implements session.Handler
func (r *Recorder) OnSessionEvent(ev session.Event) {
	if ev.Kind != session.EventResult || ev.Result == nil || ev.Report == nil {
		return
	}

	rec := &DetectionRecord{
		ID:        uuid.New().String(),
		SessionID: ev.SessionID,
		Modality:  string(ev.Modality),
		Counts: Counts{
			WithHelmet: ev.Result.WithHelmetCount,
			NoHelmet:   ev.Result.NoHelmetCount,
			Motorcycle: ev.Result.MotorcycleCount,
		},
		TotalRiders: ev.Report.Assessment.TotalRiders,
		Rate:        ev.Report.Assessment.Rate,
		Tier:        ev.Report.Assessment.Tier,
		Tick:        ev.Tick,
		CreatedAt:   ev.Timestamp,
	}

	select {
	case r.queue <- rec:
	default:
		r.logger.Warn("history queue full, dropping record", zap.String("session_id", ev.SessionID))
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for rec := range r.queue {
		if err := r.db.SaveDetection(rec); err != nil {
			r.logger.Error("failed to record detection", zap.String("session_id", rec.SessionID), zap.Error(err))
		}
	}
}

// Close flushes queued records. The recorder must be unsubscribed first.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.queue)
		r.wg.Wait()
	})
}

// StartRetention prunes records older than retention now and then every interval
// until ctx is cancelled
func StartRetention(ctx context.Context, db *Database, retention, interval time.Duration, logger *zap.Logger) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}

	prune := func() {
		deleted, err := db.DeleteOldDetections(time.Now().Add(-retention))
		if err != nil {
			logger.Error("failed to prune detection history", zap.Error(err))
			return
		}
		if deleted > 0 {
			logger.Info("pruned detection history", zap.Int64("deleted", deleted))
		}
	}

	prune()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				prune()
			}
		}
	}()
}
