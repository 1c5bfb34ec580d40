package telegram

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"helmdect/internal/compliance"
	"helmdect/internal/session"
)

// Sender delivers alerts
type Sender interface {
	SendMessage(ctx context.Context, message string) error
	SendPhoto(ctx context.Context, photoData []byte, caption string) error
}

// Notifier alerts when a live camera session reaches the critical tier.
// At most one alert per session is sent within the cooldown period.
type Notifier struct {
	sender   Sender
	cooldown time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time // session_id -> last alert
	wg       sync.WaitGroup
}

// NewNotifier creates a notifier
func NewNotifier(sender Sender, cooldown time.Duration, logger *zap.Logger) *Notifier {
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Notifier{
		sender:   sender,
		cooldown: cooldown,
		logger:   logger.Named("telegram"),
		lastSent: make(map[string]time.Time),
	}
}

// OnSessionEvent implements session.Handler
func (n *Notifier) OnSessionEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventClosed:
		n.mu.Lock()
		delete(n.lastSent, ev.SessionID)
		n.mu.Unlock()
		return
	case session.EventResult:
	default:
		return
	}

	if ev.Modality != session.ModalityCamera || ev.Report == nil ||
		ev.Report.Assessment.Tier.Severity() < compliance.TierCritical.Severity() {
		return
	}

	if !n.claim(ev.SessionID, ev.Timestamp) {
		return
	}

	caption := formatAlert(ev)
	photo := annotatedPhoto(ev.Result)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var err error
		if len(photo) > 0 {
			err = n.sender.SendPhoto(ctx, photo, caption)
		} else {
			err = n.sender.SendMessage(ctx, caption)
		}
		if err != nil {
			n.logger.Warn("failed to send compliance alert", zap.String("session_id", ev.SessionID), zap.Error(err))
		}
	}()
}

// claim reserves the alert slot for a session if the cooldown has elapsed
func (n *Notifier) claim(sessionID string, at time.Time) bool {
	if at.IsZero() {
		at = time.Now()
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if last, ok := n.lastSent[sessionID]; ok && at.Sub(last) < n.cooldown {
		return false
	}
	n.lastSent[sessionID] = at
	return true
}

// Wait blocks until queued alerts have been sent
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func formatAlert(ev session.Event) string {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	zoneName, _ := ts.Zone()
	timestamp := fmt.Sprintf("%s %s", ts.Format("2 Jan 2006, 15:04:05"), zoneName)

	a := ev.Report.Assessment
	rate := "n/a"
	if a.Rate != nil {
		rate = fmt.Sprintf("%.0f%%", *a.Rate)
	}
	info := a.Info()

	return fmt.Sprintf(
		"%s <b>%s</b>\n\n"+
			"%s\n\n"+
			"📹 Session: %s\n"+
			"🪖 With helmet: %d\n"+
			"⚠️ Without helmet: %d\n"+
			"📉 Compliance: %s\n"+
			"🕐 Time: %s",
		info.Icon, info.Title,
		info.Message,
		ev.SessionID,
		ev.Report.Stats.WithHelmet,
		ev.Report.Stats.NoHelmet,
		rate,
		timestamp,
	)
}

// annotatedPhoto decodes the annotated image carried by a result, if any
func annotatedPhoto(result *compliance.DetectionResult) []byte {
	if result == nil || result.AnnotatedMedia == nil {
		return nil
	}

	dataURL := result.AnnotatedMedia.DataURL
	if dataURL == "" {
		dataURL = result.AnnotatedMedia.PreviewDataURL
	}
	_, encoded, ok := strings.Cut(dataURL, ";base64,")
	if !ok {
		return nil
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}
	return data
}
