package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"helmdect/internal/compliance"
	"helmdect/internal/session"
)

type fakeSender struct {
	mu       sync.Mutex
	messages []string
	photos   [][]byte
}

func (s *fakeSender) SendMessage(ctx context.Context, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
	return nil
}

func (s *fakeSender) SendPhoto(ctx context.Context, photoData []byte, caption string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.photos = append(s.photos, photoData)
	s.messages = append(s.messages, caption)
	return nil
}

func resultEvent(id string, modality session.Modality, w, n uint, at time.Time) session.Event {
	result := &compliance.DetectionResult{WithHelmetCount: w, NoHelmetCount: n}
	report := compliance.Assess(*result)
	return session.Event{
		Kind:      session.EventResult,
		SessionID: id,
		Modality:  modality,
		Result:    result,
		Report:    &report,
		Timestamp: at,
	}
}

func TestNotifierAlertsOnCriticalCameraTicks(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, time.Minute, zap.NewNop())
	now := time.Now()

	n.OnSessionEvent(resultEvent("cam", session.ModalityCamera, 9, 1, now)) // good
	n.OnSessionEvent(resultEvent("img", session.ModalityImage, 0, 4, now))  // not a camera
	n.OnSessionEvent(resultEvent("cam", session.ModalityCamera, 1, 3, now)) // critical

	// Still cooling down
	n.OnSessionEvent(resultEvent("cam", session.ModalityCamera, 0, 3, now.Add(time.Second)))
	n.Wait()

	require.Len(t, sender.messages, 1)
	assert.Contains(t, sender.messages[0], "CRITICAL")
	assert.Contains(t, sender.messages[0], "Session: cam")
	assert.Contains(t, sender.messages[0], "Compliance: 25%")

	n.OnSessionEvent(resultEvent("cam", session.ModalityCamera, 0, 3, now.Add(2*time.Minute)))
	n.Wait()
	assert.Len(t, sender.messages, 2)

	// Closing forgets the cooldown
	n.OnSessionEvent(session.Event{Kind: session.EventClosed, SessionID: "cam"})
	n.OnSessionEvent(resultEvent("cam", session.ModalityCamera, 0, 3, now.Add(2*time.Minute+time.Second)))
	n.Wait()
	assert.Len(t, sender.messages, 3)
}

func TestNotifierSendsAnnotatedPhoto(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, 0, zap.NewNop())

	ev := resultEvent("cam", session.ModalityCamera, 0, 2, time.Now())
	ev.Result.AnnotatedMedia = &compliance.MediaRef{Kind: compliance.MediaImage, DataURL: "data:image/jpeg;base64,aGVsbWV0"}
	n.OnSessionEvent(ev)
	n.Wait()

	require.Len(t, sender.photos, 1)
	assert.Equal(t, []byte("helmet"), sender.photos[0])
}

func TestBotSendsMessage(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken/sendMessage", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		io.WriteString(w, `{"ok": true, "result": {}}`)
	}))
	defer srv.Close()

	bot := NewBot(Config{BotToken: "token", ChatID: "42", APIBase: srv.URL})
	require.NoError(t, bot.SendMessage(context.Background(), "hi"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "HTML", got["parse_mode"])
}

func TestBotReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "42", r.FormValue("chat_id"))
		io.WriteString(w, `{"ok": false, "error_code": 400, "description": "Bad Request: chat not found"}`)
	}))
	defer srv.Close()

	bot := NewBot(Config{BotToken: "token", ChatID: "42", APIBase: srv.URL})
	err := bot.SendPhoto(context.Background(), []byte("jpeg"), "caption")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestValidateConfig(t *testing.T) {
	assert.NoError(t, ValidateConfig(Config{}))
	assert.Error(t, ValidateConfig(Config{Enabled: true, ChatID: "1"}))
	assert.Error(t, ValidateConfig(Config{Enabled: true, BotToken: "t"}))
	assert.Error(t, ValidateConfig(Config{CooldownSeconds: -1}))
}
