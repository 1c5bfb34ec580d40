package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"helmdect/internal/camera"
)

// ManagerConfig holds the defaults applied to new sessions
type ManagerConfig struct {
	Source            camera.Source
	Hint              camera.Hint
	CaptureInterval   time.Duration
	DefaultConfidence float64
	DefaultSampleRate int
}

// Manager owns every open session, keyed by id
type Manager struct {
	backend Backend
	config  ManagerConfig
	bus     *EventBus
	logger  *zap.Logger

	sessions map[string]Session
	mu       sync.RWMutex
}

// NewManager creates a session manager
func NewManager(backend Backend, config ManagerConfig, bus *EventBus, logger *zap.Logger) *Manager {
	if config.DefaultConfidence == 0 {
		config.DefaultConfidence = DefaultConfidence
	}
	if config.DefaultSampleRate == 0 {
		config.DefaultSampleRate = DefaultSampleRate
	}
	if config.CaptureInterval <= 0 {
		config.CaptureInterval = DefaultCaptureInterval
	}
	if bus == nil {
		bus = NewEventBus()
	}

	return &Manager{
		backend:  backend,
		config:   config,
		bus:      bus,
		logger:   logger.Named("session"),
		sessions: make(map[string]Session),
	}
}

// Bus returns the event bus sessions publish on
func (m *Manager) Bus() *EventBus {
	return m.bus
}

// Create opens a new session for modality
func (m *Manager) Create(modality Modality) (Session, error) {
	id := uuid.New().String()

	var s Session
	switch modality {
	case ModalityImage:
		s = NewImageSession(id, m.backend, m.config.DefaultConfidence, m.bus, m.logger)
	case ModalityVideo:
		s = NewVideoSession(id, m.backend, m.config.DefaultConfidence, m.config.DefaultSampleRate, m.bus, m.logger)
	case ModalityCamera:
		s = NewCameraSession(id, m.backend, CameraOptions{
			Source:     m.config.Source,
			Hint:       m.config.Hint,
			Interval:   m.config.CaptureInterval,
			Confidence: m.config.DefaultConfidence,
		}, m.bus, m.logger)
	default:
		_, err := ParseModality(string(modality))
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Info("session created", zap.String("session_id", id), zap.String("modality", string(modality)))

	snap := s.Snapshot()
	m.bus.Publish(Event{
		Kind:      EventState,
		SessionID: id,
		Modality:  modality,
		State:     snap.State,
		Timestamp: snap.UpdatedAt,
	})
	return s, nil
}

// Get returns an open session
func (m *Manager) Get(id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns open sessions, oldest first
func (m *Manager) List() []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt().Equal(out[j].CreatedAt()) {
			return out[i].ID() < out[j].ID()
		}
		return out[i].CreatedAt().Before(out[j].CreatedAt())
	})
	return out
}

// Count returns the number of open sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close tears down a session and forgets it
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	m.logger.Info("session closed", zap.String("session_id", id))
	return s.Close()
}

// CloseAll tears down every session, used on shutdown
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]Session)
	m.mu.Unlock()

	for id, s := range sessions {
		if err := s.Close(); err != nil {
			m.logger.Warn("failed to close session", zap.String("session_id", id), zap.Error(err))
		}
	}
}
