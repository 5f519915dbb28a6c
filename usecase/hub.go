package usecase

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kavos113/ctf-instancer/domain"
)

type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Notice struct {
	Contents string
	Severity Severity
}

// Update is a single event pushed to a dashboard session: either an instance
// state change or an ad hoc notice.
type Update struct {
	ChallengeID string
	State       domain.InstanceState
	Details     string
	StopTime    *time.Time
	Notice      *Notice
}

const sessionBuffer = 32

type hubSession struct {
	id     string
	userID string
	ch     chan Update
}

// Hub fans state changes out to live dashboard sessions. Sends never block
// the dispatcher: a session whose buffer is full is evicted and must
// resynchronize with a fresh listing on reconnect.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*hubSession
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]*hubSession),
		logger:   logger,
	}
}

// Subscribe registers a session. The returned channel is closed when the
// session is evicted; the cancel func must be called on disconnect.
func (h *Hub) Subscribe(sessionID, userID string) (<-chan Update, func()) {
	s := &hubSession{
		id:     sessionID,
		userID: userID,
		ch:     make(chan Update, sessionBuffer),
	}

	h.mu.Lock()
	h.sessions[sessionID] = s
	h.mu.Unlock()

	return s.ch, func() { h.drop(sessionID) }
}

func (h *Hub) drop(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.sessions[sessionID]; ok {
		delete(h.sessions, sessionID)
		close(s.ch)
	}
}

// StateChange pushes one event to every session of the affected user.
func (h *Hub) StateChange(userID, challengeID string, state domain.InstanceState, details string, stopTime *time.Time) {
	h.publish(userID, Update{
		ChallengeID: challengeID,
		State:       state,
		Details:     details,
		StopTime:    stopTime,
	})
}

// NotifyUser sends a notice to every session of the user.
func (h *Hub) NotifyUser(userID string, contents string, severity Severity) {
	h.publish(userID, Update{Notice: &Notice{Contents: contents, Severity: severity}})
}

// NotifySession sends a notice to the originating session only.
func (h *Hub) NotifySession(sessionID string, contents string, severity Severity) {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.send(s, Update{Notice: &Notice{Contents: contents, Severity: severity}})
}

func (h *Hub) publish(userID string, update Update) {
	h.mu.RLock()
	targets := make([]*hubSession, 0, 2)
	for _, s := range h.sessions {
		if s.userID == userID {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		h.send(s, update)
	}
}

// send is non-blocking and holds the lock so that eviction (the only close)
// cannot race a concurrent send on the same channel.
func (h *Hub) send(s *hubSession, update Update) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[s.id]; !ok {
		return
	}

	select {
	case s.ch <- update:
	default:
		// Session cannot keep up; disconnect it rather than stall the
		// dispatcher.
		h.logger.Warn("evicting slow session", slog.String("session_id", s.id), slog.String("user_id", s.userID))
		delete(h.sessions, s.id)
		close(s.ch)
	}
}
