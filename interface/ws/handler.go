package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/kavos113/ctf-instancer/domain"
	"github.com/kavos113/ctf-instancer/usecase"
)

// AttachmentPresigner hands out download URLs for challenge attachments.
// Nil when no attachment bucket is configured.
type AttachmentPresigner interface {
	PresignDownload(ctx context.Context, key string) (string, error)
}

// Handler upgrades dashboard connections and bridges them to the dispatcher:
// actions flow in over the socket, state changes and notices flow back out
// through a hub subscription.
type Handler struct {
	challenges  map[string]*domain.Challenge
	dispatcher  *usecase.Dispatcher
	hub         *usecase.Hub
	sessions    domain.SessionStore
	users       domain.UserRepository
	attachments AttachmentPresigner
	clock       clockwork.Clock
	logger      *slog.Logger
}

func NewHandler(
	challenges map[string]*domain.Challenge,
	dispatcher *usecase.Dispatcher,
	hub *usecase.Hub,
	sessions domain.SessionStore,
	users domain.UserRepository,
	attachments AttachmentPresigner,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		challenges:  challenges,
		dispatcher:  dispatcher,
		hub:         hub,
		sessions:    sessions,
		users:       users,
		attachments: attachments,
		clock:       clock,
		logger:      logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	session, err := h.sessions.FindByToken(ctx, token)
	if errors.Is(err, domain.ErrSessionNotFound) {
		http.Error(w, "invalid session", http.StatusUnauthorized)
		return
	}
	if err != nil {
		h.logger.Error("failed to resolve session", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if h.clock.Now().After(session.ExpiresAt) {
		if err := h.sessions.Delete(ctx, token); err != nil {
			h.logger.Warn("failed to drop expired session", slog.String("error", err.Error()))
		}
		http.Error(w, "session expired", http.StatusUnauthorized)
		return
	}

	if err := h.ensureUser(ctx, session.UserID); err != nil {
		h.logger.Error("failed to ensure user record",
			slog.String("user_id", session.UserID),
			slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	sessionID := uuid.NewString()
	updates, cancel := h.hub.Subscribe(sessionID, session.UserID)
	defer cancel()

	h.logger.Info("dashboard connected",
		slog.String("user_id", session.UserID),
		slog.String("session_id", sessionID))

	if err := wsjson.Write(ctx, conn, h.listing(ctx, session.UserID)); err != nil {
		h.logger.Warn("failed to send listing", slog.String("error", err.Error()))
		return
	}

	go h.writeLoop(ctx, conn, updates)

	h.readLoop(ctx, conn, session.UserID, sessionID)

	conn.Close(websocket.StatusNormalClosure, "")
}

// ensureUser creates the local profile row on first connect. Identity itself
// lives with the external authentication component.
func (h *Handler) ensureUser(ctx context.Context, userID string) error {
	_, err := h.users.FindByID(ctx, userID)
	if errors.Is(err, domain.ErrUserNotFound) {
		return h.users.Create(ctx, &domain.User{
			ID:           userID,
			CreationTime: h.clock.Now(),
		})
	}
	return err
}

// listing snapshots every challenge with the caller's current instance state.
// Challenges without a record show as stopped.
func (h *Handler) listing(ctx context.Context, userID string) challengeListing {
	byChallenge := make(map[string]domain.Instance)
	for _, inst := range h.dispatcher.UserInstances(userID) {
		byChallenge[inst.ChallengeID] = inst
	}

	entries := make(map[string]challengeEntry, len(h.challenges))
	for _, challenge := range h.challenges {
		entry := challengeEntry{
			ID:          challenge.ID,
			Name:        challenge.Name,
			Description: challenge.Description,
			State:       domain.StateStopped,
			Attachments: h.presignAttachments(ctx, challenge),
		}

		if inst, ok := byChallenge[challenge.ID]; ok {
			entry.State = inst.State
			entry.Details = visibleDetails(inst.State, inst.Details)
			entry.StopTime = millis(inst.StopTime)
		}

		entries[challenge.ID] = entry
	}

	return challengeListing{
		Type:       typeChallengeListing,
		Challenges: entries,
	}
}

func (h *Handler) presignAttachments(ctx context.Context, challenge *domain.Challenge) []attachmentEntry {
	if h.attachments == nil || len(challenge.Attachments) == 0 {
		return nil
	}

	entries := make([]attachmentEntry, 0, len(challenge.Attachments))
	for _, key := range challenge.Attachments {
		url, err := h.attachments.PresignDownload(ctx, key)
		if err != nil {
			h.logger.Warn("failed to presign attachment",
				slog.String("challenge_id", challenge.ID),
				slog.String("key", key),
				slog.String("error", err.Error()))
			continue
		}
		entries = append(entries, attachmentEntry{Name: key, URL: url})
	}
	return entries
}

// writeLoop pushes hub updates until the subscription is closed, either by
// disconnect or by slow-session eviction.
func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, updates <-chan usecase.Update) {
	for u := range updates {
		var payload any
		if u.Notice != nil {
			payload = noticeMessage(u.Notice)
		} else {
			payload = stateChangeMessage(u)
		}

		if err := wsjson.Write(ctx, conn, payload); err != nil {
			return
		}
	}

	conn.Close(websocket.StatusTryAgainLater, "resynchronize")
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, userID, sessionID string) {
	for {
		var msg challengeAction
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}

		if msg.Type != typeChallengeAction {
			h.logger.Warn("unexpected message type",
				slog.String("session_id", sessionID),
				slog.String("type", msg.Type))
			conn.Close(websocket.StatusPolicyViolation, "unexpected message")
			return
		}

		action, ok := domain.ParseAction(msg.Action)
		if !ok {
			conn.Close(websocket.StatusPolicyViolation, "unknown action")
			return
		}

		err := h.dispatcher.Submit(ctx, domain.ActionRequest{
			UserID:      userID,
			ChallengeID: msg.ID,
			Action:      action,
			SessionID:   sessionID,
		})
		if errors.Is(err, domain.ErrUnknownChallenge) {
			conn.Close(websocket.StatusPolicyViolation, "unknown challenge")
			return
		}
		if err != nil {
			h.hub.NotifySession(sessionID, usecase.RejectionNotice(err), usecase.SeverityWarning)
		}
	}
}
