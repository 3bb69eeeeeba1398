// internal/messaging/handlers.go

package messaging

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/imadgeboyega/kiekky-chatsync/internal/auth"
	"github.com/imadgeboyega/kiekky-chatsync/internal/common/utils"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Handler struct {
	gateway *Gateway
	chats   *ChatService
	hub     *Hub

	maxUpload int64
}

func NewHandler(gateway *Gateway, chats *ChatService, hub *Hub, maxUpload int) *Handler {
	if maxUpload <= 0 {
		maxUpload = DefaultMaxImageBytes
	}
	return &Handler{
		gateway:   gateway,
		chats:     chats,
		hub:       hub,
		maxUpload: int64(maxUpload),
	}
}

// SessionView is what the timeline endpoints return
type SessionView struct {
	State        SessionState `json:"state"`
	Chat         *Chat        `json:"chat,omitempty"`
	Timeline     Timeline     `json:"timeline"`
	Typing       []string     `json:"typing"`
	HasMoreOlder bool         `json:"has_more_older"`
}

type ConversationList struct {
	Chats       []Chat `json:"chats"`
	UnreadTotal int    `json:"unread_total"`
}

// runtime resolves the caller's runtime or writes the error response. The
// returned release drops the request's reference and must be deferred.
func (h *Handler) runtime(w http.ResponseWriter, r *http.Request) (*Runtime, func(), bool) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		utils.ErrorResponse(w, "Unauthorized", http.StatusUnauthorized)
		return nil, nil, false
	}
	rt, err := h.gateway.Acquire(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return nil, nil, false
	}
	return rt, func() { h.gateway.Release(userID) }, true
}

func sessionView(c *ChatSessionCoordinator) SessionView {
	state, _ := c.State()
	chat, _ := c.Chat()
	return SessionView{
		State:        state,
		Chat:         chat,
		Timeline:     c.Timeline(),
		Typing:       c.Typing(),
		HasMoreOlder: c.HasMoreOlder(),
	}
}

// HandleWebSocket upgrades the connection and binds it to the user's runtime
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		utils.ErrorResponse(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	rt, err := h.gateway.Acquire(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.gateway.Release(userID)
		log.Debug().Err(err).Str("component", "chat_ws").Str("user_id", userID).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(h.hub, conn, userID, rt)
	h.hub.Register(client)
	client.Start()

	// initial state so a reconnecting client renders without a round trip
	client.enqueue(NewWSMessage(WSTypeUpdate, Update{Kind: UpdateChats, Chats: rt.Directory.Chats()}))
	if state, id := rt.Coordinator.State(); state == StateActive {
		t := rt.Coordinator.Timeline()
		client.enqueue(NewWSMessage(WSTypeUpdate, Update{Kind: UpdateTimeline, ConversationID: id, Timeline: &t}))
	}
}

// GetConversations returns the caller's chat list, most recent first
func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request) {
	rt, release, ok := h.runtime(w, r)
	if !ok {
		return
	}
	defer release()
	utils.SuccessResponse(w, ConversationList{
		Chats:       rt.Directory.Chats(),
		UnreadTotal: rt.Directory.UnreadTotal(),
	}, http.StatusOK)
}

// OpenConversation makes the conversation the caller's active session
func (h *Handler) OpenConversation(w http.ResponseWriter, r *http.Request) {
	rt, release, ok := h.runtime(w, r)
	if !ok {
		return
	}
	defer release()
	if err := rt.Coordinator.Open(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	utils.SuccessResponse(w, sessionView(rt.Coordinator), http.StatusOK)
}

func (h *Handler) CloseConversation(w http.ResponseWriter, r *http.Request) {
	rt, release, ok := h.runtime(w, r)
	if !ok {
		return
	}
	defer release()
	rt.Coordinator.Close()
	utils.MessageResponse(w, "Conversation closed", http.StatusOK)
}

// GetTimeline returns the active session without changing it
func (h *Handler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	rt, release, ok := h.runtime(w, r)
	if !ok {
		return
	}
	defer release()
	utils.SuccessResponse(w, sessionView(rt.Coordinator), http.StatusOK)
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	rt, release, ok := h.runtime(w, r)
	if !ok {
		return
	}
	defer release()

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.ErrorResponse(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	msg, err := rt.Coordinator.SendText(r.Context(), req.Body, req.ReplyToID)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.SuccessResponse(w, msg, http.StatusCreated)
}

// SendImage accepts a multipart "image" file with an optional "caption"
func (h *Handler) SendImage(w http.ResponseWriter, r *http.Request) {
	rt, release, ok := h.runtime(w, r)
	if !ok {
		return
	}
	defer release()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1<<20)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		utils.ErrorResponse(w, "File too large or invalid form", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		utils.ErrorResponse(w, "No image provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		utils.ErrorResponse(w, "Failed to read image", http.StatusBadRequest)
		return
	}

	msg, err := rt.Coordinator.SendImage(r.Context(), data, header.Header.Get("Content-Type"), r.FormValue("caption"))
	if err != nil {
		writeError(w, err)
		return
	}
	utils.SuccessResponse(w, msg, http.StatusCreated)
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	rt, release, ok := h.runtime(w, r)
	if !ok {
		return
	}
	defer release()
	if err := rt.Coordinator.DeleteMessage(r.Context(), mux.Vars(r)["messageId"]); err != nil {
		writeError(w, err)
		return
	}
	utils.MessageResponse(w, "Message deleted", http.StatusOK)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	rt, release, ok := h.runtime(w, r)
	if !ok {
		return
	}
	defer release()
	if err := rt.Coordinator.MarkRead(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	utils.SuccessResponse(w, rt.Coordinator.Timeline(), http.StatusOK)
}

// LoadOlder pages one batch of older history into the active session
func (h *Handler) LoadOlder(w http.ResponseWriter, r *http.Request) {
	rt, release, ok := h.runtime(w, r)
	if !ok {
		return
	}
	defer release()
	n, err := rt.Coordinator.LoadOlder(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	utils.SuccessResponse(w, WSOlderResult{Loaded: n, HasMoreOlder: rt.Coordinator.HasMoreOlder()}, http.StatusOK)
}

func (h *Handler) UpdateTyping(w http.ResponseWriter, r *http.Request) {
	rt, release, ok := h.runtime(w, r)
	if !ok {
		return
	}
	defer release()
	var req TypingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.ErrorResponse(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := rt.Coordinator.SetTyping(r.Context(), req.Typing); err != nil {
		writeError(w, err)
		return
	}
	utils.MessageResponse(w, "Typing status updated", http.StatusOK)
}

// GetOrCreateDirectChat returns the direct chat with another user
func (h *Handler) GetOrCreateDirectChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		utils.ErrorResponse(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	chat, err := h.chats.GetOrCreateDirectChat(r.Context(), userID, mux.Vars(r)["userId"])
	if err != nil {
		writeError(w, err)
		return
	}
	utils.SuccessResponse(w, chat, http.StatusOK)
}

func (h *Handler) CreateGroupChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		utils.ErrorResponse(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.ErrorResponse(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	chat, err := h.chats.CreateGroupChat(r.Context(), userID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.SuccessResponse(w, chat, http.StatusCreated)
}

func (h *Handler) UpdateChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		utils.ErrorResponse(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req UpdateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.ErrorResponse(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	chat, err := h.chats.UpdateChat(r.Context(), userID, mux.Vars(r)["id"], req)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.SuccessResponse(w, chat, http.StatusOK)
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		utils.ErrorResponse(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req UpdateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.ErrorResponse(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	profile, err := h.chats.UpdateProfile(r.Context(), userID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.SuccessResponse(w, profile, http.StatusOK)
}

func (h *Handler) LeaveChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		utils.ErrorResponse(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.chats.LeaveChat(r.Context(), userID, mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	utils.MessageResponse(w, "Left conversation", http.StatusOK)
}

// HealthCheck reports process-local gateway load
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	utils.SuccessResponse(w, map[string]interface{}{
		"status":      "healthy",
		"runtimes":    h.gateway.Active(),
		"connections": h.hub.GetActiveConnections(),
	}, http.StatusOK)
}

// statusFor maps domain errors to HTTP statuses and stable codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrChatNotFound):
		return http.StatusNotFound, "CHAT_NOT_FOUND"
	case errors.Is(err, ErrMessageNotFound):
		return http.StatusNotFound, "MESSAGE_NOT_FOUND"
	case errors.Is(err, ErrNotParticipant):
		return http.StatusForbidden, "NOT_PARTICIPANT"
	case errors.Is(err, ErrNotAuthor):
		return http.StatusForbidden, "NOT_AUTHOR"
	case errors.Is(err, ErrEmptyMessage):
		return http.StatusBadRequest, "EMPTY_MESSAGE"
	case errors.Is(err, ErrInvalidChat):
		return http.StatusBadRequest, "INVALID_CHAT"
	case errors.Is(err, ErrInvalidImage):
		return http.StatusBadRequest, "INVALID_IMAGE"
	case utils.IsValidationError(err):
		return http.StatusBadRequest, "VALIDATION_FAILED"
	case errors.Is(err, ErrNoActiveSession):
		return http.StatusConflict, "NO_ACTIVE_SESSION"
	case errors.Is(err, ErrSessionChanged):
		return http.StatusConflict, "SESSION_CHANGED"
	}
	return http.StatusInternalServerError, "ERROR"
}

func errorCode(err error) string {
	_, code := statusFor(err)
	return code
}

func writeError(w http.ResponseWriter, err error) {
	status, _ := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("component", "chat_http").Msg("request failed")
	}
	utils.ErrorResponse(w, err.Error(), status)
}
