package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/imadgeboyega/kiekky-chatsync/internal/auth"
)

type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// headerAuth trusts X-User-ID; token parsing is covered in the auth package.
func headerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-User-ID"); id != "" {
			r = r.WithContext(auth.WithUserID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

type testAPI struct {
	t       *testing.T
	router  *mux.Router
	backend *MemoryBackend
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	b := seedBackend(t)
	gateway := NewGateway(depsFor(b), CoordinatorConfig{FlushInterval: 5 * time.Millisecond}, nil, time.Minute)
	t.Cleanup(gateway.Shutdown)
	hub := NewHub(gateway)
	gateway.SetPusher(hub)

	handler := NewHandler(gateway, NewChatService(b, b, b, b), hub, 0)
	router := mux.NewRouter()
	RegisterOpsRoutes(router, handler)
	RegisterRoutes(router, handler, headerAuth)
	return &testAPI{t: t, router: router, backend: b}
}

func (a *testAPI) do(method, path, userID string, body interface{}) (int, apiResponse) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	var resp apiResponse
	require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

func TestHandlers_RequireUser(t *testing.T) {
	api := newTestAPI(t)
	code, resp := api.do(http.MethodGet, "/api/v1/chat/conversations", "", nil)
	require.Equal(t, http.StatusUnauthorized, code)
	require.False(t, resp.Success)
}

func TestHandlers_SessionFlow(t *testing.T) {
	api := newTestAPI(t)

	code, resp := api.do(http.MethodGet, "/api/v1/chat/conversations", "me", nil)
	require.Equal(t, http.StatusOK, code)
	var list ConversationList
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	require.Len(t, list.Chats, 2)

	code, _ = api.do(http.MethodPost, "/api/v1/chat/session/messages", "me", SendMessageRequest{Body: "hi"})
	require.Equal(t, http.StatusConflict, code)

	code, resp = api.do(http.MethodPost, "/api/v1/chat/conversations/chat-1/open", "me", nil)
	require.Equal(t, http.StatusOK, code)
	var view SessionView
	require.NoError(t, json.Unmarshal(resp.Data, &view))
	require.Equal(t, StateActive, view.State)
	require.Equal(t, 1, view.Timeline.UnreadCount)
	require.Len(t, view.Timeline.Messages, 2)

	code, resp = api.do(http.MethodPost, "/api/v1/chat/session/messages", "me", SendMessageRequest{Body: "hi"})
	require.Equal(t, http.StatusCreated, code)
	var sent Message
	require.NoError(t, json.Unmarshal(resp.Data, &sent))
	require.Equal(t, StatusSent, sent.Status)
	require.Equal(t, "chat-1", sent.ConversationID)

	code, _ = api.do(http.MethodPost, "/api/v1/chat/session/messages", "me", SendMessageRequest{})
	require.Equal(t, http.StatusBadRequest, code)

	code, resp = api.do(http.MethodPost, "/api/v1/chat/session/read", "me", nil)
	require.Equal(t, http.StatusOK, code)
	var tl Timeline
	require.NoError(t, json.Unmarshal(resp.Data, &tl))
	require.Zero(t, tl.UnreadCount)

	code, resp = api.do(http.MethodPost, "/api/v1/chat/session/older", "me", nil)
	require.Equal(t, http.StatusOK, code)
	var older WSOlderResult
	require.NoError(t, json.Unmarshal(resp.Data, &older))
	require.Zero(t, older.Loaded)
	require.False(t, older.HasMoreOlder)

	code, _ = api.do(http.MethodPost, "/api/v1/chat/session/typing", "me", TypingRequest{Typing: true})
	require.Equal(t, http.StatusOK, code)

	code, _ = api.do(http.MethodDelete, "/api/v1/chat/session/messages/late", "me", nil)
	require.Equal(t, http.StatusForbidden, code)
	code, _ = api.do(http.MethodDelete, "/api/v1/chat/session/messages/"+sent.ID, "me", nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = api.do(http.MethodPost, "/api/v1/chat/session/close", "me", nil)
	require.Equal(t, http.StatusOK, code)
	code, resp = api.do(http.MethodGet, "/api/v1/chat/session", "me", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &view))
	require.Equal(t, StateClosed, view.State)
}

func TestHandlers_OpenUnknownConversation(t *testing.T) {
	api := newTestAPI(t)
	code, resp := api.do(http.MethodPost, "/api/v1/chat/conversations/nope/open", "me", nil)
	require.Equal(t, http.StatusNotFound, code)
	require.NotEmpty(t, resp.Error)
}

func TestHandlers_ChatManagement(t *testing.T) {
	api := newTestAPI(t)

	code, resp := api.do(http.MethodPost, "/api/v1/chat/direct/carol", "me", nil)
	require.Equal(t, http.StatusOK, code)
	var direct Chat
	require.NoError(t, json.Unmarshal(resp.Data, &direct))
	require.Equal(t, DirectChatID("me", "carol"), direct.ID)

	code, _ = api.do(http.MethodPost, "/api/v1/chat/group", "me", CreateGroupRequest{Name: "Crew"})
	require.Equal(t, http.StatusBadRequest, code)

	code, resp = api.do(http.MethodPost, "/api/v1/chat/group", "me", CreateGroupRequest{
		Name: "Crew", ParticipantIDs: []string{"u2", "carol"},
	})
	require.Equal(t, http.StatusCreated, code)
	var group Chat
	require.NoError(t, json.Unmarshal(resp.Data, &group))
	require.Len(t, group.Participants, 3)

	code, _ = api.do(http.MethodPatch, "/api/v1/chat/conversations/"+group.ID, "me", map[string]string{"photo_url": "not a url"})
	require.Equal(t, http.StatusBadRequest, code)

	code, resp = api.do(http.MethodPatch, "/api/v1/chat/conversations/"+group.ID, "me", map[string]string{"name": "Crew 2"})
	require.Equal(t, http.StatusOK, code)
	var renamed Chat
	require.NoError(t, json.Unmarshal(resp.Data, &renamed))
	require.Equal(t, "Crew 2", renamed.Name)

	code, _ = api.do(http.MethodPost, "/api/v1/chat/conversations/"+group.ID+"/leave", "carol", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = api.do(http.MethodPost, "/api/v1/chat/conversations/"+group.ID+"/leave", "carol", nil)
	require.Equal(t, http.StatusForbidden, code)
}

func TestHandlers_UpdateProfile(t *testing.T) {
	api := newTestAPI(t)

	code, _ := api.do(http.MethodPut, "/api/v1/chat/profile", "me", UpdateProfileRequest{})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = api.do(http.MethodPut, "/api/v1/chat/profile", "me", UpdateProfileRequest{DisplayName: "Me", AvatarURL: "not a url"})
	require.Equal(t, http.StatusBadRequest, code)

	code, resp := api.do(http.MethodPut, "/api/v1/chat/profile", "me", UpdateProfileRequest{DisplayName: "Me Again", Handle: "me"})
	require.Equal(t, http.StatusOK, code)
	var profile UserInfo
	require.NoError(t, json.Unmarshal(resp.Data, &profile))
	require.Equal(t, "me", profile.ID)
	require.Equal(t, "Me Again", profile.DisplayName)

	stored, err := api.backend.GetProfiles(context.Background(), []string{"me"})
	require.NoError(t, err)
	require.Equal(t, "Me Again", stored["me"].DisplayName)
}

func TestHandlers_Health(t *testing.T) {
	api := newTestAPI(t)
	code, resp := api.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.True(t, resp.Success)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
