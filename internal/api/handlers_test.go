package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"codecollab/internal/middleware"
	"codecollab/internal/models"
	"codecollab/internal/services/collaboration"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

type fakeCollab struct {
	locks       map[string]models.FileLock
	editors     map[string][]models.EditorPresence
	members     map[collaboration.RoomKey][]string
	announced   []string
	disconnects map[string]string
}

func (f *fakeCollab) LockStatus(fileID string) (models.FileLock, bool, error) {
	lock, ok := f.locks[fileID]
	return lock, ok, nil
}

func (f *fakeCollab) ActiveEditors(fileID string) ([]models.EditorPresence, error) {
	return f.editors[fileID], nil
}

func (f *fakeCollab) RoomMembers(room collaboration.RoomKey) ([]string, error) {
	return f.members[room], nil
}

func (f *fakeCollab) Announce(message string) (int, error) {
	f.announced = append(f.announced, message)
	return 3, nil
}

func (f *fakeCollab) ForceDisconnect(userID, reason string) (int, error) {
	if f.disconnects == nil {
		f.disconnects = make(map[string]string)
	}
	f.disconnects[userID] = reason
	return 2, nil
}

// allowList grants read access on the listed resource ids only.
type allowList map[string]bool

func (a allowList) CanAccess(ctx context.Context, userID string, kind models.ResourceKind, id string, action models.Action) (bool, error) {
	if id == "missing" {
		return false, models.ErrNotFound
	}
	return a[userID+"|"+id], nil
}

type fakeHistory struct {
	limit int
}

func (f *fakeHistory) ListMessages(ctx context.Context, threadID string, limit int) ([]*models.ChatMessage, error) {
	f.limit = limit
	return []*models.ChatMessage{{ID: "m1", ThreadID: threadID, UserID: "alice", Content: "hi"}}, nil
}

type fixedQueue int

func (q fixedQueue) QueueLength() int { return int(q) }

func token(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	claims := &middleware.Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

type testAPI struct {
	router  http.Handler
	collab  *fakeCollab
	history *fakeHistory
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	collab := &fakeCollab{
		locks: map[string]models.FileLock{
			"f1": {FileID: "f1", Owner: "bob", ExpiresAt: time.Date(2024, 3, 1, 9, 10, 0, 0, time.UTC)},
		},
		editors: map[string][]models.EditorPresence{
			"f1": {{UserID: "bob", Cursor: models.CursorPosition{Line: 2}}},
		},
		members: map[collaboration.RoomKey][]string{
			collaboration.ProjectRoom("p1"): {"alice", "bob"},
		},
	}
	history := &fakeHistory{}
	access := allowList{"alice|f1": true, "alice|p1": true, "alice|c1": true}

	h := NewHandler(collab, access, history, fixedQueue(4), nil, logger)
	return &testAPI{
		router:  SetupRoutes(h, middleware.NewTokenVerifier(secret), logger),
		collab:  collab,
		history: history,
	}
}

func (a *testAPI) do(method, path, bearer, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodGet, "/api/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(4), body["chatQueue"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestGetFileLock(t *testing.T) {
	api := newTestAPI(t)
	alice := token(t, "alice")

	rec := api.do(http.MethodGet, "/api/files/f1/lock", alice, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["locked"])
	assert.Equal(t, "bob", body["owner"])
	assert.Equal(t, "2024-03-01T09:10:00Z", body["expiresAt"])

	assert.Equal(t, http.StatusUnauthorized, api.do(http.MethodGet, "/api/files/f1/lock", "", "").Code)
	assert.Equal(t, http.StatusForbidden, api.do(http.MethodGet, "/api/files/f2/lock", alice, "").Code)
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/api/files/missing/lock", alice, "").Code)

	// admins see everything
	rec = api.do(http.MethodGet, "/api/files/f2/lock", token(t, "root", "admin"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["locked"])
}

func TestGetFileEditors(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodGet, "/api/files/f1/editors", token(t, "alice"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	editors := decode(t, rec)["editors"].([]interface{})
	require.Len(t, editors, 1)
	assert.Equal(t, "bob", editors[0].(map[string]interface{})["userId"])
}

func TestGetRoomMembers(t *testing.T) {
	api := newTestAPI(t)
	alice := token(t, "alice")

	rec := api.do(http.MethodGet, "/api/rooms/project:p1/members", alice, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{"alice", "bob"}, decode(t, rec)["members"])

	rec = api.do(http.MethodGet, "/api/rooms/chat:c1/members", alice, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{}, decode(t, rec)["members"])

	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/api/rooms/lobby/members", alice, "").Code)
}

func TestListChatMessages(t *testing.T) {
	api := newTestAPI(t)
	alice := token(t, "alice")

	rec := api.do(http.MethodGet, "/api/chats/c1/messages?limit=500", alice, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 200, api.history.limit)
	assert.Len(t, decode(t, rec)["messages"], 1)

	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/api/chats/c1/messages?limit=x", alice, "").Code)
}

func TestAdminEndpoints(t *testing.T) {
	api := newTestAPI(t)
	admin := token(t, "root", "admin")

	assert.Equal(t, http.StatusForbidden,
		api.do(http.MethodPost, "/api/admin/announce", token(t, "alice"), `{"message":"hi"}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		api.do(http.MethodPost, "/api/admin/announce", admin, `{}`).Code)

	rec := api.do(http.MethodPost, "/api/admin/announce", admin, `{"message":"deploy at noon"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decode(t, rec)["delivered"])
	assert.Equal(t, []string{"deploy at noon"}, api.collab.announced)

	rec = api.do(http.MethodPost, "/api/admin/users/alice/disconnect", admin, `{"reason":"account suspended"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["connections"])
	assert.Equal(t, "account suspended", api.collab.disconnects["alice"])

	rec = api.do(http.MethodPost, "/api/admin/users/bob/disconnect", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "", api.collab.disconnects["bob"])
}
