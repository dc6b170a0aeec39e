package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"safeyou-chat/internal/config"
	"safeyou-chat/internal/media"
	"safeyou-chat/internal/middleware"
	"safeyou-chat/internal/mocks"
	"safeyou-chat/internal/models"
	"safeyou-chat/internal/services"
)

type testDeps struct {
	directory  *mocks.DirectoryMock
	presence   *mocks.PresenceTrackerMock
	messages   *mocks.MessageStoreMock
	moderation *mocks.ModeratorMock
	uploads    *mocks.UploadSignerMock
	auditor    *mocks.AuditorMock
	snapshots  *mocks.SnapshotterMock
}

func setupRouter(t *testing.T, mutate ...func(*config.Config)) (*gin.Engine, *testDeps) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.Server.AdminUserIDs = []string{"root"}
	cfg.Server.DebugRoutes = true
	cfg.RateLimit = config.RateLimitConfig{RPS: 1000, Burst: 1000}
	for _, fn := range mutate {
		fn(&cfg)
	}

	d := &testDeps{
		directory:  new(mocks.DirectoryMock),
		presence:   new(mocks.PresenceTrackerMock),
		messages:   new(mocks.MessageStoreMock),
		moderation: new(mocks.ModeratorMock),
		uploads:    new(mocks.UploadSignerMock),
		auditor:    new(mocks.AuditorMock),
		snapshots:  new(mocks.SnapshotterMock),
	}
	router := NewRouter(cfg, Deps{
		Directory:  d.directory,
		Presence:   d.presence,
		Messages:   d.messages,
		Moderation: d.moderation,
		Uploads:    d.uploads,
		Auditor:    d.auditor,
		Snapshots:  d.snapshots,
		Limiter:    middleware.NewRateLimiter(cfg.RateLimit),
	})
	t.Cleanup(func() {
		d.directory.AssertExpectations(t)
		d.presence.AssertExpectations(t)
		d.messages.AssertExpectations(t)
		d.moderation.AssertExpectations(t)
		d.uploads.AssertExpectations(t)
		d.auditor.AssertExpectations(t)
		d.snapshots.AssertExpectations(t)
	})
	return router, d
}

func do(router *gin.Engine, method, path, userID, body string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestRegisterAndSignIn(t *testing.T) {
	router, d := setupRouter(t)
	alice := models.User{ID: "u1", Username: "alice"}

	d.directory.On("Register", mock.Anything, "alice", "secret1").Return(alice, nil).Once()
	rec := do(router, http.MethodPost, "/users", "", `{"username":"alice","password":"secret1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	d.directory.On("Authenticate", mock.Anything, "alice", "secret1").Return(alice, nil).Once()
	online := alice
	online.IsOnline = true
	d.presence.On("SetOnline", mock.Anything, "u1").Return(online, nil).Once()
	rec = do(router, http.MethodPost, "/sessions", "", `{"username":"alice","password":"secret1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	user := decode(t, rec)["user"].(map[string]any)
	assert.Equal(t, true, user["is_online"])
}

func TestSignInRejectsBadCredentials(t *testing.T) {
	router, d := setupRouter(t)
	d.directory.On("Authenticate", mock.Anything, "alice", "nope").
		Return(models.User{}, fmt.Errorf("%w: bad password", services.ErrUnauthorized)).Once()

	rec := do(router, http.MethodPost, "/sessions", "", `{"username":"alice","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterDuplicateIsConflict(t *testing.T) {
	router, d := setupRouter(t)
	d.directory.On("Register", mock.Anything, "alice", "secret1").
		Return(models.User{}, fmt.Errorf("%w: username taken", services.ErrConflict)).Once()

	rec := do(router, http.MethodPost, "/users", "", `{"username":"alice","password":"secret1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(router, http.MethodPost, "/users", "", `{"username":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoutesRequireIdentity(t *testing.T) {
	router, _ := setupRouter(t)
	for _, path := range []string{"/messages", "/users", "/users/u1"} {
		rec := do(router, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestSignOutAndHeartbeat(t *testing.T) {
	router, d := setupRouter(t)

	d.presence.On("SetOffline", mock.Anything, "u1").Return(models.User{ID: "u1"}, nil).Once()
	rec := do(router, http.MethodDelete, "/sessions", "u1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	d.presence.On("Heartbeat", mock.Anything, "u1").Return(models.User{ID: "u1", IsOnline: true}, nil).Once()
	rec = do(router, http.MethodPost, "/presence/heartbeat", "u1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetUserNotFound(t *testing.T) {
	router, d := setupRouter(t)
	d.directory.On("Get", mock.Anything, "ghost").Return(models.User{}, fmt.Errorf("%w: user", services.ErrNotFound)).Once()
	d.directory.On("List", mock.Anything).Return([]models.User{{ID: "u1"}}, nil).Once()

	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/users/ghost", "u1", "").Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/users", "u1", "").Code)
}

func TestSendMessage(t *testing.T) {
	router, d := setupRouter(t)
	body := models.Body{Text: "hi"}
	d.messages.On("Send", mock.Anything, "u1", models.Public(), body, "").
		Return(models.Message{ID: "m1", AuthorID: "u1", Body: body, Scope: models.Public()}, nil).Once()

	rec := do(router, http.MethodPost, "/messages", "u1", `{"text":"hi"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	msg := decode(t, rec)["message"].(map[string]any)
	assert.Equal(t, "m1", msg["id"])
}

func TestSendPrivateReply(t *testing.T) {
	router, d := setupRouter(t)
	d.messages.On("Send", mock.Anything, "u2", models.Private("u1"), models.Body{Text: "re"}, "m1").
		Return(models.Message{ID: "m2"}, nil).Once()

	rec := do(router, http.MethodPost, "/messages", "u2", `{"text":"re","recipient_id":"u1","reply_to_id":"m1"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestSendMessageErrors(t *testing.T) {
	until := time.Date(2026, 3, 1, 12, 40, 0, 0, time.UTC)
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid body", fmt.Errorf("%w: empty", services.ErrInvalidBody), http.StatusBadRequest},
		{"suspended", &services.AuthorSuspendedError{Until: until}, http.StatusForbidden},
		{"unknown author", fmt.Errorf("%w: user", services.ErrNotFound), http.StatusNotFound},
		{"transient", fmt.Errorf("%w: deadline", services.ErrTransient), http.StatusServiceUnavailable},
		{"unexpected", assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router, d := setupRouter(t)
			d.messages.On("Send", mock.Anything, "u1", mock.Anything, mock.Anything, "").
				Return(models.Message{}, tc.err).Once()

			rec := do(router, http.MethodPost, "/messages", "u1", `{"text":"x"}`)
			assert.Equal(t, tc.status, rec.Code)
			resp := decode(t, rec)
			assert.NotEmpty(t, resp["error"])
			if tc.name == "suspended" {
				assert.Equal(t, until.Format(time.RFC3339), resp["suspended_until"])
			}
		})
	}
}

func TestListMessages(t *testing.T) {
	router, d := setupRouter(t)
	d.messages.On("List", mock.Anything, "u1", services.ListQuery{Scope: models.Private("u2"), Cursor: "abc", Limit: 10}).
		Return(services.MessagePage{Messages: []models.Message{{ID: "m1"}}, NextCursor: "def", HasMore: true}, nil).Once()

	rec := do(router, http.MethodGet, "/messages?scope=private&peer=u2&cursor=abc&limit=10", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, "def", resp["next_cursor"])
	assert.Equal(t, true, resp["has_more"])

	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodGet, "/messages?scope=group", "u1", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodGet, "/messages?limit=x", "u1", "").Code)
}

func TestReactUsesIdempotencyKey(t *testing.T) {
	router, d := setupRouter(t)
	d.messages.On("React", mock.Anything, "m1", "u1", "👍", "cmd-1").Return(models.Message{ID: "m1"}, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/messages/m1/reactions", bytes.NewBufferString(`{"emoji":"👍"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "u1")
	req.Header.Set("Idempotency-Key", "cmd-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeleteReadAndReport(t *testing.T) {
	router, d := setupRouter(t)

	d.messages.On("Delete", mock.Anything, "m1", "u2").Return(fmt.Errorf("%w: not the author", services.ErrForbidden)).Once()
	assert.Equal(t, http.StatusForbidden, do(router, http.MethodDelete, "/messages/m1", "u2", "").Code)

	d.messages.On("Delete", mock.Anything, "m1", "u1").Return(nil).Once()
	assert.Equal(t, http.StatusNoContent, do(router, http.MethodDelete, "/messages/m1", "u1", "").Code)

	d.messages.On("MarkRead", mock.Anything, "m2", "u2").Return(nil).Once()
	assert.Equal(t, http.StatusNoContent, do(router, http.MethodPost, "/messages/m2/read", "u2", "").Code)

	d.moderation.On("Report", mock.Anything, "u1", "m1").Return(models.User{}, fmt.Errorf("%w: self report", services.ErrInvalidReport)).Once()
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/messages/m1/report", "u1", "").Code)

	target := models.User{ID: "u1", Suspension: &models.Suspension{Until: time.Date(2026, 3, 1, 12, 40, 0, 0, time.UTC)}}
	d.moderation.On("Report", mock.Anything, "u2", "m1").Return(target, nil).Once()
	rec := do(router, http.MethodPost, "/messages/m1/report", "u2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "2026-03-01T12:40:00Z")
}

func TestAdminPurge(t *testing.T) {
	router, d := setupRouter(t)

	assert.Equal(t, http.StatusForbidden, do(router, http.MethodDelete, "/admin/messages/m1", "u1", "").Code)

	d.messages.On("Purge", mock.Anything, "m1").Return(nil).Once()
	assert.Equal(t, http.StatusNoContent, do(router, http.MethodDelete, "/admin/messages/m1", "root", "").Code)
}

func TestCreateUpload(t *testing.T) {
	router, d := setupRouter(t)
	up := media.Upload{UploadURL: "https://bucket.s3.example.com/put", MediaURL: "https://cdn.example.com/media/u1/x"}
	d.uploads.On("PresignUpload", mock.Anything, "u1", models.MediaImage, "image/png").Return(up, nil).Once()
	d.uploads.On("PresignUpload", mock.Anything, "u1", models.MediaVideo, "image/png").
		Return(media.Upload{}, fmt.Errorf("%w: mismatch", media.ErrContentType)).Once()

	rec := do(router, http.MethodPost, "/media/uploads", "u1", `{"kind":"image","content_type":"image/png"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, up.MediaURL, decode(t, rec)["media_url"])

	rec = do(router, http.MethodPost, "/media/uploads", "u1", `{"kind":"video","content_type":"image/png"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateUploadDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := NewRouter(config.Default(), Deps{})
	rec := do(router, http.MethodPost, "/media/uploads", "u1", `{"kind":"image","content_type":"image/png"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimited(t *testing.T) {
	router, d := setupRouter(t, func(cfg *config.Config) {
		cfg.RateLimit = config.RateLimitConfig{RPS: 0.001, Burst: 1}
	})
	d.presence.On("Heartbeat", mock.Anything, "u1").Return(models.User{ID: "u1"}, nil).Once()

	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/presence/heartbeat", "u1", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(router, http.MethodPost, "/presence/heartbeat", "u1", "").Code)
}

func TestDebugAuditRoute(t *testing.T) {
	router, d := setupRouter(t)
	d.auditor.On("Emit", mock.Anything, "debug.audit_test", "u1", "audit test", map[string]string{"request_id": "req-7"}).Once()

	req := httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil)
	req.Header.Set("X-User-ID", "u1")
	req.Header.Set("X-Request-ID", "req-7")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	router, _ := setupRouter(t)
	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/healthz", "", "").Code)
	rec := do(router, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chat_http_requests_total")
}

func TestSyncReturnsSnapshot(t *testing.T) {
	router, d := setupRouter(t)
	snap := models.Snapshot{
		Entity:   models.EntityMessage,
		Sequence: 42,
		Messages: []models.Message{{ID: "m1", AuthorID: "u1", Scope: models.Public()}},
	}
	d.snapshots.On("Snapshot", mock.Anything, "u1", models.EntityMessage).Return(snap, nil).Once()

	rec := do(router, http.MethodGet, "/sync", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, uint64(42), got.Sequence)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "m1", got.Messages[0].ID)

	d.snapshots.On("Snapshot", mock.Anything, "u1", models.Entity("group")).
		Return(models.Snapshot{}, fmt.Errorf("%w: unknown entity", services.ErrInvalidInput)).Once()
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodGet, "/sync?entity=group", "u1", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(router, http.MethodGet, "/sync", "", "").Code)
}
