package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"shophub/chat"
	"shophub/models"
	"shophub/redis"
	"shophub/services"
)

var admin = &models.User{ID: 1, Username: "Ann", Type: models.UserTypeAdmin}

type fakeMirror struct {
	users []redis.UserInfo
	err   error
}

func (f *fakeMirror) GetOnlineUsers(context.Context) ([]redis.UserInfo, error) {
	return f.users, f.err
}

func newLedger(t *testing.T) *services.SupportSessionService {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, models.AutoMigrateAll(db))
	return services.NewSupportSessionService(db, 1, 16, nil)
}

// flush 让台账 worker 处理完已排队的更新
func flush(s *services.SupportSessionService) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Run(ctx)
}

func newSupportEcho(h *CustomerServiceHandler, user *models.User) *echo.Echo {
	e := echo.New()
	g := e.Group("/support")
	if user != nil {
		g.Use(withUser(user))
	}
	g.GET("/presence", h.GetPresence)
	g.GET("/presence/mirror", h.GetPresenceMirror)
	g.GET("/conversations/:customerId", h.GetConversation)
	g.POST("/conversations/:customerId/messages", h.Reply)
	g.GET("/sessions", h.GetAllSessions)
	g.PUT("/sessions/:customerId", h.UpdateSessionStatus)
	return e
}

func do(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestReplyToOfflineCustomerKeepsHistory(t *testing.T) {
	hub := newHub()
	e := newSupportEcho(NewCustomerServiceHandler(hub, nil, nil, zap.NewNop()), admin)

	rec := do(e, http.MethodPost, "/support/conversations/c1/messages", `{"body":"your parcel shipped"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var reply struct {
		Message   chat.Message `json:"message"`
		Delivered bool         `json:"delivered"`
	}
	decodeBody(t, rec, &reply)
	assert.False(t, reply.Delivered)
	assert.True(t, reply.Message.FromAdmin)
	assert.Equal(t, "Ann", reply.Message.SenderName)

	rec = do(e, http.MethodGet, "/support/conversations/c1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var conv struct {
		CustomerID string         `json:"customerId"`
		Online     bool           `json:"online"`
		Messages   []chat.Message `json:"messages"`
	}
	decodeBody(t, rec, &conv)
	assert.False(t, conv.Online)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "your parcel shipped", conv.Messages[0].Body)

	rec = do(e, http.MethodPost, "/support/conversations/c1/messages", `{"body":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), chat.CodeEmptyBody)
}

func TestReplyRequiresAdmin(t *testing.T) {
	h := NewCustomerServiceHandler(newHub(), nil, nil, zap.NewNop())

	rec := do(newSupportEcho(h, nil), http.MethodPost, "/support/conversations/c1/messages", `{"body":"hi"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	customer := &models.User{ID: 2, Username: "Alice", Type: models.UserTypeClient}
	rec = do(newSupportEcho(h, customer), http.MethodPost, "/support/conversations/c1/messages", `{"body":"hi"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPresenceEndpoints(t *testing.T) {
	hub := newHub()
	srv := newWSServer(t, hub)
	dial(t, srv, "/ws").identify("c1", "Alice", false)

	mirror := &fakeMirror{users: []redis.UserInfo{{ID: "c1", Name: "Alice"}}}
	e := newSupportEcho(NewCustomerServiceHandler(hub, nil, mirror, zap.NewNop()), admin)

	rec := do(e, http.MethodGet, "/support/presence", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var live struct {
		Count int                  `json:"count"`
		Users []chat.PresenceEntry `json:"users"`
	}
	decodeBody(t, rec, &live)
	assert.Equal(t, 1, live.Count)
	assert.Equal(t, "c1", live.Users[0].ID)

	rec = do(e, http.MethodGet, "/support/presence/mirror", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	mirror.err = errors.New("redis down")
	rec = do(e, http.MethodGet, "/support/presence/mirror", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	disabled := newSupportEcho(NewCustomerServiceHandler(hub, nil, nil, zap.NewNop()), admin)
	assert.Equal(t, http.StatusServiceUnavailable, do(disabled, http.MethodGet, "/support/presence/mirror", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(disabled, http.MethodGet, "/support/sessions", "").Code)
}

func TestSessionEndpoints(t *testing.T) {
	ledger := newLedger(t)
	ledger.RecordMessage(chat.Identity{ID: "c1", Name: "Alice"}, chat.Message{CustomerID: "c1", Body: "hi"})
	ledger.RecordMessage(chat.Identity{ID: "c2", Name: "Bob"}, chat.Message{CustomerID: "c2", Body: "yo"})
	flush(ledger)

	e := newSupportEcho(NewCustomerServiceHandler(newHub(), ledger, nil, zap.NewNop()), admin)

	rec := do(e, http.MethodGet, "/support/sessions?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Sessions []models.CustomerSession `json:"sessions"`
		Total    int                      `json:"total"`
	}
	decodeBody(t, rec, &list)
	assert.Equal(t, 2, list.Total)

	rec = do(e, http.MethodPut, "/support/sessions/c1", `{"status":"closed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var updated models.CustomerSession
	decodeBody(t, rec, &updated)
	assert.Equal(t, models.SessionClosed, updated.Status)

	rec = do(e, http.MethodGet, "/support/sessions?status=pending", "")
	decodeBody(t, rec, &list)
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, "c2", list.Sessions[0].CustomerID)

	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodGet, "/support/sessions?status=archived", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodPut, "/support/sessions/c1", `{"status":"archived"}`).Code)
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodPut, "/support/sessions/c9", `{"status":"closed"}`).Code)
}
