package push

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"chatcall-backend/pkg/push"
)

type memTokens struct {
	mu     sync.Mutex
	tokens map[string]*push.Token
}

func (m *memTokens) Store(_ context.Context, t *push.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[t.Token] = t
	return nil
}

func (m *memTokens) GetByUserID(_ context.Context, userID uuid.UUID) ([]*push.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*push.Token
	for _, t := range m.tokens {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memTokens) GetByToken(_ context.Context, token string) (*push.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[token], nil
}

func (m *memTokens) Update(ctx context.Context, t *push.Token) error {
	return m.Store(ctx, t)
}

func newRouter(userID uuid.UUID, repo *memTokens) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(push.NewService(&push.MockProvider{}, repo, nil))

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if userID != uuid.Nil {
			c.Set("user_id", userID)
		}
	})
	r.POST("/v1/push/tokens", h.RegisterToken)
	r.DELETE("/v1/push/tokens", h.UnregisterToken)
	r.GET("/v1/push/tokens", h.GetTokens)
	return r
}

func serve(r *gin.Engine, method, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/v1/push/tokens", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterToken(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"fcm token", `{"token":"abc","type":"fcm","platform":"android"}`, http.StatusOK},
		{"web token without platform", `{"token":"abc","type":"web"}`, http.StatusOK},
		{"unsupported type", `{"token":"abc","type":"apns"}`, http.StatusBadRequest},
		{"unknown platform", `{"token":"abc","type":"fcm","platform":"tv"}`, http.StatusBadRequest},
		{"missing token", `{"type":"fcm"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &memTokens{tokens: map[string]*push.Token{}}
			w := serve(newRouter(uuid.New(), repo), http.MethodPost, tt.body)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				assert.True(t, repo.tokens["abc"].Active)
			}
		})
	}
}

func TestRegisterToken_Unauthenticated(t *testing.T) {
	w := serve(newRouter(uuid.Nil, &memTokens{tokens: map[string]*push.Token{}}), http.MethodPost, `{"token":"abc","type":"fcm"}`)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUnregisterAndList(t *testing.T) {
	userID := uuid.New()
	repo := &memTokens{tokens: map[string]*push.Token{}}
	r := newRouter(userID, repo)

	assert.Equal(t, http.StatusOK, serve(r, http.MethodPost, `{"token":"abc","type":"fcm"}`).Code)

	w := serve(r, http.MethodGet, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	assert.Equal(t, http.StatusOK, serve(r, http.MethodDelete, `{"token":"abc"}`).Code)
	assert.False(t, repo.tokens["abc"].Active)

	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodDelete, `{"token":"nope"}`).Code)
}
