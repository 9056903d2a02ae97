package csrf

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/litepool/internal/common/logger"
	"github.com/kandev/litepool/internal/db"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestStore(t *testing.T) {
	s := NewStore()

	_, err := s.Token("")
	require.ErrorIs(t, err, ErrNoSession)

	tok, err := s.Token("sess")
	require.NoError(t, err)
	again, err := s.Token("sess")
	require.NoError(t, err)
	assert.Equal(t, tok, again)

	other, err := s.Token("other")
	require.NoError(t, err)
	assert.NotEqual(t, tok, other)

	require.NoError(t, s.Verify("sess", tok))
	require.ErrorIs(t, s.Verify("sess", other), ErrTokenMismatch)
	require.ErrorIs(t, s.Verify("sess", ""), ErrTokenMismatch)
	require.ErrorIs(t, s.Verify("", tok), ErrNoSession)

	s.Forget("sess")
	require.ErrorIs(t, s.Verify("sess", tok), ErrTokenMismatch)
}

func newTestRouter(store *Store) (*gin.Engine, *db.WriteAuthorization) {
	var seen db.WriteAuthorization
	router := gin.New()
	router.Use(Middleware(store, Options{Exempt: []string{"/open"}}, logger.Nop()))
	handler := func(c *gin.Context) {
		seen = db.WriteAuthorizationFrom(c.Request.Context())
		c.Status(http.StatusNoContent)
	}
	router.GET("/token", func(c *gin.Context) {
		tok, err := store.Token(SessionID(c))
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": tok})
	})
	router.POST("/write", handler)
	router.POST("/open", handler)
	return router, &seen
}

func TestMiddleware(t *testing.T) {
	store := NewStore()
	router, seen := newTestRouter(store)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/token", nil))
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	session := cookies[0]
	assert.True(t, session.HttpOnly)

	tok, err := store.Token(session.Value)
	require.NoError(t, err)

	t.Run("valid token authorizes the write", func(t *testing.T) {
		*seen = 0
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/write", nil)
		req.AddCookie(session)
		req.Header.Set("X-CSRF-Token", tok)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, db.AuthorizedByCSRF, *seen)
	})

	t.Run("missing token is rejected", func(t *testing.T) {
		*seen = 0
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/write", nil)
		req.AddCookie(session)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.False(t, seen.Valid())
	})

	t.Run("token from another session is rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/write", nil)
		req.Header.Set("X-CSRF-Token", tok)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("exempt route is marked unprotected", func(t *testing.T) {
		*seen = 0
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/open", nil))
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, db.AuthorizedUnprotectedEndpoint, *seen)
	})
}
