package csrf

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/litepool/internal/common/config"
	"github.com/kandev/litepool/internal/common/logger"
	"github.com/kandev/litepool/internal/db"
)

const (
	sessionKey = "csrf.session"
	formField  = "_token"
)

// Options configures Middleware.
type Options struct {
	CookieName string
	HeaderName string
	Secure     bool
	// Exempt lists route patterns (gin FullPath) that skip verification.
	// Writes from them are authorized as db.AuthorizedUnprotectedEndpoint.
	Exempt []string
}

// OptionsFromConfig converts the configuration section into Options.
func OptionsFromConfig(cfg config.CSRFConfig, exempt ...string) Options {
	return Options{
		CookieName: cfg.CookieName,
		HeaderName: cfg.HeaderName,
		Secure:     cfg.Secure,
		Exempt:     exempt,
	}
}

// Middleware ensures every client has a session cookie and verifies the
// CSRF token on unsafe methods. The token is read from the configured
// header or the "_token" form field.
func Middleware(store *Store, opts Options, log *logger.Logger) gin.HandlerFunc {
	if opts.CookieName == "" {
		opts.CookieName = "litepool_session"
	}
	if opts.HeaderName == "" {
		opts.HeaderName = "X-CSRF-Token"
	}
	exempt := make(map[string]bool, len(opts.Exempt))
	for _, p := range opts.Exempt {
		exempt[p] = true
	}
	log = log.WithComponent("csrf")

	return func(c *gin.Context) {
		session, err := c.Cookie(opts.CookieName)
		if err != nil || session == "" {
			session = uuid.NewString()
			c.SetSameSite(http.SameSiteStrictMode)
			c.SetCookie(opts.CookieName, session, 0, "/", "", opts.Secure, true)
		}
		c.Set(sessionKey, session)
		ctx := context.WithValue(c.Request.Context(), logger.SessionIDKey, session)

		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Request = c.Request.WithContext(ctx)
			c.Next()
			return
		}

		if exempt[c.FullPath()] {
			c.Request = c.Request.WithContext(db.WithWriteAuthorization(ctx, db.AuthorizedUnprotectedEndpoint))
			c.Next()
			return
		}

		token := c.GetHeader(opts.HeaderName)
		if token == "" {
			token = c.PostForm(formField)
		}
		if err := store.Verify(session, token); err != nil {
			log.WithContext(ctx).Debug("rejected request", zap.String("path", c.FullPath()), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "CSRF token mismatch"})
			return
		}
		c.Request = c.Request.WithContext(db.WithWriteAuthorization(ctx, db.AuthorizedByCSRF))
		c.Next()
	}
}

// SessionID returns the session id set by Middleware.
func SessionID(c *gin.Context) string {
	return c.GetString(sessionKey)
}
