package server

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/litepool/internal/common/logger"
	"github.com/kandev/litepool/internal/db"
)

var errInvalidPayload = errors.New("invalid payload")

// writeError maps database errors onto HTTP statuses. Pool exhaustion is
// a 503 so clients back off instead of treating it as a server fault.
func writeError(c *gin.Context, log *logger.Logger, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errInvalidPayload), errors.Is(err, db.ErrRowShape):
		status = http.StatusBadRequest
	case errors.Is(err, sql.ErrNoRows):
		status = http.StatusNotFound
	case errors.Is(err, db.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, db.ErrPoolExhausted), errors.Is(err, db.ErrConnectionFailure), errors.Is(err, db.ErrPoolClosed):
		status = http.StatusServiceUnavailable
		c.Header("Retry-After", "1")
	}

	switch {
	case status == http.StatusServiceUnavailable:
		log.WithContext(c.Request.Context()).Warn(msg, zap.Error(err))
	case status >= http.StatusInternalServerError:
		log.WithContext(c.Request.Context()).Error(msg, zap.Error(err))
	}
	c.JSON(status, gin.H{"error": msg})
}

// WriteAuth returns the write authorization the middleware chain granted
// this request.
func WriteAuth(c *gin.Context) db.WriteAuthorization {
	return db.WriteAuthorizationFrom(c.Request.Context())
}
