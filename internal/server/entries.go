package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/litepool/internal/common/logger"
	"github.com/kandev/litepool/internal/csrf"
	"github.com/kandev/litepool/internal/db"
	"github.com/kandev/litepool/internal/events/bus"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBulkEntries   = 100000
)

// Entry is a row of the entries table.
type Entry struct {
	ID        int64     `db:"id" json:"id"`
	Source    string    `db:"source" json:"source"`
	Message   string    `db:"message" json:"message"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type entryRequest struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

func (r entryRequest) validate() error {
	if strings.TrimSpace(r.Source) == "" || strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("%w: source and message are required", errInvalidPayload)
	}
	return nil
}

type bulkRequest struct {
	Entries []entryRequest `json:"entries"`
}

type logRequest struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Handlers serves the entries API.
type Handlers struct {
	db     *db.Manager
	bus    bus.EventBus
	csrf   *csrf.Store
	logger *logger.Logger
}

func NewHandlers(m *db.Manager, eventBus bus.EventBus, store *csrf.Store, log *logger.Logger) *Handlers {
	return &Handlers{
		db:     m,
		bus:    eventBus,
		csrf:   store,
		logger: log.WithFields(zap.String("component", "entries-handlers")),
	}
}

func (h *Handlers) register(router *gin.Engine) {
	router.GET("/healthz", h.httpHealth)

	api := router.Group("/api/v1")
	api.GET("/csrf", h.httpCSRFToken)
	api.GET("/entries", h.httpListEntries)
	api.GET("/entries/:id", h.httpGetEntry)
	api.POST("/entries", h.httpCreateEntry)
	api.POST("/entries/bulk", h.httpBulkCreateEntries)
	api.POST("/logs", h.httpWriteLog)
}

func (h *Handlers) httpHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"driver":        h.db.Driver(),
		"pools":         h.db.Stats(),
		"bus_connected": h.bus.IsConnected(),
	})
}

func (h *Handlers) httpCSRFToken(c *gin.Context) {
	token, err := h.csrf.Token(csrf.SessionID(c))
	if err != nil {
		writeError(c, h.logger, "failed to issue token", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (h *Handlers) httpListEntries(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxListLimit)
	}
	source := c.Query("source")
	ctx := c.Request.Context()

	entries := []Entry{}
	err := h.db.ReadFunc(ctx, func(r *db.ReadConn) error {
		if source == "" {
			return r.Select(ctx, &entries, r.Rebind(
				"SELECT id, source, message, created_at FROM entries ORDER BY id DESC LIMIT ?"), limit)
		}
		return r.Select(ctx, &entries, r.Rebind(
			"SELECT id, source, message, created_at FROM entries WHERE source = ? ORDER BY id DESC LIMIT ?"), source, limit)
	})
	if err != nil {
		writeError(c, h.logger, "failed to list entries", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *Handlers) httpGetEntry(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	ctx := c.Request.Context()

	var entry Entry
	err = h.db.ReadFunc(ctx, func(r *db.ReadConn) error {
		return r.Get(ctx, &entry, r.Rebind("SELECT id, source, message, created_at FROM entries WHERE id = ?"), id)
	})
	if err != nil {
		writeError(c, h.logger, "failed to get entry", err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *Handlers) httpCreateEntry(c *gin.Context) {
	var body entryRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := body.validate(); err != nil {
		writeError(c, h.logger, err.Error(), err)
		return
	}
	ctx := c.Request.Context()

	entry := Entry{Source: body.Source, Message: body.Message, CreatedAt: time.Now().UTC()}
	err := h.db.WriteFunc(ctx, WriteAuth(c), func(tx *db.Tx) error {
		id, err := tx.InsertReturningID(ctx,
			"INSERT INTO entries (source, message, created_at) VALUES (?, ?, ?)",
			entry.Source, entry.Message, entry.CreatedAt)
		if err != nil {
			return err
		}
		entry.ID = id
		tx.OnCommit(func(ctx context.Context) {
			h.publish(ctx, bus.SubjectEntryCreated, "entry.created", map[string]any{
				"id":     entry.ID,
				"source": entry.Source,
			})
		})
		return nil
	})
	if err != nil {
		writeError(c, h.logger, "failed to create entry", err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *Handlers) httpBulkCreateEntries(c *gin.Context) {
	var body bulkRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(body.Entries) == 0 || len(body.Entries) > maxBulkEntries {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("entries must hold 1..%d items", maxBulkEntries)})
		return
	}
	for _, e := range body.Entries {
		if err := e.validate(); err != nil {
			writeError(c, h.logger, err.Error(), err)
			return
		}
	}
	ctx := c.Request.Context()

	var inserted int64
	var batches int
	now := time.Now().UTC()
	err := h.db.WriteFunc(ctx, WriteAuth(c), func(tx *db.Tx) error {
		b, err := tx.BulkInsert("entries", []string{"source", "message", "created_at"})
		if err != nil {
			return err
		}
		for _, e := range body.Entries {
			if err := b.AddValues(ctx, e.Source, e.Message, now); err != nil {
				return err
			}
		}
		if err := b.Flush(ctx); err != nil {
			return err
		}
		inserted, batches = b.Inserted(), b.Batches()
		tx.OnCommit(func(ctx context.Context) {
			h.publish(ctx, bus.SubjectEntriesBulk, "entries.bulk", map[string]any{
				"inserted": inserted,
				"batches":  batches,
			})
		})
		return nil
	})
	if err != nil {
		writeError(c, h.logger, "failed to create entries", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"inserted": inserted, "batches": batches})
}

// httpWriteLog accepts client-side log lines. The route is exempt from
// CSRF checks, so writes run as db.AuthorizedUnprotectedEndpoint.
func (h *Handlers) httpWriteLog(c *gin.Context) {
	var body logRequest
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	level := strings.ToLower(body.Level)
	if level == "" {
		level = "info"
	}
	ctx := c.Request.Context()

	err := h.db.WriteFunc(ctx, WriteAuth(c), func(tx *db.Tx) error {
		_, err := tx.Exec(ctx, tx.Rebind("INSERT INTO logs (level, message, session_id, created_at) VALUES (?, ?, ?, ?)"),
			level, body.Message, csrf.SessionID(c), time.Now().UTC())
		if err != nil {
			return err
		}
		tx.OnCommit(func(ctx context.Context) {
			h.publish(ctx, bus.SubjectLogWritten, "log.written", map[string]any{"level": level})
		})
		return nil
	})
	if err != nil {
		writeError(c, h.logger, "failed to write log", err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handlers) publish(ctx context.Context, subject, eventType string, data map[string]any) {
	if err := h.bus.Publish(ctx, subject, bus.NewEvent(eventType, "litepool", data)); err != nil {
		h.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
