package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"syncClient/backend/internal/store"
)

// Tracks is satisfied by *store.TrackStore.
type Tracks interface {
	ListTrack(ctx context.Context, entityID string, limit int) ([]store.TrackPoint, error)
}

// IntentHistory is satisfied by *store.IntentLog.
type IntentHistory interface {
	Get(ctx context.Context, id string) (*store.IntentRecord, error)
	Recent(ctx context.Context, limit int) ([]store.IntentRecord, error)
}

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	historyTimeout      = 3 * time.Second
)

// HistoryHandler serves what the MySQL sinks recorded.
type HistoryHandler struct {
	tracks  Tracks
	intents IntentHistory
}

func NewHistoryHandler(tracks Tracks, intents IntentHistory) *HistoryHandler {
	return &HistoryHandler{tracks: tracks, intents: intents}
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultHistoryLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "limit must be a positive integer"})
		return 0, false
	}
	return min(n, maxHistoryLimit), true
}

// GET /v1/entities/:entityId/track?limit=
func (h *HistoryHandler) EntityTrack(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), historyTimeout)
	defer cancel()
	points, err := h.tracks.ListTrack(ctx, c.Param("entityId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "STORE_ERROR", "message": err.Error()})
		return
	}
	if points == nil {
		points = []store.TrackPoint{}
	}
	c.JSON(http.StatusOK, gin.H{"entityId": c.Param("entityId"), "track": points})
}

// GET /v1/history/intents?limit=
func (h *HistoryHandler) RecentIntents(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), historyTimeout)
	defer cancel()
	recs, err := h.intents.Recent(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "STORE_ERROR", "message": err.Error()})
		return
	}
	if recs == nil {
		recs = []store.IntentRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"intents": recs})
}

// GET /v1/history/intents/:intentId
func (h *HistoryHandler) GetIntent(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), historyTimeout)
	defer cancel()
	rec, err := h.intents.Get(ctx, c.Param("intentId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "STORE_ERROR", "message": err.Error()})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "intent not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}
