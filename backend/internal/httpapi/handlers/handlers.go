package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"syncClient/backend/internal/control"
	"syncClient/backend/internal/outbox"
	"syncClient/backend/internal/realtime"
	"syncClient/backend/internal/state"
)

// API is the part of realtime.Client the REST surface exposes.
type API interface {
	Status() realtime.Status
	Entities() []state.Snapshot
	Get(entityID string) (state.Snapshot, bool)
	Submit(ctx context.Context, payload json.RawMessage) (outbox.Ticket, error)
	Intents() []outbox.Intent
}

type Handler struct {
	api API
	pub *control.Publisher
}

func NewHandler(api API, pub *control.Publisher) *Handler {
	return &Handler{api: api, pub: pub}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.api.Status())
}

// GET /v1/entities?ids=a,b
func (h *Handler) ListEntities(c *gin.Context) {
	ids := c.Query("ids")
	if ids == "" {
		c.JSON(http.StatusOK, gin.H{"entities": h.api.Entities()})
		return
	}
	out := make([]state.Snapshot, 0)
	for _, id := range strings.Split(ids, ",") {
		if s, ok := h.api.Get(strings.TrimSpace(id)); ok {
			out = append(out, s)
		}
	}
	c.JSON(http.StatusOK, gin.H{"entities": out})
}

func (h *Handler) GetEntity(c *gin.Context) {
	entityID := c.Param("entityId")
	s, ok := h.api.Get(entityID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "entity " + entityID + " not found"})
		return
	}
	c.JSON(http.StatusOK, s)
}

// POST /v1/intents 请求体即意图 payload；?wait=3s 时等待确认结果
func (h *Handler) SubmitIntent(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	ticket, err := h.api.Submit(c.Request.Context(), body)
	if err != nil {
		writeSubmitError(c, err)
		return
	}

	wait, _ := time.ParseDuration(c.Query("wait"))
	if wait <= 0 {
		c.JSON(http.StatusAccepted, gin.H{"clientIntentId": ticket.ID, "status": outbox.Pending})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()
	out, err := ticket.Wait(ctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusAccepted, gin.H{"clientIntentId": ticket.ID, "status": outbox.Sent})
	case err != nil:
		c.JSON(http.StatusConflict, gin.H{"clientIntentId": ticket.ID, "status": out.Status, "code": "INTENT_FAILED", "message": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"clientIntentId": ticket.ID, "status": out.Status, "attempts": out.Attempts})
	}
}

func (h *Handler) ListIntents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"intents": h.api.Intents()})
}

type controlReq struct {
	Armed     *bool    `json:"armed"`
	Throttle  *float64 `json:"throttle"`
	JoystickX *float64 `json:"joystick_x"`
	JoystickY *float64 `json:"joystick_y"`
}

func (h *Handler) GetControl(c *gin.Context) {
	c.JSON(http.StatusOK, h.pub.State())
}

// POST /v1/control 只更新请求里出现的字段
func (h *Handler) UpdateControl(c *gin.Context) {
	var req controlReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	st, err := h.pub.Update(func(s *control.State) {
		if req.Armed != nil {
			s.Armed = *req.Armed
		}
		if req.Throttle != nil {
			s.Throttle = *req.Throttle
		}
		if req.JoystickX != nil {
			s.JoystickX = *req.JoystickX
		}
		if req.JoystickY != nil {
			s.JoystickY = *req.JoystickY
		}
	})
	switch {
	case errors.Is(err, control.ErrOffline):
		c.JSON(http.StatusConflict, gin.H{"code": "SYSTEM_OFFLINE", "message": "System offline", "control": st})
		return
	case errors.Is(err, control.ErrNotArmed):
		// 其余字段已生效，油门归零
		c.JSON(http.StatusConflict, gin.H{"code": "NOT_ARMED", "message": "System must be armed to set throttle", "control": st})
		return
	}
	c.JSON(http.StatusOK, st)
}

func writeSubmitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, outbox.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "QUEUE_FULL", "message": err.Error()})
	case errors.Is(err, outbox.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "CLOSED", "message": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
	}
}
