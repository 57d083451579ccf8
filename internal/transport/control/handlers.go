package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zeusync/livesync/internal/core/sync/conflict"
	"github.com/zeusync/livesync/internal/core/sync/engine"
	"github.com/zeusync/livesync/internal/core/sync/errs"
	"github.com/zeusync/livesync/internal/core/sync/model"
	"github.com/zeusync/livesync/internal/core/sync/optimistic"
	"github.com/zeusync/livesync/internal/core/sync/store"
)

// maxPushBody bounds a single injected push message.
const maxPushBody = 1 << 20

type handler struct {
	engine Engine
}

type resolveBody struct {
	Strategy model.Strategy  `json:"strategy"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type pollBody struct {
	ServerVersion int64            `json:"serverVersion"`
	Applied       int              `json:"applied"`
	Opened        []model.Conflict `json:"opened"`
	FullRefresh   bool             `json:"fullRefresh"`
	Recovered     bool             `json:"recovered"`
	LatencyMS     int64            `json:"latencyMs"`
}

func (h *handler) State(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Snapshot())
}

func (h *handler) Conflicts(c *gin.Context) {
	snap := h.engine.Snapshot()
	conflicts := snap.Conflicts
	if conflicts == nil {
		conflicts = []model.Conflict{}
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts, "resolved": snap.ResolvedConflicts})
}

// Changes serves the cached recent-changes view of one resource type.
func (h *handler) Changes(c *gin.Context) {
	t := model.ResourceType(c.Query("type"))
	if !t.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown resource type"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resourceType": t, "changes": h.engine.Changes(t)})
}

func (h *handler) Notifications(c *gin.Context) {
	list, unread := h.engine.Notifications()
	if list == nil {
		list = []model.NotificationView{}
	}
	c.JSON(http.StatusOK, gin.H{"unreadCount": unread, "notifications": list})
}

func (h *handler) ApplyChange(c *gin.Context) {
	var intent model.Intent
	if err := c.ShouldBindJSON(&intent); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	change, err := h.engine.ApplyOptimisticUpdate(intent)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, change)
}

func (h *handler) Poll(c *gin.Context) {
	out, err := h.engine.Poll(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	opened := out.Opened
	if opened == nil {
		opened = []model.Conflict{}
	}
	c.JSON(http.StatusOK, pollBody{
		ServerVersion: out.Result.ServerVersion,
		Applied:       len(out.Applied),
		Opened:        opened,
		FullRefresh:   out.FullRefresh,
		Recovered:     out.Recovered,
		LatencyMS:     out.Latency.Milliseconds(),
	})
}

func (h *handler) ResolveConflict(c *gin.Context) {
	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	out, err := h.engine.ResolveConflict(c.Param("id"), body.Strategy, body.Payload)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflict": out.Conflict, "requeued": out.Requeued})
}

// Ingest feeds a raw push message through the pipeline. Dropped messages are
// not errors; the reason is reported in the body.
func (h *handler) Ingest(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPushBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	res := h.engine.Ingest(raw)
	c.JSON(http.StatusOK, gin.H{
		"accepted":    res.Accepted,
		"reason":      res.Reason,
		"unreadCount": res.Unread,
	})
}

func (h *handler) Lifecycle(c *gin.Context) {
	switch c.Param("state") {
	case "foreground":
		h.engine.Foreground()
	case "background":
		h.engine.Background()
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown lifecycle state"})
		return
	}
	c.Status(http.StatusNoContent)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, conflict.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, optimistic.ErrPendingLimit):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrStopped), errors.Is(err, store.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	default:
		switch errs.KindOf(err) {
		case errs.KindValidation:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": errs.KindValidation.String()})
		case errs.KindTransient, errs.KindPermanent, errs.KindCorruption:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "kind": errs.KindOf(err).String()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	}
}
