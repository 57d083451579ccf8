// Package control exposes the engine's action surface and its read-only
// state projection over a local HTTP API.
package control

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/zeusync/livesync/internal/core/observability/log"
	"github.com/zeusync/livesync/internal/core/sync/conflict"
	"github.com/zeusync/livesync/internal/core/sync/model"
	"github.com/zeusync/livesync/internal/core/sync/polling"
	"github.com/zeusync/livesync/internal/core/sync/push"
)

// Engine is the part of *engine.Engine the API drives.
type Engine interface {
	Snapshot() *model.SynchronizationState
	Changes(t model.ResourceType) []model.Change
	Notifications() ([]model.NotificationView, int)
	ApplyOptimisticUpdate(intent model.Intent) (model.Change, error)
	Poll(ctx context.Context) (polling.Outcome, error)
	ResolveConflict(conflictID string, strategy model.Strategy, payload json.RawMessage) (conflict.Outcome, error)
	Ingest(raw []byte) push.Result
	Foreground()
	Background()
}

type Options struct {
	Token        string
	AllowOrigins []string
	Logger       log.Log
}

func NewRouter(e Engine, opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	origins := opts.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	h := &handler{engine: e}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(opts.Logger.With(log.String("component", "control"))))
	r.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	v1.Use(bearerAuth(opts.Token))
	{
		v1.GET("/state", h.State)
		v1.GET("/conflicts", h.Conflicts)
		v1.GET("/changes", h.Changes)
		v1.GET("/notifications", h.Notifications)
		v1.POST("/changes", h.ApplyChange)
		v1.POST("/poll", h.Poll)
		v1.POST("/conflicts/:id/resolve", h.ResolveConflict)
		v1.POST("/push", h.Ingest)
		v1.POST("/lifecycle/:state", h.Lifecycle)
	}
	return r
}
