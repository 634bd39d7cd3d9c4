// Package httpapi is the local REST surface the UI shell talks to.
package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"syncClient/backend/internal/control"
	"syncClient/backend/internal/httpapi/handlers"
	"syncClient/backend/internal/httpapi/middleware"
	"syncClient/backend/internal/ws"
)

type Options struct {
	API       handlers.API
	Publisher *control.Publisher
	Feed      *ws.Manager
	// Tracks/Intents 来自 MySQL；为空不注册历史接口
	Tracks  handlers.Tracks
	Intents handlers.IntentHistory
	// PasswordHash bcrypt 哈希；为空不鉴权
	PasswordHash string
	EnableCORS   bool
}

func NewRouter(opt Options) *gin.Engine {
	h := handlers.NewHandler(opt.API, opt.Publisher)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	if opt.EnableCORS {
		router.Use(cors.New(cors.Config{
			// 允许任意来源（包含 file:// 场景的 Origin: null）
			AllowOriginFunc:  func(origin string) bool { return true },
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", h.Health)

	r := router.Group("/v1")
	r.Use(middleware.PasswordMiddleware(opt.PasswordHash))
	{
		r.GET("/status", h.Status)
		r.GET("/entities", h.ListEntities)
		r.GET("/entities/:entityId", h.GetEntity)
		r.POST("/intents", h.SubmitIntent)
		r.GET("/intents", h.ListIntents)
		if opt.Publisher != nil {
			r.GET("/control", h.GetControl)
			r.POST("/control", h.UpdateControl)
		}
		if opt.Feed != nil {
			r.GET("/ws", opt.Feed.Connect)
		}
		history := handlers.NewHistoryHandler(opt.Tracks, opt.Intents)
		if opt.Tracks != nil {
			r.GET("/entities/:entityId/track", history.EntityTrack)
		}
		if opt.Intents != nil {
			r.GET("/history/intents", history.RecentIntents)
			r.GET("/history/intents/:intentId", history.GetIntent)
		}
	}
	return router
}
