package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"chatclient/internal/config"
	"chatclient/internal/metrics"
	"chatclient/internal/mw"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// webDir 存放视图层的静态资源，存在 index.html 时由本地 API 一并托管。
const webDir = "web"

// SetupRouter 统一初始化 Gin 中间件与本地控制 API。
func SetupRouter(cfg config.Config, h *Handler, limiter *mw.RouteLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.AllowedOrigins))
	if limiter != nil {
		r.Use(limiter.Middleware())
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.GET("/connection", h.Connection)
	api.GET("/session", h.GetSession)
	api.POST("/session/login", h.Login)
	api.GET("/settings/theme", h.GetTheme)
	api.PUT("/settings/theme", h.PutTheme)

	authed := api.Group("")
	authed.Use(h.RequireSession)
	authed.POST("/session/logout", h.Logout)

	authed.GET("/conversations", h.ListConversations)
	authed.DELETE("/conversations/active", h.DeselectConversation)
	authed.POST("/conversations/:id/select", h.SelectConversation)
	authed.GET("/conversations/:id/messages", h.Messages)
	authed.POST("/conversations/:id/messages", h.SendMessage)
	authed.POST("/conversations/:id/older", h.FetchOlder)
	authed.POST("/conversations/:id/images", h.UploadImage)
	authed.GET("/conversations/:id/typing", h.GetTyping)
	authed.POST("/conversations/:id/typing", h.SetTyping)

	authed.POST("/messages/:id/recall", h.RecallMessage)
	authed.POST("/messages/:id/delete-for-me", h.DeleteForSelf)

	authed.GET("/presence/:userId", h.GetPresence)
	authed.GET("/profiles/:userId", h.GetProfile)
	authed.GET("/notifications", h.Notifications)

	if _, err := os.Stat(filepath.Join(webDir, "index.html")); err == nil {
		r.NoRoute(serveWeb)
	}
	return r
}

// serveWeb 托管视图层，未知路径回退到 index.html。
func serveWeb(c *gin.Context) {
	if strings.HasPrefix(c.Request.URL.Path, "/api/") {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	clean := filepath.Clean("/" + c.Request.URL.Path)
	target := filepath.Join(webDir, strings.TrimPrefix(clean, "/"))
	if fi, err := os.Stat(target); err == nil && !fi.IsDir() {
		c.File(target)
		return
	}
	c.File(filepath.Join(webDir, "index.html"))
}
