package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/supportdesk/internal/common"
	"github.com/suPer8Hu/supportdesk/internal/config"
	"github.com/suPer8Hu/supportdesk/internal/httpapi/handlers"
	"github.com/suPer8Hu/supportdesk/internal/httpapi/middleware"
)

// Sockets serves the /ws upgrade.
type Sockets interface {
	ServeWS(c *gin.Context)
}

func NewRouter(cfg config.Config, h *handlers.Handler, ws Sockets, log zerolog.Logger) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))
	r.Use(middleware.CORS(cfg.WidgetAllowedOrigins))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if ws != nil {
		r.GET("/ws", ws.ServeWS)
	}

	// users register
	r.POST("/users", h.CreateUser)

	// auth
	r.POST("/login", h.Login)
	authed := r.Group("/")
	authed.Use(middleware.AuthRequired(cfg.JWTSecret))
	authed.GET("/me", h.Me)
	authed.POST("/agents", middleware.RequireAdmin(), h.CreateAgent)

	// provider webhooks
	r.GET("/channels/:name/webhook", h.VerifyWebhook)
	r.POST("/channels/:name/webhook", h.ReceiveWebhook)

	// AI agent
	r.POST("/ai-agent/webhook", h.AIAgentWebhook)
	agent := r.Group("/ai-agent", middleware.AuthRequired(cfg.JWTSecret), middleware.RequireStaff())
	agent.POST("/trigger", h.TriggerAgent)
	agent.GET("/jobs/:job_id", h.GetAgentJob)

	// agent dashboard
	dash := r.Group("/agent-dashboard", middleware.AuthRequired(cfg.JWTSecret), middleware.RequireStaff())
	dash.GET("/stats", h.Stats)
	dash.GET("/conversations", h.ListConversations)
	dash.GET("/conversations/:id", h.GetConversation)
	dash.GET("/conversations/:id/messages", h.ListMessages)
	dash.POST("/conversations/:id/messages", h.SendMessage)
	dash.POST("/conversations/:id/assign", h.Assign)
	dash.POST("/conversations/:id/resolve", h.Resolve)
	dash.POST("/conversations/:id/reopen", h.Reopen)
	dash.POST("/conversations/:id/join", h.Join)
	dash.POST("/conversations/:id/leave", h.Leave)
	dash.POST("/conversations/:id/read", h.MarkRead)
	dash.GET("/conversations/:id/typing", h.ListTyping)
	dash.PATCH("/conversations/:id/priority", h.SetPriority)

	// widget
	r.POST("/widget/conversation", h.StartWidgetConversation)
	widget := r.Group("/widget", middleware.AuthRequired(cfg.JWTSecret))
	widget.POST("/message", h.SendWidgetMessage)
	widget.GET("/conversation/:id/messages", h.ListWidgetMessages)

	return r
}
