package httpapi

import (
	"callscore/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Mount registers the health routes on r and the API under /api. identity
// runs first on every /api route and must attach an org and role (a token
// check, or auth.Anonymous when API auth is off).
func (h Handlers) Mount(r gin.IRouter, identity gin.HandlerFunc, extra ...gin.HandlerFunc) {
	r.GET("/health", h.Health)
	r.GET("/health/detailed", h.HealthDetailed)

	api := r.Group("/api")
	api.Use(extra...)
	api.Use(identity, rbac.RequireOrg())

	read := rbac.RequireAnyRole(rbac.RoleViewer, rbac.RoleOperator)
	operate := rbac.RequireAnyRole(rbac.RoleOperator)
	admin := rbac.RequireAnyRole(rbac.RoleAdmin)

	callsGroup := api.Group("/calls")
	{
		callsGroup.GET("", read, h.ListCalls)
		callsGroup.GET("/:id", read, h.GetCall)
		callsGroup.DELETE("/:id", admin, h.DeleteCall)
		callsGroup.GET("/:id/events", read, h.CallEvents)
		callsGroup.GET("/:id/analysis", read, h.CallAnalysis)
		callsGroup.POST("/:id/analyze", operate, h.AnalyzeCall)
		callsGroup.POST("/:id/reanalyze", operate, h.ReanalyzeCall)
		callsGroup.GET("/:id/report", read, h.CallReport)
	}

	analyses := api.Group("/analyses")
	{
		analyses.GET("", read, h.ListAnalyses)
		analyses.GET("/alerts", read, h.Alerts)
		analyses.GET("/statistics", read, h.AnalysisStatistics)
		analyses.GET("/models", read, h.Models)
		analyses.GET("/:id", read, h.GetAnalysis)
	}

	reports := api.Group("/reports")
	{
		reports.GET("/daily", read, h.DailyReport)
		reports.POST("/daily/send", operate, h.SendDailyReport)
		reports.GET("/weekly", read, h.WeeklyReport)
		reports.GET("/trends", read, h.Trends)
		reports.GET("/agent/:id", read, h.AgentReport)
	}

	notifications := api.Group("/notifications")
	{
		notifications.GET("", read, h.ListNotifications)
		notifications.GET("/statistics", read, h.NotificationStatistics)
		notifications.GET("/channels", read, h.NotificationChannels)
		notifications.POST("/test", operate, h.TestNotification)
		notifications.POST("/send", operate, h.SendNotification)
		notifications.PUT("/settings", admin, h.UpdateSettings)
		notifications.GET("/preferences/:userId", read, h.GetPreferences)
		notifications.PUT("/preferences/:userId", operate, h.PutPreferences)
	}

	api.GET("/queues", read, h.Queues)
	api.GET("/exports/analyses", operate, h.ExportAnalyses)
	api.GET("/exports/files/:name", operate, h.DownloadExport)
}
