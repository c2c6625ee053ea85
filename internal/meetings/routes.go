package meetings

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts the meeting API. stream may be nil when live progress is disabled.
func RegisterRoutes(r gin.IRouter, h *Handler, stream gin.HandlerFunc) {
	r.GET("/meetings", h.List)
	r.POST("/meetings", h.Create)
	r.GET("/meetings/:id", h.Get)
	r.PUT("/meetings/:id", h.Update)
	r.PATCH("/meetings/:id", h.Update)
	r.DELETE("/meetings/:id", h.Delete)

	r.POST("/meetings/:id/upload-url", h.UploadURL)
	r.POST("/meetings/:id/upload", h.Upload)
	r.POST("/meetings/:id/recording", h.RegisterRecording)
	r.POST("/meetings/:id/transcribe", h.Transcribe)
	r.POST("/meetings/:id/insights/run", h.RunInsights)
	r.GET("/meetings/:id/progress", h.Progress)
	if stream != nil {
		r.GET("/meetings/:id/progress/stream", stream)
	}
	r.GET("/meetings/:id/insights", h.Insights)
	r.PUT("/meetings/:id/insights", h.UpdateInsights)

	r.POST("/meetings/:id/notes", h.AddNote)
	r.PUT("/meetings/:id/notes/:subId", h.UpdateNote)
	r.DELETE("/meetings/:id/notes/:subId", h.DeleteNote)
	r.POST("/meetings/:id/agenda", h.AddAgendaItem)
	r.PUT("/meetings/:id/agenda/:subId", h.UpdateAgendaItem)
	r.DELETE("/meetings/:id/agenda/:subId", h.DeleteAgendaItem)
	r.POST("/meetings/:id/actions", h.AddAction)
	r.PUT("/meetings/:id/actions/:subId", h.UpdateAction)
	r.DELETE("/meetings/:id/actions/:subId", h.DeleteAction)
	r.POST("/meetings/:id/actions/:subId/calendar", h.PromoteAction)

	r.GET("/uploads/serve", h.ServeMedia)
}
