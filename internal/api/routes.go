package api

import "github.com/gin-gonic/gin"

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/healthz", h.healthz)

	api := router.Group("/api")

	api.GET("/sessions", h.listSessions)
	api.DELETE("/sessions", h.killAll)
	api.GET("/sessions/:user", h.getSession)
	api.DELETE("/sessions/:user", h.endSession)
	api.POST("/sessions/:user/send", h.send)
	api.POST("/sessions/:user/interrupt", h.interrupt)

	api.GET("/pointers/:user", h.getPointer)
	api.DELETE("/pointers/:user", h.clearPointer)
	api.GET("/pointers/:user/all", h.listPointers)

	api.GET("/ledger", h.allRecords)
	api.GET("/ledger/:user", h.userRecords)
}
