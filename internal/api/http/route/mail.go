package route

import (
	"github.com/gin-gonic/gin"
)

type MailHandler interface {
	SendMail(c *gin.Context)
	BulkSend(c *gin.Context)
	History(c *gin.Context)
	GetJob(c *gin.Context)
	QueueStats(c *gin.Context)
}

func RegisterMailRoutes(g *gin.RouterGroup, h MailHandler) {
	g.POST("/send", h.SendMail)
	g.POST("/bulk-send", h.BulkSend)
	g.GET("/history", h.History)
	g.GET("/jobs/:id", h.GetJob)
	g.GET("/queue/stats", h.QueueStats)
}
