package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	StatusErr           = "error"
	StatusSuccess       = "success"
	StatusNotAvailable  = "not available"
	StatusInvalidInput  = "invalid_input"
	StatusInternalError = "internal_error"
)

type BaseHandler struct{}

func (h *BaseHandler) badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ResponseWithMessage{
		Status:  StatusInvalidInput,
		Message: message,
	})
}

// ResponseWithData
// @Description Common success/error response carrying arbitrary data.
type ResponseWithData struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
} // @Name _ResponseWithData

// ResponseWithMessage
// @Description Common response carrying only a human readable message.
type ResponseWithMessage struct {
	Status  string `json:"status"`
	Message string `json:"message"`
} // @Name _ResponseWithMessage

func NoMethod(c *gin.Context) {
	c.JSON(http.StatusMethodNotAllowed, ResponseWithMessage{
		Status:  StatusNotAvailable,
		Message: "method not allowed on this endpoint",
	})
}

func NoRoute(c *gin.Context) {
	c.JSON(http.StatusNotFound, ResponseWithMessage{
		Status:  StatusNotAvailable,
		Message: "page not found",
	})
}
