package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"nexora-dispatch/internal/apperrors"
	"nexora-dispatch/internal/model"
)

type MailService interface {
	SendMail(ctx context.Context, req *model.SendMailRequest) ([]model.QueuedEmail, error)
	BulkSend(ctx context.Context, req *model.BulkSendRequest) ([]model.QueuedEmail, error)
	History(ctx context.Context, userID uuid.UUID) ([]model.ContactHistory, error)
	GetJob(ctx context.Context, jobID string) (*model.JobInfo, error)
	QueueStats(ctx context.Context) (model.QueueStats, error)
}

type MailHandler struct {
	BaseHandler

	log *zap.Logger
	svc MailService
}

func NewMailHandler(log *zap.Logger, svc MailService) *MailHandler {
	return &MailHandler{
		BaseHandler: BaseHandler{},
		log:         log,
		svc:         svc,
	}
}

type queuedResponse struct {
	Status  string              `json:"status"`
	Message string              `json:"message"`
	Data    []model.QueuedEmail `json:"data"`
}

type historyQuery struct {
	UserID string `form:"user_id" binding:"required,uuid"`
}

type jobPathParam struct {
	ID string `uri:"id" binding:"required"`
}

// SendMail
// @Summary Queue one email per recipient.
// @Tags Mail
// @Accept json
// @Produce json
// @Param input body model.SendMailRequest true "Email and recipients"
// @Success 202 {object} queuedResponse "Emails queued for sending."
// @Failure 400 {object} queuedResponse "Invalid request"
// @Failure 500 {object} queuedResponse "Batch stopped, data lists the emails already queued"
// @Failure 503 {object} queuedResponse "Queue unavailable, data lists the emails already queued"
// @Router /mail/send [post]
func (h *MailHandler) SendMail(c *gin.Context) {
	var req model.SendMailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err.Error())
		return
	}

	queued, err := h.svc.SendMail(c.Request.Context(), &req)
	h.respondQueued(c, queued, err)
}

// BulkSend
// @Summary Queue personalized emails, one per entry.
// @Tags Mail
// @Accept json
// @Produce json
// @Param input body model.BulkSendRequest true "Personalized emails"
// @Success 202 {object} queuedResponse "Emails queued for sending."
// @Failure 400 {object} queuedResponse "Invalid request"
// @Failure 500 {object} queuedResponse "Batch stopped, data lists the emails already queued"
// @Failure 503 {object} queuedResponse "Queue unavailable, data lists the emails already queued"
// @Router /mail/bulk-send [post]
func (h *MailHandler) BulkSend(c *gin.Context) {
	var req model.BulkSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err.Error())
		return
	}

	queued, err := h.svc.BulkSend(c.Request.Context(), &req)
	h.respondQueued(c, queued, err)
}

// respondQueued always returns the emails already queued: they are delivered
// even when a later recipient of the batch failed, and a client must not
// resend them.
func (h *MailHandler) respondQueued(c *gin.Context, queued []model.QueuedEmail, err error) {
	if queued == nil {
		queued = []model.QueuedEmail{}
	}

	if err != nil {
		code, status := http.StatusInternalServerError, StatusInternalError

		switch {
		case errors.Is(err, apperrors.ErrInvalidPayload), errors.Is(err, apperrors.ErrNoRecipients):
			code, status = http.StatusBadRequest, StatusInvalidInput
		case errors.Is(err, apperrors.ErrQueueUnavailable):
			code, status = http.StatusServiceUnavailable, StatusErr
		}

		if code != http.StatusBadRequest {
			h.log.Error("Failed to queue emails", zap.Error(err), zap.Int("queued", len(queued)))
		}

		c.JSON(code, queuedResponse{
			Status:  status,
			Message: err.Error(),
			Data:    queued,
		})

		return
	}

	c.JSON(http.StatusAccepted, queuedResponse{
		Status:  StatusSuccess,
		Message: "Emails queued for sending.",
		Data:    queued,
	})
}

// History
// @Summary Contacts of a user with every email sent to them.
// @Tags Mail
// @Produce json
// @Param user_id query string true "User UUID"
// @Success 200 {object} ResponseWithData{data=[]model.ContactHistory}
// @Failure 400 {object} ResponseWithMessage "Invalid user id"
// @Router /mail/history [get]
func (h *MailHandler) History(c *gin.Context) {
	var query historyQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		h.badRequest(c, err.Error())
		return
	}

	userID, err := uuid.Parse(query.UserID)
	if err != nil {
		h.badRequest(c, "invalid user id format")
		return
	}

	history, err := h.svc.History(c.Request.Context(), userID)
	if err != nil {
		h.log.Error("Failed to load history", zap.Error(err), zap.String("user_id", userID.String()))

		c.JSON(http.StatusInternalServerError, ResponseWithMessage{
			Status:  StatusInternalError,
			Message: err.Error(),
		})

		return
	}

	if history == nil {
		history = []model.ContactHistory{}
	}

	c.JSON(http.StatusOK, ResponseWithData{
		Status: StatusSuccess,
		Data:   history,
	})
}

// GetJob
// @Summary State of one queued job.
// @Tags Mail
// @Produce json
// @Param id path string true "Job id"
// @Success 200 {object} ResponseWithData{data=model.JobInfo}
// @Failure 404 {object} ResponseWithMessage "Job not found"
// @Router /mail/jobs/{id} [get]
func (h *MailHandler) GetJob(c *gin.Context) {
	var uri jobPathParam
	if err := c.ShouldBindUri(&uri); err != nil {
		h.badRequest(c, err.Error())
		return
	}

	info, err := h.svc.GetJob(c.Request.Context(), uri.ID)
	if err != nil {
		if errors.Is(err, apperrors.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, ResponseWithMessage{
				Status:  StatusErr,
				Message: "job not found",
			})

			return
		}

		c.JSON(http.StatusInternalServerError, ResponseWithMessage{
			Status:  StatusInternalError,
			Message: err.Error(),
		})

		return
	}

	c.JSON(http.StatusOK, ResponseWithData{
		Status: StatusSuccess,
		Data:   info,
	})
}

// QueueStats
// @Summary Job counts per state.
// @Tags Mail
// @Produce json
// @Success 200 {object} ResponseWithData{data=model.QueueStats}
// @Failure 503 {object} ResponseWithMessage "Queue unavailable"
// @Router /mail/queue/stats [get]
func (h *MailHandler) QueueStats(c *gin.Context) {
	stats, err := h.svc.QueueStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, ResponseWithMessage{
			Status:  StatusErr,
			Message: err.Error(),
		})

		return
	}

	c.JSON(http.StatusOK, ResponseWithData{
		Status: StatusSuccess,
		Data:   stats,
	})
}
