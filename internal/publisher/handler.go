package publisher

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mailguard/internal/logger"
	"mailguard/pkg/errors"
	"mailguard/pkg/health"
)

type SendResponse struct {
	Status    string `json:"status" example:"sent"`
	MessageID string `json:"message_id" example:"5b1f8c0e-3c1a-4e7e-9d6a-0c2f4b7e1a90"`
}

type Handler struct {
	service Service
	logger  logger.Logger
}

func NewHandler(service Service, log logger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  log,
	}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.POST("/message", h.PublishMessage)
	router.GET("/ping", health.Ping)
}

func (h *Handler) handleError(c *gin.Context, err error) {
	h.logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)

	status := http.StatusInternalServerError
	if errors.IsValidation(err) {
		status = http.StatusBadRequest
	}
	c.JSON(status, errors.ToDetailResponse(err))
}

// PublishMessage godoc
// @Summary      Publish a message for inspection
// @Description  Validates the message and publishes it to the broker topic
// @Tags         messages
// @Accept       json
// @Produce      json
// @Param        message  body      SubmitRequest  true  "Message to inspect"
// @Success      200      {object}  SendResponse
// @Failure      400      {object}  errors.DetailResponse
// @Failure      500      {object}  errors.DetailResponse
// @Router       /message [post]
func (h *Handler) PublishMessage(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleError(c, errors.ErrValidation.WithCause(err))
		return
	}

	ack, err := h.service.Submit(c.Request.Context(), req)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, SendResponse{
		Status:    ack.Status,
		MessageID: ack.MessageID,
	})
}
