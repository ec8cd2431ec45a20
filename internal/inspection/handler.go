package inspection

import (
	"net/http"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"

	"mailguard/internal/logger"
	"mailguard/pkg/errors"
	"mailguard/pkg/health"
)

// InspectRequest allows an empty message; only a missing one is rejected.
type InspectRequest struct {
	Sender  string  `json:"sender" binding:"required"`
	Message *string `json:"message" binding:"required"`
}

type Handler struct {
	service Service
	logger  logger.Logger
}

func NewHandler(service Service, log logger.Logger) *Handler {
	return &Handler{service: service, logger: log}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.POST("/inspect", h.Inspect)
	router.GET("/ping", health.Ping)
}

// Inspect godoc
// @Summary      Classify a message with the language model
// @Description  Returns the model reply verbatim, normally {"type","score","reason"}
// @Tags         inspection
// @Accept       json
// @Produce      json
// @Param        request  body      InspectRequest  true  "Message to inspect"
// @Success      200      {string}  string
// @Failure      400      {object}  errors.DetailResponse
// @Failure      502      {object}  errors.DetailResponse
// @Router       /inspect [post]
func (h *Handler) Inspect(c *gin.Context) {
	var req InspectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToDetailResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	content, err := h.service.Inspect(c.Request.Context(), req.Sender, *req.Message)
	if err != nil {
		h.logger.ErrorwCtx(c.Request.Context(), "Inspection failed", "error", err)
		c.JSON(http.StatusBadGateway, errors.ToDetailResponse(err))
		return
	}

	contentType := "text/plain; charset=utf-8"
	if jsoniter.Valid([]byte(content)) {
		contentType = "application/json"
	}
	c.Data(http.StatusOK, contentType, []byte(content))
}
