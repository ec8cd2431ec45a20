package viewer

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"mailguard/internal/logger"
	"mailguard/pkg/cel"
	"mailguard/pkg/errors"
	"mailguard/pkg/health"
)

type ItemsResponse struct {
	Items []EmailItem `json:"items"`
}

type RecordsResponse struct {
	Items []EmailItem `json:"items"`
	Count int         `json:"count"`
}

type BaseHandler struct {
	Service Service
	Logger  logger.Logger
}

func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)

	status := errors.ToHTTPStatus(err)
	response := errors.ToErrorResponse(err)

	c.JSON(status, response)
}

type Handler struct {
	BaseHandler
}

func NewHandler(service Service, log logger.Logger) *Handler {
	return &Handler{
		BaseHandler: BaseHandler{
			Service: service,
			Logger:  log,
		},
	}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/ping", health.Ping)
	router.GET("/emails", h.ListEmails)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/records", h.ListRecords)
		v1.GET("/records/filters/examples", h.FilterExamples)
	}
}

// ListEmails godoc
// @Summary      List classified emails
// @Description  Newest records of the email partition
// @Tags         records
// @Produce      json
// @Success      200  {object}  ItemsResponse
// @Failure      500  {object}  errors.DetailResponse
// @Router       /emails [get]
func (h *Handler) ListEmails(c *gin.Context) {
	items, err := h.Service.ListEmails(c.Request.Context())
	if err != nil {
		h.Logger.ErrorwCtx(c.Request.Context(), "Failed to fetch emails", "error", err)
		c.JSON(http.StatusInternalServerError, errors.ToDetailResponse(err))
		return
	}
	c.JSON(http.StatusOK, ItemsResponse{Items: items})
}

// ListRecords godoc
// @Summary      Query classified records
// @Description  Filter by category, a CEL expression over sender, message, type, score, reason and timestamp, and a limit
// @Tags         records
// @Produce      json
// @Param        category  query     string  false  "normal, spam, fraud or unknown"
// @Param        limit     query     int     false  "Maximum number of records"
// @Param        filter    query     string  false  "CEL boolean expression"
// @Success      200       {object}  RecordsResponse
// @Failure      400       {object}  errors.ErrorResponse
// @Failure      503       {object}  errors.ErrorResponse
// @Router       /api/v1/records [get]
func (h *Handler) ListRecords(c *gin.Context) {
	q := Query{
		Category: c.Query("category"),
		Filter:   c.Query("filter"),
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			h.HandleError(c, errors.ErrValidation.WithCause(err).WithDetail("field", "limit"))
			return
		}
		if limit <= 0 {
			h.HandleError(c, errors.ErrValidation.
				WithDetail("field", "limit").
				WithDetail("message", "limit must be positive"))
			return
		}
		q.Limit = limit
	}

	items, err := h.Service.ListRecords(c.Request.Context(), q)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, RecordsResponse{Items: items, Count: len(items)})
}

// FilterExamples godoc
// @Summary      Sample filter expressions
// @Tags         records
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /api/v1/records/filters/examples [get]
func (h *Handler) FilterExamples(c *gin.Context) {
	c.JSON(http.StatusOK, cel.FilterExpressionExamples)
}
