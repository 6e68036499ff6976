package handler

import (
	"net/http"
	"strconv"
	"strings"

	"orderflow/internal/domain/outbox"
	"orderflow/internal/services"
	"orderflow/internal/transport/httpdto"
	orderflow_errors "orderflow/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// OutboxHandler serves the operator view of the outbox.
type OutboxHandler struct {
	service *services.OutboxAdminService
}

func NewOutboxHandler(service *services.OutboxAdminService) *OutboxHandler {
	return &OutboxHandler{service: service}
}

func (h *OutboxHandler) List(c *gin.Context) {
	filter := outbox.Filter{}

	if raw := strings.ToUpper(strings.TrimSpace(c.Query("status"))); raw != "" {
		status := outbox.Status(raw)
		switch status {
		case outbox.StatusPending, outbox.StatusPublished, outbox.StatusFailed:
			filter.Status = status
		default:
			c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("unknown status "+raw, "INVALID_REQUEST"))
			return
		}
	}
	if raw := c.Query("stuck"); raw != "" {
		stuck, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("stuck must be a boolean", "INVALID_REQUEST"))
			return
		}
		filter.StuckOnly = stuck
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("limit must be a positive integer", "INVALID_REQUEST"))
			return
		}
		filter.Limit = limit
	}

	items, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		_ = c.Error(err)
		return
	}

	out := make([]httpdto.OutboxMessageDTO, 0, len(items))
	for _, m := range items {
		out = append(out, httpdto.FromOutboxMessage(m, h.service.MaxRetries(), false))
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.ListOutboxResponse{Messages: out, Count: len(out)}))
}

func (h *OutboxHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		_ = c.Error(orderflow_errors.ErrInvalidInput)
		return
	}

	msg, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.FromOutboxMessage(msg, h.service.MaxRetries(), true)))
}

func (h *OutboxHandler) Stats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.FromOutboxStats(stats, h.service.MaxRetries())))
}

func (h *OutboxHandler) Requeue(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		_ = c.Error(orderflow_errors.ErrInvalidInput)
		return
	}

	requeued, err := h.service.Requeue(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, httpdto.NewSuccessResponse(httpdto.RequeueResponse{
		StuckID:  id.String(),
		Requeued: httpdto.FromOutboxMessage(requeued, h.service.MaxRetries(), false),
	}))
}
