package handler

import (
	"net/http"

	"orderflow/internal/services"
	"orderflow/internal/transport/httpdto"
	orderflow_errors "orderflow/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type OrderHandler struct {
	service *services.OrderService
}

func NewOrderHandler(service *services.OrderService) *OrderHandler {
	return &OrderHandler{service: service}
}

func (h *OrderHandler) Place(c *gin.Context) {
	var req httpdto.PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", "INVALID_REQUEST"))
		return
	}

	o, err := h.service.PlaceOrder(c.Request.Context(), services.PlaceOrderInput{
		CustomerID: req.CustomerID,
		SKU:        req.SKU,
		Quantity:   req.Quantity,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.Header("Location", "/v1/orders/"+o.ID.String())
	c.JSON(http.StatusCreated, httpdto.NewSuccessResponse(httpdto.FromOrder(o)))
}

func (h *OrderHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		_ = c.Error(orderflow_errors.ErrInvalidInput)
		return
	}

	o, err := h.service.GetOrder(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.FromOrder(o)))
}
