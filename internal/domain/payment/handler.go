package payment

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/luiz1143/Analisa-vet/internal/platform/auth"
	"github.com/luiz1143/Analisa-vet/internal/platform/paygateway"
	"github.com/luiz1143/Analisa-vet/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/orders", h.CreateOrder)
	api.GET("/orders/:id", h.GetOrder)
	api.GET("/reports/:id/orders", h.ListReportOrders)

	admin := api.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/parked-events", h.ListParkedEvents)
}

type orderResponse struct {
	OrderID           uuid.UUID `json:"order_id"`
	ReportID          string    `json:"report_id"`
	Status            Status    `json:"status"`
	CheckoutReference string    `json:"checkout_reference,omitempty"`
	CheckoutURL       string    `json:"checkout_url,omitempty"`
	AmountCents       int64     `json:"amount"`
	Currency          string    `json:"currency"`
}

func toOrderResponse(o *Order) orderResponse {
	return orderResponse{
		OrderID:           o.ID,
		ReportID:          o.ReportID,
		Status:            o.Status,
		CheckoutReference: deref(o.CheckoutRef),
		CheckoutURL:       deref(o.CheckoutURL),
		AmountCents:       o.AmountCents,
		Currency:          o.Currency,
	}
}

func (h *Handler) CreateOrder(c echo.Context) error {
	var req CreateOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	o, err := h.svc.CreateOrder(ctx, auth.EntitlementFromContext(ctx), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, toOrderResponse(o))
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	o, err := h.svc.GetOrder(ctx, auth.EntitlementFromContext(ctx), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) ListReportOrders(c echo.Context) error {
	ctx := c.Request().Context()
	orders, err := h.svc.ListByReport(ctx, auth.EntitlementFromContext(ctx), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if orders == nil {
		orders = []*Order{}
	}
	return c.JSON(http.StatusOK, orders)
}

func (h *Handler) ListParkedEvents(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListParked(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*EventRecord{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "order not found")
	case errors.Is(err, ErrReportNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "report not found")
	case errors.Is(err, ErrInvalidOrder):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrAlreadyPaid), errors.Is(err, ErrOpenOrderExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrCheckoutNotReady):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	var cc *ConcurrencyConflictError
	if errors.As(err, &cc) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "order is busy, try again")
	}
	var pe *paygateway.ProviderError
	if errors.As(err, &pe) {
		return echo.NewHTTPError(http.StatusBadGateway, "payment provider unavailable")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
