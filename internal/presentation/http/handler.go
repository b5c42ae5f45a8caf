// Package httppresentation exposes the fulfillment API over net/http.
package httppresentation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	appbilling "github.com/ventalocal/fulfillment/internal/application/billing"
	"github.com/ventalocal/fulfillment/internal/application/checkout"
	"github.com/ventalocal/fulfillment/internal/application/ledger"
	"github.com/ventalocal/fulfillment/internal/application/reconcile"
	"github.com/ventalocal/fulfillment/internal/application/report"
	dombilling "github.com/ventalocal/fulfillment/internal/domain/billing"
	"github.com/ventalocal/fulfillment/internal/domain/inventory"
	domorder "github.com/ventalocal/fulfillment/internal/domain/order"
	domoutbox "github.com/ventalocal/fulfillment/internal/domain/outbox"
	"github.com/ventalocal/fulfillment/internal/domain/payment"
	"github.com/ventalocal/fulfillment/internal/observability"
	"github.com/ventalocal/fulfillment/internal/observability/logctx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	componentHTTPHandler = "http_server"
	headerRequestID      = "X-Request-ID"
	headerTenantID       = "X-Tenant-ID"
	headerActorRole      = "X-Actor-Role"

	roleAdmin = "admin"
)

type Handler struct {
	createOrder    *checkout.CreateOrderUseCase
	cancelOrder    *checkout.CancelOrderUseCase
	confirmPayment *checkout.ConfirmPaymentUseCase
	reconciler     *reconcile.UseCase
	ledger         *ledger.Service
	billing        *appbilling.Service
	reports        *report.Service
	orders         domorder.Repository
	outbox         domoutbox.Store

	log observability.Logger
	tel observability.Observability
}

func NewHandler(
	createOrder *checkout.CreateOrderUseCase,
	cancelOrder *checkout.CancelOrderUseCase,
	confirmPayment *checkout.ConfirmPaymentUseCase,
	reconciler *reconcile.UseCase,
	ledgerSvc *ledger.Service,
	billingSvc *appbilling.Service,
	reportSvc *report.Service,
	orders domorder.Repository,
	outboxStore domoutbox.Store,
	tel observability.Observability,
) *Handler {
	baseLogger := observability.NopLogger()
	if tel != nil {
		baseLogger = tel.Logger()
	}
	return &Handler{
		createOrder:    createOrder,
		cancelOrder:    cancelOrder,
		confirmPayment: confirmPayment,
		reconciler:     reconciler,
		ledger:         ledgerSvc,
		billing:        billingSvc,
		reports:        reportSvc,
		orders:         orders,
		outbox:         outboxStore,
		log:            baseLogger.With(observability.F("component", componentHTTPHandler)),
		tel:            tel,
	}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// Wire each route with middlewares:
	// Trace → ObservabilityMiddleware (request logger) → Access log → Handler
	h.muxHandle(mux, "POST /api/orders", h.handleCreateOrder)
	h.muxHandle(mux, "GET /api/orders/{id}", h.handleGetOrder)
	h.muxHandle(mux, "POST /api/orders/{id}/cancel", h.handleCancelOrder)
	h.muxHandle(mux, "POST /api/orders/{id}/payment/confirm", h.requireAdmin(h.handleConfirmPayment))
	h.muxHandle(mux, "POST /webhooks/payment", h.handlePaymentWebhook)
	h.muxHandle(mux, "GET /api/inventory/movements", h.handleMovements)
	h.muxHandle(mux, "GET /api/reports/sales", h.requireAdmin(h.handleSalesReport))
	h.muxHandle(mux, "POST /api/inventory/adjust", h.requireAdmin(h.handleAdjustStock))
	h.muxHandle(mux, "GET /api/outbox/items", h.handleListOutbox)
	h.muxHandle(mux, "POST /api/outbox/items/{id}/requeue", h.requireAdmin(h.handleRequeueOutbox))
	h.muxHandle(mux, "GET /api/billing/health", h.handleBillingHealth)
	h.muxHandle(mux, "GET /api/billing/invoices/{id}/document", h.handleInvoiceDocument)
	h.muxHandle(mux, "GET /health", h.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func (h *Handler) muxHandle(mux *http.ServeMux, pattern string, handler http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		// Store stable route template for low-cardinality labels
		ctx := contextWithRoute(r.Context(), pattern)
		r = r.WithContext(ctx)

		wrapped := h.withTrace(
			ObservabilityMiddleware(
				logctx.FromOr(ctx, h.log),
				func(r *http.Request) string {
					return r.Header.Get(headerRequestID)
				},
				func(r *http.Request) string {
					return r.Header.Get(headerTenantID)
				},
				h.tel,
			)(
				h.withAccessLog(http.HandlerFunc(handler)),
			),
		)
		wrapped.ServeHTTP(w, r)
	})
}

// requireAdmin guards mutating operational endpoints. The role header stands
// in for the gateway's authenticated principal.
func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerActorRole) != roleAdmin {
			writeError(w, http.StatusForbidden, errors.New("admin role required"))
			return
		}
		next(w, r)
	}
}

type createOrderItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type createOrderRequest struct {
	Customer struct {
		Name         string `json:"name"`
		Email        string `json:"email"`
		Phone        string `json:"phone"`
		TaxID        string `json:"tax_id"`
		TaxCondition string `json:"tax_condition"`
	} `json:"customer"`
	Items          []createOrderItemRequest `json:"items"`
	ShippingMethod string                   `json:"shipping_method"`
	PaymentMethod  string                   `json:"payment_method"`
}

type orderItemResponse struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	Total     int64  `json:"total"`
}

type orderResponse struct {
	ID             string              `json:"id"`
	OrderNumber    string              `json:"order_number"`
	Status         domorder.Status     `json:"status"`
	PaymentStatus  string              `json:"payment_status"`
	PaymentMethod  string              `json:"payment_method"`
	PaymentRef     string              `json:"payment_ref,omitempty"`
	FailureReason  string              `json:"failure_reason,omitempty"`
	Items          []orderItemResponse `json:"items"`
	Subtotal       int64               `json:"subtotal"`
	Shipping       int64               `json:"shipping"`
	Total          int64               `json:"total"`
	ShippingMethod string              `json:"shipping_method"`
	CreatedAt      time.Time           `json:"created_at"`
}

type createOrderResponse struct {
	Order      orderResponse `json:"order"`
	PaymentURL string        `json:"payment_url,omitempty"`
}

func toOrderResponse(o *domorder.Order) orderResponse {
	items := make([]orderItemResponse, len(o.Items))
	for i, line := range o.Items {
		items[i] = orderItemResponse{
			ProductID: line.ProductID,
			Name:      line.Name,
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
			Total:     line.Total,
		}
	}
	return orderResponse{
		ID:             o.ID,
		OrderNumber:    o.OrderNumber,
		Status:         o.Status,
		PaymentStatus:  string(o.PaymentStatus),
		PaymentMethod:  string(o.PaymentMethod),
		PaymentRef:     o.PaymentRef,
		FailureReason:  o.FailureReason,
		Items:          items,
		Subtotal:       o.Subtotal,
		Shipping:       o.Shipping,
		Total:          o.Total,
		ShippingMethod: o.ShippingMethod,
		CreatedAt:      o.CreatedAt,
	}
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	items := make([]checkout.ItemInput, len(req.Items))
	for i, item := range req.Items {
		items[i] = checkout.ItemInput{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	method := domorder.PaymentMethod(req.PaymentMethod)
	if req.PaymentMethod == "" {
		method = domorder.PaymentOnDelivery
	}

	result, err := h.createOrder.Execute(r.Context(), checkout.CreateOrderInput{
		TenantID: r.Header.Get(headerTenantID),
		Customer: checkout.CustomerInput{
			Name:         req.Customer.Name,
			Email:        req.Customer.Email,
			Phone:        req.Customer.Phone,
			TaxID:        req.Customer.TaxID,
			TaxCondition: req.Customer.TaxCondition,
		},
		Items:          items,
		ShippingMethod: req.ShippingMethod,
		PaymentMethod:  method,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createOrderResponse{
		Order:      toOrderResponse(result.Order),
		PaymentURL: result.PaymentURL,
	})
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelOrderRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by request"
	}

	o, err := h.cancelOrder.Execute(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

type confirmPaymentRequest struct {
	Reference string `json:"reference"`
}

// handleConfirmPayment records an out-of-band settlement (cash on delivery,
// bank transfer). Gateway orders settle through the payment webhook instead.
func (h *Handler) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmPaymentRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	o, err := h.confirmPayment.Execute(r.Context(), r.PathValue("id"), req.Reference)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

// handlePaymentWebhook always acks with 200 so the provider stops
// redelivering; reconciliation failures are internal.
func (h *Handler) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var n payment.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		logctx.FromOr(r.Context(), h.log).Warn("webhook_body_unreadable",
			observability.F("error", err.Error()),
		)
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	if _, err := h.reconciler.Execute(r.Context(), n); err != nil {
		logctx.FromOr(r.Context(), h.log).Error("webhook_reconcile_failed",
			observability.F("external_ref", n.ExternalRef),
			observability.F("error", err.Error()),
		)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

type movementResponse struct {
	ID            string    `json:"id"`
	ProductID     string    `json:"product_id"`
	Type          string    `json:"type"`
	QuantityDelta int       `json:"quantity_delta"`
	Reference     string    `json:"reference,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	CreatedBy     string    `json:"created_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := inventory.Filter{
		ProductID: query.Get("product_id"),
		Type:      inventory.MovementType(query.Get("type")),
	}
	if raw := query.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("from must be RFC3339"))
			return
		}
		filter.From = t
	}
	if raw := query.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("to must be RFC3339"))
			return
		}
		filter.To = t
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}

	movements, err := h.ledger.Movements(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]movementResponse, len(movements))
	for i, m := range movements {
		out[i] = movementResponse{
			ID:            m.ID,
			ProductID:     m.ProductID,
			Type:          string(m.Type),
			QuantityDelta: m.QuantityDelta,
			Reference:     m.Reference,
			Reason:        m.Reason,
			CreatedBy:     m.CreatedBy,
			CreatedAt:     m.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"movements": out})
}

type adjustStockRequest struct {
	ProductID string `json:"product_id"`
	Delta     int    `json:"delta"`
	Reason    string `json:"reason"`
	Actor     string `json:"actor"`
}

func (h *Handler) handleAdjustStock(w http.ResponseWriter, r *http.Request) {
	var req adjustStockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ProductID == "" {
		writeError(w, http.StatusBadRequest, errors.New("product_id is required"))
		return
	}

	movement, err := h.ledger.Adjust(r.Context(), req.ProductID, req.Delta, req.Reason, req.Actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, movementResponse{
		ID:            movement.ID,
		ProductID:     movement.ProductID,
		Type:          string(movement.Type),
		QuantityDelta: movement.QuantityDelta,
		Reason:        movement.Reason,
		CreatedBy:     movement.CreatedBy,
		CreatedAt:     movement.CreatedAt,
	})
}

type outboxItemResponse struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	CorrelationKey string          `json:"correlation_key"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	LastError      string          `json:"last_error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func toOutboxItemResponse(item *domoutbox.Item) outboxItemResponse {
	return outboxItemResponse{
		ID:             item.ID,
		Kind:           string(item.Kind),
		CorrelationKey: item.CorrelationKey,
		Status:         string(item.Status),
		Attempts:       item.Attempts,
		NextAttemptAt:  item.NextAttemptAt,
		LastError:      item.LastError,
		Result:         item.Result,
		CreatedAt:      item.CreatedAt,
		UpdatedAt:      item.UpdatedAt,
	}
}

func (h *Handler) handleListOutbox(w http.ResponseWriter, r *http.Request) {
	status := domoutbox.Status(r.URL.Query().Get("status"))
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}

	items, err := h.outbox.List(r.Context(), status, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]outboxItemResponse, len(items))
	for i, item := range items {
		out[i] = toOutboxItemResponse(item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *Handler) handleRequeueOutbox(w http.ResponseWriter, r *http.Request) {
	item, err := h.outbox.Requeue(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOutboxItemResponse(item))
}

func (h *Handler) handleSalesReport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var from, to time.Time
	if raw := query.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("from must be RFC3339"))
			return
		}
		from = t
	}
	if raw := query.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("to must be RFC3339"))
			return
		}
		to = t
	}

	sales, err := h.reports.Sales(r.Context(), from, to, query.Get("group_by"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sales)
}

func (h *Handler) handleBillingHealth(w http.ResponseWriter, r *http.Request) {
	report, err := h.billing.Health(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleInvoiceDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.billing.Document(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// withAccessLog writes a single access log after the handler completes.
// It relies on the request-scoped logger already injected by ObservabilityMiddleware.
func (h *Handler) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(lrw, r)

		logctx.FromOr(r.Context(), h.log).Info("http_access",
			observability.F("method", r.Method),
			observability.F("route", routeFromContext(r.Context())),
			observability.F("path", r.URL.Path),
			observability.F("status", lrw.status),
			observability.F("latency_ms", time.Since(start).Milliseconds()),
		)
	})
}

// withTrace creates a server span for the request using OTel and W3C propagation.
func (h *Handler) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tracer := otel.Tracer("fulfillment.http")
		parentCtx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		route := routeFromContext(parentCtx)
		spanName := route
		if spanName == "unknown" {
			spanName = r.Method + " " + r.URL.Path
		}
		template := route
		if idx := strings.Index(template, " "); idx >= 0 {
			template = template[idx+1:]
		}
		if template == "unknown" || template == "" {
			template = r.URL.Path
		}

		ctxWithSpan, span := tracer.Start(parentCtx,
			spanName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", template),
				attribute.String("http.target", r.URL.Path),
				attribute.String("http.user_agent", r.UserAgent()),
			),
		)
		defer span.End()

		next.ServeHTTP(w, r.WithContext(ctxWithSpan))
	})
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, checkout.ErrOrderNotFound),
		errors.Is(err, checkout.ErrProductNotFound),
		errors.Is(err, domorder.ErrNotFound),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, domoutbox.ErrNotFound),
		errors.Is(err, dombilling.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, checkout.ErrInsufficientStock),
		errors.Is(err, ledger.ErrInsufficientStock),
		errors.Is(err, checkout.ErrInvalidTransition),
		errors.Is(err, domoutbox.ErrNotFailed),
		errors.Is(err, domoutbox.ErrConflict):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, checkout.ErrValidation),
		errors.Is(err, ledger.ErrInvalidQuantity),
		errors.Is(err, report.ErrInvalidGroup):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

type routeKey struct{}

// contextWithRoute stores the stable route template in the context so downstream
// metrics/logging can rely on low-cardinality values.
func contextWithRoute(ctx context.Context, route string) context.Context {
	if route == "" {
		return ctx
	}
	return context.WithValue(ctx, routeKey{}, route)
}

func routeFromContext(ctx context.Context) string {
	if ctx == nil {
		return "unknown"
	}
	if route, ok := ctx.Value(routeKey{}).(string); ok && route != "" {
		return route
	}
	return "unknown"
}
