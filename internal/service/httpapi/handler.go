// Package httpapi публикует операции заказов и платежей через HTTP/JSON.
// Аутентификация внешняя: идентификатор пользователя приходит в X-User-ID.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
	"github.com/vladislavdragonenkov/foodorders/internal/service/idempotency"
	"github.com/vladislavdragonenkov/foodorders/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/foodorders/internal/service/payment"
	"github.com/vladislavdragonenkov/foodorders/internal/service/refund"
)

const (
	HeaderUserID           = "X-User-ID"
	HeaderIdempotencyKey   = "Idempotency-Key"
	HeaderWebhookSignature = "X-Razorpay-Signature"
	HeaderWebhookEventID   = "X-Razorpay-Event-Id"
	HeaderReplayed         = "Idempotent-Replayed"

	maxBodyBytes = 1 << 20
)

// Orders: операции жизненного цикла заказа.
type Orders interface {
	Create(ctx context.Context, in lifecycle.CreateInput) (lifecycle.CreateResult, error)
	Get(ctx context.Context, orderID, scopedUserID string) (domain.Order, error)
	ListForUser(ctx context.Context, in lifecycle.ListInput) (lifecycle.Page, error)
	Transition(ctx context.Context, orderID string, to domain.OrderStatus) (domain.Order, error)
	Cancel(ctx context.Context, in lifecycle.CancelInput) (domain.Order, error)
}

// Payments: сверка платежей.
type Payments interface {
	VerifyAndCapture(ctx context.Context, in payment.VerifyInput) (payment.Result, error)
	VerifyWebhook(rawBody []byte, signature string) error
	HandleWebhook(ctx context.Context, rawBody []byte, signature string) (payment.WebhookResult, error)
	ConfirmCodPayment(ctx context.Context, orderID string) (payment.Result, error)
	GetPaymentStatus(ctx context.Context, orderID, scopedUserID string) (payment.StatusView, error)
}

// Refunds: административный возврат.
type Refunds interface {
	RefundOrder(ctx context.Context, orderID, reason string) (refund.Result, error)
}

// Handler содержит HTTP-обработчики API.
type Handler struct {
	orders   Orders
	payments Payments
	refunds  Refunds
	timeline domain.TimelineRepository
	guard    *idempotency.Guard
	logger   *log.Entry
}

// NewHandler собирает обработчики. guard может быть nil — тогда заголовки идемпотентности игнорируются.
func NewHandler(orders Orders, payments Payments, refunds Refunds, timeline domain.TimelineRepository, guard *idempotency.Guard, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.WithField("component", "httpapi")
	}
	return &Handler{
		orders:   orders,
		payments: payments,
		refunds:  refunds,
		timeline: timeline,
		guard:    guard,
		logger:   logger,
	}
}

type createOrderRequest struct {
	OrderType     domain.OrderType     `json:"orderType"`
	Items         json.RawMessage      `json:"items"`
	Discount      float64              `json:"discount"`
	Address       string               `json:"address"`
	DineInTable   string               `json:"dineInTable"`
	PaymentMethod domain.PaymentMethod `json:"paymentMethod"`
	Currency      string               `json:"currency"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type statusRequest struct {
	Status domain.OrderStatus `json:"status"`
}

type verifyRequest struct {
	OrderID   string `json:"razorpay_order_id"`
	PaymentID string `json:"razorpay_payment_id"`
	Signature string `json:"razorpay_signature"`
}

// CreateOrder обслуживает POST /orders.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if userID == "" {
		writeError(w, h.logger, domain.Validationf("%s header is required", HeaderUserID))
		return
	}
	raw, err := readBody(w, r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	run := func(ctx context.Context) idempotency.Response {
		status, body := h.createOrder(ctx, userID, raw)
		return idempotency.Response{Status: status, Body: body}
	}

	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if key == "" || h.guard == nil {
		resp := run(r.Context())
		writeRaw(w, resp.Status, resp.Body)
		return
	}

	resp, err := h.guard.Do(r.Context(), domain.IdempotencyScopeCreateOrder+userID+":"+key, idempotency.HashRequest(raw), run)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if resp.Replayed {
		w.Header().Set(HeaderReplayed, "true")
	}
	writeRaw(w, resp.Status, resp.Body)
}

func (h *Handler) createOrder(ctx context.Context, userID string, raw []byte) (int, []byte) {
	var req createOrderRequest
	if err := decodeJSON(raw, &req); err != nil {
		return encodeError(h.logger, err)
	}

	in := lifecycle.CreateInput{
		UserID:        userID,
		OrderType:     req.OrderType,
		Discount:      req.Discount,
		Address:       req.Address,
		DineInTable:   req.DineInTable,
		PaymentMethod: req.PaymentMethod,
		Currency:      req.Currency,
	}
	if len(req.Items) > 0 {
		if err := json.Unmarshal(req.Items, &in.Items); err != nil {
			return encodeError(h.logger, domain.Validationf("items must be an array of {itemId, name, price, quantity}"))
		}
	}

	res, err := h.orders.Create(ctx, in)
	if err != nil {
		return encodeError(h.logger, err)
	}
	return encodeJSON(http.StatusCreated, res)
}

// ListOrders обслуживает GET /orders?page=&limit=&status=.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if userID == "" {
		writeError(w, h.logger, domain.Validationf("%s header is required", HeaderUserID))
		return
	}

	query := r.URL.Query()
	page, err := intParam(query.Get("page"), "page")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	limit, err := intParam(query.Get("limit"), "limit")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	res, err := h.orders.ListForUser(r.Context(), lifecycle.ListInput{
		UserID: userID,
		Page:   page,
		Limit:  limit,
		Status: domain.OrderStatus(strings.TrimSpace(query.Get("status"))),
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetOrder обслуживает GET /orders/{id}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.Get(r.Context(), chi.URLParam(r, "id"), userIDFrom(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// GetTimeline обслуживает GET /orders/{id}/timeline.
func (h *Handler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.Get(r.Context(), chi.URLParam(r, "id"), userIDFrom(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	events, err := h.timeline.List(r.Context(), order.ID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if events == nil {
		events = []domain.TimelineEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orderId": order.ID, "events": events})
}

// CancelOrder обслуживает POST /orders/{id}/cancel.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	order, err := h.orders.Cancel(r.Context(), lifecycle.CancelInput{
		OrderID:      chi.URLParam(r, "id"),
		Reason:       req.Reason,
		ScopedUserID: userIDFrom(r),
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// GetPayment обслуживает GET /orders/{id}/payment.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	view, err := h.payments.GetPaymentStatus(r.Context(), chi.URLParam(r, "id"), userIDFrom(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// VerifyPayment обслуживает POST /payments/verify.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	res, err := h.payments.VerifyAndCapture(r.Context(), payment.VerifyInput{
		GatewayOrderID:   req.OrderID,
		GatewayPaymentID: req.PaymentID,
		GatewaySignature: req.Signature,
		ScopedUserID:     userIDFrom(r),
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Webhook обслуживает POST /payments/webhook. Повтор подписанного события с тем же X-Razorpay-Event-Id
// получает прежний ответ.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	signature := r.Header.Get(HeaderWebhookSignature)
	// Ключ события занимается только после проверки подписи: неподписанный запрос не должен закрепить ответ.
	if err := h.payments.VerifyWebhook(raw, signature); err != nil {
		writeError(w, h.logger, err)
		return
	}

	run := func(ctx context.Context) idempotency.Response {
		res, err := h.payments.HandleWebhook(ctx, raw, signature)
		if err != nil {
			status, body := encodeError(h.logger, err)
			return idempotency.Response{Status: status, Body: body}
		}
		status, body := encodeJSON(http.StatusOK, res)
		return idempotency.Response{Status: status, Body: body}
	}

	eventID := strings.TrimSpace(r.Header.Get(HeaderWebhookEventID))
	if eventID == "" || h.guard == nil {
		resp := run(r.Context())
		writeRaw(w, resp.Status, resp.Body)
		return
	}

	resp, err := h.guard.Do(r.Context(), domain.IdempotencyScopeWebhook+eventID, idempotency.HashRequest(raw), run)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if resp.Replayed {
		w.Header().Set(HeaderReplayed, "true")
	}
	writeRaw(w, resp.Status, resp.Body)
}

// UpdateStatus обслуживает PATCH /admin/orders/{id}/status.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	order, err := h.orders.Transition(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ConfirmCod обслуживает POST /admin/orders/{id}/cod/confirm.
func (h *Handler) ConfirmCod(w http.ResponseWriter, r *http.Request) {
	res, err := h.payments.ConfirmCodPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RefundOrder обслуживает POST /admin/orders/{id}/refund.
func (h *Handler) RefundOrder(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	res, err := h.refunds.RefundOrder(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func userIDFrom(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderUserID))
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, domain.Validationf("request body exceeds %d bytes", maxBodyBytes)
		}
		return nil, domain.Validationf("failed to read request body")
	}
	return raw, nil
}

// readJSON читает тело; пустое тело допустимо и оставляет v нулевым.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	raw, err := readBody(w, r)
	if err != nil {
		return err
	}
	return decodeJSON(raw, v)
}

func decodeJSON(raw []byte, v any) error {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return domain.Validationf("malformed JSON body")
	}
	return nil
}

func intParam(value, name string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, domain.Validationf("%s must be an integer", name)
	}
	return n, nil
}
