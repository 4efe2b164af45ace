package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/donateflow/simplepay-gateway/internal/cache"
	"github.com/donateflow/simplepay-gateway/internal/events"
	"github.com/donateflow/simplepay-gateway/internal/gateway"
	"github.com/donateflow/simplepay-gateway/internal/logger"
	"github.com/donateflow/simplepay-gateway/internal/simplepay"
	"github.com/donateflow/simplepay-gateway/internal/store"
)

// Server holds the gateway's HTTP handlers.
type Server struct {
	lifecycle   *gateway.Lifecycle
	db          *store.DB
	replayGuard *cache.NotificationCache
	events      *events.Publisher
	logger      *logger.Logger
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string, code string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// respondGatewayError maps gateway error kinds onto HTTP statuses.
func respondGatewayError(w http.ResponseWriter, err error) {
	var precondition *gateway.PreconditionError
	var sigErr *simplepay.SignatureError
	var apiErr *simplepay.APIError
	var transportErr *simplepay.TransportError
	var statusErr *simplepay.HTTPStatusError

	switch {
	case errors.Is(err, store.ErrOrderNotFound):
		respondError(w, http.StatusNotFound, "Order not found", "ORDER_NOT_FOUND")
	case errors.Is(err, store.ErrSubscriptionNotFound):
		respondError(w, http.StatusNotFound, "Subscription not found", "SUBSCRIPTION_NOT_FOUND")
	case errors.Is(err, simplepay.ErrInvalidPayload):
		respondError(w, http.StatusBadRequest, err.Error(), "INVALID_PAYLOAD")
	case errors.As(err, &sigErr):
		respondError(w, http.StatusBadRequest, "Invalid signature", "INVALID_SIGNATURE")
	case errors.As(err, &precondition):
		respondError(w, http.StatusUnprocessableEntity, precondition.Reason, "PRECONDITION_FAILED")
	case errors.As(err, &apiErr):
		respondError(w, http.StatusBadGateway, apiErr.Error(), "PROCESSOR_ERROR")
	case errors.As(err, &transportErr):
		respondError(w, http.StatusGatewayTimeout, "Processor unreachable", "TRANSPORT_ERROR")
	case errors.As(err, &statusErr):
		respondError(w, http.StatusBadGateway, statusErr.Error(), "PROCESSOR_HTTP_ERROR")
	default:
		respondError(w, http.StatusInternalServerError, "Internal error", "INTERNAL_ERROR")
	}
}

// ============== Payment Handlers ==============

type CreatePaymentRequest struct {
	OrderID        string        `json:"order_id"`
	Amount         string        `json:"amount"`
	Currency       string        `json:"currency"`
	DonorName      string        `json:"donor_name"`
	DonorEmail     string        `json:"donor_email"`
	BillingAddress store.Address `json:"billing_address"`
	Flow           string        `json:"flow"`
	BillingCycle   string        `json:"billing_cycle"`
	SuccessURL     string        `json:"success_url"`
	FailureURL     string        `json:"failure_url"`
	CancelURL      string        `json:"cancel_url"`
	TimeoutURL     string        `json:"timeout_url"`
}

type CreatePaymentResponse struct {
	OrderID        string `json:"order_id"`
	OrderRef       string `json:"order_ref"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	TransactionID  int64  `json:"transaction_id"`
	PaymentURL     string `json:"payment_url"`
	Status         string `json:"status"`
}

func (s *Server) parsePaymentRequest(w http.ResponseWriter, r *http.Request) (*CreatePaymentRequest, *store.Order, bool) {
	var req CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST")
		return nil, nil, false
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.LessThanOrEqual(decimal.Zero) {
		respondError(w, http.StatusBadRequest, "Invalid amount", "INVALID_AMOUNT")
		return nil, nil, false
	}
	if req.Currency == "" {
		respondError(w, http.StatusBadRequest, "Missing currency", "INVALID_CURRENCY")
		return nil, nil, false
	}

	if req.OrderID == "" {
		req.OrderID = uuid.New().String()
	}

	order := &store.Order{
		ID:             req.OrderID,
		Amount:         amount,
		Currency:       req.Currency,
		DonorName:      req.DonorName,
		DonorEmail:     req.DonorEmail,
		BillingAddress: req.BillingAddress,
		Status:         store.OrderStatusPending,
	}

	return &req, order, true
}

func (r *CreatePaymentRequest) flow() gateway.PaymentFlow {
	if r.Flow == string(gateway.FlowOnsiteEmbedded) {
		return gateway.FlowOnsiteEmbedded
	}
	return gateway.FlowOffsiteRedirect
}

func (r *CreatePaymentRequest) hints() gateway.RedirectHints {
	return gateway.RedirectHints{
		Success: r.SuccessURL,
		Fail:    r.FailureURL,
		Cancel:  r.CancelURL,
		Timeout: r.TimeoutURL,
	}
}

// createPayment handles POST /payments
func (s *Server) createPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, order, ok := s.parsePaymentRequest(w, r)
	if !ok {
		return
	}

	if err := s.db.SaveOrder(ctx, order); err != nil {
		s.logger.Error("failed to save order", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to save order", "INTERNAL_ERROR")
		return
	}

	result, err := s.lifecycle.CreatePayment(ctx, order, req.flow(), req.hints())
	if err != nil {
		s.logger.Error("payment creation failed", "order_id", order.ID, "error", err)
		s.events.PublishAsync(events.TypePayment, events.PaymentFailed, s.paymentEventData(order))
		respondGatewayError(w, err)
		return
	}

	s.events.PublishAsync(events.TypePayment, events.PaymentInitiated, s.paymentEventData(order))

	respondJSON(w, http.StatusCreated, CreatePaymentResponse{
		OrderID:       order.ID,
		OrderRef:      order.OrderRef,
		TransactionID: result.TransactionID,
		PaymentURL:    result.PaymentURL,
		Status:        string(order.Status),
	})
}

// createSubscription handles POST /subscriptions
func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, order, ok := s.parsePaymentRequest(w, r)
	if !ok {
		return
	}

	sub := &store.Subscription{
		ID:           uuid.New().String(),
		Status:       store.SubscriptionStatusInitial,
		Amount:       order.Amount,
		Currency:     order.Currency,
		DonorEmail:   order.DonorEmail,
		BillingCycle: req.BillingCycle,
	}
	order.SubscriptionID = sub.ID

	if err := s.db.SaveOrder(ctx, order); err != nil {
		s.logger.Error("failed to save order", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to save order", "INTERNAL_ERROR")
		return
	}

	result, err := s.lifecycle.CreateSubscription(ctx, order, sub, req.flow(), req.hints())
	if err != nil {
		s.logger.Error("subscription creation failed", "order_id", order.ID, "error", err)
		s.events.PublishAsync(events.TypeSubscription, events.SubscriptionFailing, s.subscriptionEventData(sub))
		respondGatewayError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, CreatePaymentResponse{
		OrderID:        order.ID,
		OrderRef:       order.OrderRef,
		SubscriptionID: sub.ID,
		TransactionID:  result.TransactionID,
		PaymentURL:     result.PaymentURL,
		Status:         string(order.Status),
	})
}

// cancelSubscription handles POST /subscriptions/{id}/cancel
func (s *Server) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	sub, err := s.db.GetSubscription(ctx, vars["id"])
	if err != nil {
		respondGatewayError(w, err)
		return
	}

	if err := s.lifecycle.CancelSubscription(ctx, sub); err != nil {
		s.logger.Error("subscription cancellation failed", "subscription_id", sub.ID, "error", err)
		respondGatewayError(w, err)
		return
	}

	s.events.PublishAsync(events.TypeSubscription, events.SubscriptionCancelled, s.subscriptionEventData(sub))

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"subscription_id": sub.ID,
		"status":          sub.Status,
	})
}

// getOrder handles GET /orders/{id}
func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	order, err := s.db.GetOrder(ctx, vars["id"])
	if err != nil {
		respondGatewayError(w, err)
		return
	}

	notes, err := s.db.ListNotes(ctx, order.ID)
	if err != nil {
		s.logger.Error("failed to list notes", "order_id", order.ID, "error", err)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"order": order,
		"notes": notes,
	})
}

type RefundRequest struct {
	Amount string `json:"amount"`
}

// refundOrder handles POST /orders/{id}/refund
func (s *Server) refundOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST")
		return
	}

	order, err := s.db.GetOrder(ctx, vars["id"])
	if err != nil {
		respondGatewayError(w, err)
		return
	}

	amount := order.Amount
	if req.Amount != "" {
		amount, err = decimal.NewFromString(req.Amount)
		if err != nil || amount.LessThanOrEqual(decimal.Zero) || amount.GreaterThan(order.Amount) {
			respondError(w, http.StatusBadRequest, "Invalid refund amount", "INVALID_AMOUNT")
			return
		}
	}

	result, err := s.lifecycle.RefundOrder(ctx, order, amount)
	if err != nil {
		s.logger.Error("refund failed", "order_id", order.ID, "error", err)
		respondGatewayError(w, err)
		return
	}

	s.events.PublishAsync(events.TypePayment, events.PaymentRefunded, s.paymentEventData(order))

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"order_id":              order.ID,
		"refund_transaction_id": result.RefundTransactionID,
		"refund_total":          result.RefundTotal,
		"remaining_total":       result.RemainingTotal,
	})
}

// ============== Processor-facing Handlers ==============

// handleBrowserReturn handles GET /simplepay/return: the onsite-flow
// listener the processor redirects the payer back to.
func (s *Server) handleBrowserReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	orderID := query.Get("donation-id")
	if orderID == "" {
		respondError(w, http.StatusBadRequest, "Missing donation reference in return URL", "MISSING_REFERENCE")
		return
	}

	hints := gateway.RedirectHints{
		Success: query.Get("success-url"),
		Fail:    query.Get("failure-url"),
		Cancel:  query.Get("cancel-url"),
		Timeout: query.Get("timeout-url"),
	}

	redirect, err := s.lifecycle.HandleBrowserReturn(ctx, orderID, query, hints)
	if err != nil {
		s.logger.Warn("browser return rejected", "order_id", orderID, "error", err)
		respondGatewayError(w, err)
		return
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}

// handleOffsiteReturn handles GET /simplepay/redirect: the offsite-flow
// return, reconciled with a signed query call.
func (s *Server) handleOffsiteReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	orderID := query.Get("donation-id")
	if orderID == "" {
		respondError(w, http.StatusBadRequest, "Missing donation reference in return URL", "MISSING_REFERENCE")
		return
	}

	hints := gateway.RedirectHints{
		Success: query.Get("success-url"),
		Fail:    query.Get("failure-url"),
	}

	redirect, err := s.lifecycle.HandleOffsiteReturn(ctx, orderID, hints)
	if err != nil {
		s.logger.Warn("offsite return failed", "order_id", orderID, "error", err)
		respondGatewayError(w, err)
		return
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}

// handleNotification handles POST /simplepay/ipn. The processor requires
// the received body echoed back with a receive timestamp, re-signed with
// the same key.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read body", "INVALID_REQUEST")
		return
	}

	ack, err := s.lifecycle.HandleNotification(ctx, body, r.Header.Get(simplepay.SignatureHeader))
	if err != nil {
		s.logger.Warn("notification rejected", "error", err)
		respondGatewayError(w, err)
		return
	}

	// Replay bookkeeping only; the state machine already applied the
	// notification idempotently.
	var peek struct {
		OrderRef string `json:"orderRef"`
		Status   string `json:"status"`
	}
	if json.Unmarshal(body, &peek) == nil && peek.OrderRef != "" {
		seenBefore, err := s.replayGuard.MarkProcessed(ctx, peek.OrderRef, peek.Status)
		if err != nil {
			s.logger.Warn("replay guard unavailable", "error", err)
		} else if seenBefore {
			s.logger.Info("duplicate notification", "order_ref", peek.OrderRef, "status", peek.Status)
			w.Header().Set("X-Replay", "true")
		}
	}

	w.Header().Set("Accept-language", "EN")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(simplepay.SignatureHeader, ack.Signature)
	w.WriteHeader(http.StatusOK)
	w.Write(ack.Body)
}

// healthCheck handles GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "healthy"
	if err := s.db.Ping(); err != nil {
		dbStatus = "unhealthy"
	}
	redisStatus := "healthy"
	if err := s.replayGuard.HealthCheck(); err != nil {
		redisStatus = "unhealthy"
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "gateway",
		"status":    "healthy",
		"timestamp": time.Now(),
		"dependencies": map[string]string{
			"database": dbStatus,
			"redis":    redisStatus,
		},
	})
}

func (s *Server) paymentEventData(order *store.Order) events.PaymentEventData {
	return events.PaymentEventData{
		OrderID:        order.ID,
		SubscriptionID: order.SubscriptionID,
		TransactionID:  order.GatewayTransactionID,
		Amount:         order.Amount.String(),
		Currency:       order.Currency,
		Status:         string(order.Status),
	}
}

func (s *Server) subscriptionEventData(sub *store.Subscription) events.SubscriptionEventData {
	return events.SubscriptionEventData{
		SubscriptionID: sub.ID,
		Status:         string(sub.Status),
		TokensUsed:     sub.TokensUsed,
		TokenCount:     len(sub.Tokens),
	}
}
