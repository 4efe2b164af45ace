// Package gateway implements the payment transaction lifecycle: how an order
// record moves through states as it is created, handed to the processor,
// returned to via the payer's browser and confirmed by the async
// notification channel. Only the async notification is authoritative for
// completion; browser-side signals are provisional because a bystander can
// replay a URL but cannot forge a server-to-server signature.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/donateflow/simplepay-gateway/internal/config"
	"github.com/donateflow/simplepay-gateway/internal/events"
	"github.com/donateflow/simplepay-gateway/internal/logger"
	"github.com/donateflow/simplepay-gateway/internal/signer"
	"github.com/donateflow/simplepay-gateway/internal/simplepay"
	"github.com/donateflow/simplepay-gateway/internal/store"
)

// Recurring registration defaults. SimplePay caps the token chain at 24
// charges; the expiry horizon and amount ceiling leave room for schedule and
// amount drift without re-authorization.
const (
	recurringTimes        = 24
	recurringHorizonYears = 5
)

var maxAmountFactor = decimal.NewFromFloat(1.5)

// Processor is the slice of the SimplePay client the lifecycle depends on.
type Processor interface {
	CreatePayment(ctx context.Context, data simplepay.TransactionData) (*simplepay.StartResult, error)
	CreateRecurringPayment(ctx context.Context, data simplepay.TransactionData, recurring simplepay.RecurringSpec) (*simplepay.StartResult, error)
	ProcessRecurringPayment(ctx context.Context, data simplepay.PaymentData, token string) (*simplepay.RecurringResult, error)
	QueryTransaction(ctx context.Context, transactionID int64) (*simplepay.QueryResult, error)
	RefundTransaction(ctx context.Context, transactionID int64, amount decimal.Decimal, currency string) (*simplepay.RefundResult, error)
	QueryToken(ctx context.Context, token string) (*simplepay.TokenResult, error)
	CancelToken(ctx context.Context, token string) (*simplepay.TokenResult, error)
}

// Lifecycle coordinates the processor client, the signer and the host
// platform's record store. Each trigger is an independent unit of work; all
// durable state lives in the store.
type Lifecycle struct {
	processor Processor
	signer    *signer.Signer
	store     store.Store
	cfg       config.GatewayConfig
	baseURL   string
	events    *events.Publisher
	logger    *logger.Logger
}

// NewLifecycle wires a lifecycle over the given collaborators. baseURL is
// the public base of this gateway service, used to build return URLs. The
// publisher may be nil when no host callback is configured.
func NewLifecycle(processor Processor, sgn *signer.Signer, st store.Store, cfg config.GatewayConfig, baseURL string, publisher *events.Publisher, log *logger.Logger) *Lifecycle {
	return &Lifecycle{
		processor: processor,
		signer:    sgn,
		store:     st,
		cfg:       cfg,
		baseURL:   baseURL,
		events:    publisher,
		logger:    log,
	}
}

// CreateResult is returned to the host platform after a successful start
// call. For the offsite flow PaymentURL is a redirect target; for the onsite
// flow it feeds the embedded form.
type CreateResult struct {
	PaymentURL    string
	TransactionID int64
}

// CreatePayment starts a one-off donation payment. On success the order
// moves to processing and waits for the browser return and the async
// notification; on failure it is marked failed and the error is propagated.
func (l *Lifecycle) CreatePayment(ctx context.Context, order *store.Order, flow PaymentFlow, hints RedirectHints) (*CreateResult, error) {
	if order.Status != store.OrderStatusPending {
		return nil, &PreconditionError{Reason: fmt.Sprintf("order %s is %s, expected %s", order.ID, order.Status, store.OrderStatusPending)}
	}

	if order.OrderRef == "" {
		order.OrderRef = newOrderRef("donation")
	}

	result, err := l.processor.CreatePayment(ctx, l.transactionData(order, flow.ReturnURL(l.baseURL, order.ID, hints)))
	if err != nil {
		return nil, l.failOrder(ctx, order, fmt.Sprintf("SimplePay payment failed: %v", err), err)
	}

	l.markStarted(ctx, order, result.TransactionID,
		fmt.Sprintf("SimplePay payment initiated (Transaction ID: %d)", result.TransactionID))

	return &CreateResult{PaymentURL: result.PaymentURL, TransactionID: result.TransactionID}, nil
}

// CreateSubscription starts the initial payment of a recurring donation and
// registers the token chain for future merchant-initiated charges.
func (l *Lifecycle) CreateSubscription(ctx context.Context, order *store.Order, sub *store.Subscription, flow PaymentFlow, hints RedirectHints) (*CreateResult, error) {
	if order.Status != store.OrderStatusPending {
		return nil, &PreconditionError{Reason: fmt.Sprintf("order %s is %s, expected %s", order.ID, order.Status, store.OrderStatusPending)}
	}

	if order.OrderRef == "" {
		order.OrderRef = newOrderRef("sub")
	}

	recurring := simplepay.RecurringSpec{
		Times:     recurringTimes,
		Until:     time.Now().AddDate(recurringHorizonYears, 0, 0),
		MaxAmount: order.Amount.Mul(maxAmountFactor),
	}

	returnURL := flow.SubscriptionReturnURL(l.baseURL, order.ID, sub.ID, hints)
	result, err := l.processor.CreateRecurringPayment(ctx, l.transactionData(order, returnURL), recurring)
	if err != nil {
		sub.Status = store.SubscriptionStatusFailing
		if saveErr := l.store.SaveSubscription(ctx, sub); saveErr != nil {
			l.logger.Error("failed to save subscription", "subscription_id", sub.ID, "error", saveErr)
		}
		return nil, l.failOrder(ctx, order, fmt.Sprintf("SimplePay recurring payment failed: %v", err), err)
	}

	sub.Status = store.SubscriptionStatusInitial
	sub.InitialOrderID = order.ID
	sub.Tokens = result.Tokens
	sub.TokensUsed = 0
	if err := l.store.SaveSubscription(ctx, sub); err != nil {
		l.logger.Error("failed to save subscription", "subscription_id", sub.ID, "error", err)
	}

	order.SubscriptionID = sub.ID
	l.markStarted(ctx, order, result.TransactionID,
		fmt.Sprintf("SimplePay recurring payment initiated (Transaction ID: %d)", result.TransactionID))

	return &CreateResult{PaymentURL: result.PaymentURL, TransactionID: result.TransactionID}, nil
}

// HandleBrowserReturn decodes and applies a browser-return payload for the
// onsite flow and returns the URL the payer should be redirected to. A
// payload that fails validation mutates nothing.
func (l *Lifecycle) HandleBrowserReturn(ctx context.Context, orderID string, params url.Values, hints RedirectHints) (string, error) {
	event, err := simplepay.DecodeReturn(params, l.signer)
	if err != nil {
		return "", err
	}

	order, err := l.store.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}

	if err := l.ApplyReturnEvent(ctx, order, event); err != nil {
		return "", err
	}

	return l.redirectURL(event.Event, hints), nil
}

// ApplyReturnEvent maps a decoded return event onto the order. Browser
// SUCCESS is provisional: the order stays in processing until the async
// notification confirms completion.
func (l *Lifecycle) ApplyReturnEvent(ctx context.Context, order *store.Order, event *simplepay.ReturnEvent) error {
	if event.TransactionID != 0 {
		setTransactionID(order, event.TransactionID)
	}

	txID := formatTransactionID(event.TransactionID)

	var note string
	switch event.Event {
	case simplepay.EventSuccess:
		order.Status = store.OrderStatusProcessing
		note = fmt.Sprintf("SimplePay reported SUCCESS (Transaction ID: %s, Result: %d). Awaiting IPN for final confirmation.", txID, event.ResponseCode)
	case simplepay.EventFail:
		order.Status = store.OrderStatusFailed
		note = fmt.Sprintf("SimplePay reported FAIL (Transaction ID: %s, Result: %d).", txID, event.ResponseCode)
	case simplepay.EventCancel:
		order.Status = store.OrderStatusCancelled
		note = fmt.Sprintf("SimplePay reported CANCEL (Transaction ID: %s).", txID)
	case simplepay.EventTimeout:
		order.Status = store.OrderStatusFailed
		note = fmt.Sprintf("SimplePay reported TIMEOUT (Transaction ID: %s).", txID)
	default:
		// No status change for unrecognised event codes.
		note = "Received SimplePay return without a recognised event code."
	}

	if err := l.store.SaveOrder(ctx, order); err != nil {
		return fmt.Errorf("failed to save order %s: %w", order.ID, err)
	}
	l.appendNote(ctx, order.ID, note)

	return nil
}

// HandleOffsiteReturn reconciles an offsite-flow return with a signed query
// call instead of trusting the browser. FINISHED is safe to finalize here
// because the query response is signed by the processor.
func (l *Lifecycle) HandleOffsiteReturn(ctx context.Context, orderID string, hints RedirectHints) (string, error) {
	order, err := l.store.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}

	if order.GatewayTransactionID == "" {
		return "", &PreconditionError{Reason: "order has no transaction id to query"}
	}

	txID, err := strconv.ParseInt(order.GatewayTransactionID, 10, 64)
	if err != nil {
		return "", &PreconditionError{Reason: "order transaction id is not numeric"}
	}

	result, err := l.processor.QueryTransaction(ctx, txID)
	if err != nil {
		return "", err
	}
	if len(result.Transactions) == 0 {
		return "", &PreconditionError{Reason: "transaction not found at processor"}
	}

	tx := result.Transactions[0]
	if tx.Status == simplepay.StatusFinished {
		order.Status = store.OrderStatusComplete
		if err := l.store.SaveOrder(ctx, order); err != nil {
			return "", fmt.Errorf("failed to save order %s: %w", order.ID, err)
		}
		l.appendNote(ctx, order.ID, fmt.Sprintf("SimplePay payment completed (Transaction ID: %s)", order.GatewayTransactionID))
	} else {
		order.Status = store.OrderStatusProcessing
		if err := l.store.SaveOrder(ctx, order); err != nil {
			return "", fmt.Errorf("failed to save order %s: %w", order.ID, err)
		}
		l.appendNote(ctx, order.ID, fmt.Sprintf("SimplePay payment in progress with status: %s (Transaction ID: %s)", tx.Status, order.GatewayTransactionID))
	}

	return l.redirectURL(simplepay.EventSuccess, hints), nil
}

// NotificationAck is the acknowledgment body the processor requires: the
// received notification echoed back with a receive timestamp, re-signed.
type NotificationAck struct {
	Body      []byte
	Signature string
}

// HandleNotification verifies and applies an async status notification over
// the raw received bytes, then produces the signed echo acknowledgment.
// Re-delivery of the same notification is harmless: status mapping is
// idempotent and the transaction id is first-write-wins.
func (l *Lifecycle) HandleNotification(ctx context.Context, body []byte, signature string) (*NotificationAck, error) {
	if !l.signer.Verify(body, signature) {
		return nil, &simplepay.SignatureError{Context: "notification"}
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()

	var fields map[string]interface{}
	if err := decoder.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: notification body is not a JSON object", simplepay.ErrInvalidPayload)
	}

	orderRef, _ := fields["orderRef"].(string)
	status, _ := fields["status"].(string)
	var transactionID int64
	if num, ok := fields["transactionId"].(json.Number); ok {
		transactionID, _ = num.Int64()
	}

	if orderRef != "" && transactionID != 0 {
		if err := l.applyNotification(ctx, orderRef, status, transactionID); err != nil {
			return nil, err
		}
	}

	fields["receiveDate"] = time.Now().Format(time.RFC3339)
	ackBody, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build notification ack: %w", err)
	}

	return &NotificationAck{Body: ackBody, Signature: l.signer.Sign(ackBody)}, nil
}

func (l *Lifecycle) applyNotification(ctx context.Context, orderRef, status string, transactionID int64) error {
	order, err := l.store.GetOrderByRef(ctx, orderRef)
	if errors.Is(err, store.ErrOrderNotFound) {
		// Not ours to reconcile; the ack is still sent so the processor
		// stops re-delivering.
		l.logger.Warn("notification for unknown order reference", "order_ref", orderRef)
		return nil
	}
	if err != nil {
		return err
	}

	setTransactionID(order, transactionID)
	txID := formatTransactionID(transactionID)

	var note string
	switch status {
	case simplepay.StatusFinished:
		order.Status = store.OrderStatusComplete
		note = fmt.Sprintf("SimplePay payment completed (Transaction ID: %s)", txID)
	case simplepay.StatusRefund:
		order.Status = store.OrderStatusRefunded
		note = fmt.Sprintf("SimplePay payment refunded (Transaction ID: %s)", txID)
	case simplepay.StatusCancelled:
		order.Status = store.OrderStatusCancelled
		note = fmt.Sprintf("SimplePay payment cancelled (Transaction ID: %s)", txID)
	case simplepay.StatusTimeout:
		order.Status = store.OrderStatusFailed
		note = fmt.Sprintf("SimplePay payment timed out (Transaction ID: %s)", txID)
	case simplepay.StatusAuthorised:
		order.Status = store.OrderStatusProcessing
		note = fmt.Sprintf("SimplePay payment authorised (Transaction ID: %s)", txID)
	case simplepay.StatusReversed:
		order.Status = store.OrderStatusCancelled
		note = fmt.Sprintf("SimplePay payment reversed (Transaction ID: %s)", txID)
	default:
		l.logger.Warn("notification with unhandled status", "order_ref", orderRef, "status", status)
		return nil
	}

	if err := l.store.SaveOrder(ctx, order); err != nil {
		return fmt.Errorf("failed to save order %s: %w", order.ID, err)
	}
	l.appendNote(ctx, order.ID, note)

	if status == simplepay.StatusFinished {
		return l.activateSubscription(ctx, order)
	}

	return nil
}

// activateSubscription promotes a subscription out of its initial state when
// the first payment finishes. Already-active subscriptions are left alone.
func (l *Lifecycle) activateSubscription(ctx context.Context, order *store.Order) error {
	sub, err := l.store.GetSubscriptionByOrderID(ctx, order.ID)
	if errors.Is(err, store.ErrSubscriptionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if sub.Status != store.SubscriptionStatusInitial {
		return nil
	}

	sub.Status = store.SubscriptionStatusActive
	next := nextBillingDate(time.Now(), sub.BillingCycle)
	sub.NextBillingAt = &next

	if err := l.store.SaveSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to save subscription %s: %w", sub.ID, err)
	}

	l.logger.Info("subscription activated", "subscription_id", sub.ID, "order_id", order.ID)
	if l.events != nil {
		l.events.PublishAsync(events.TypeSubscription, events.SubscriptionActivated, events.SubscriptionEventData{
			SubscriptionID: sub.ID,
			Status:         string(sub.Status),
			TokensUsed:     sub.TokensUsed,
			TokenCount:     len(sub.Tokens),
		})
	}
	return nil
}

// ProcessRenewal charges the active token of a due subscription and records
// the attempt as a new renewal order. Renewal failures are never retried
// here and never advance the token rotation.
func (l *Lifecycle) ProcessRenewal(ctx context.Context, sub *store.Subscription) (*store.Order, error) {
	if sub.Status != store.SubscriptionStatusActive {
		return nil, &PreconditionError{Reason: fmt.Sprintf("subscription %s is %s, expected %s", sub.ID, sub.Status, store.SubscriptionStatusActive)}
	}

	order := &store.Order{
		ID:             uuid.New().String(),
		Amount:         sub.Amount,
		Currency:       sub.Currency,
		DonorEmail:     sub.DonorEmail,
		OrderRef:       newOrderRef("renewal"),
		Status:         store.OrderStatusPending,
		SubscriptionID: sub.ID,
	}
	if err := l.store.SaveOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to save renewal order: %w", err)
	}

	token, ok := ActiveToken(sub)
	if !ok {
		l.markSubscriptionFailing(ctx, sub)
		err := &PreconditionError{Reason: "no active token for renewal"}
		return order, l.failOrder(ctx, order, fmt.Sprintf("SimplePay recurring payment failed: %v", err), err)
	}

	tokenStatus, err := l.processor.QueryToken(ctx, token)
	if err != nil {
		return order, l.failOrder(ctx, order, fmt.Sprintf("SimplePay recurring payment failed: %v", err), err)
	}
	if tokenStatus.Status != simplepay.TokenStatusActive {
		l.markSubscriptionFailing(ctx, sub)
		err := &PreconditionError{Reason: "token inactive"}
		return order, l.failOrder(ctx, order, fmt.Sprintf("SimplePay recurring payment failed: %v", err), err)
	}

	payment := simplepay.PaymentData{
		OrderRef:      order.OrderRef,
		Currency:      order.Currency,
		Total:         order.Amount,
		CustomerEmail: order.DonorEmail,
	}

	result, err := l.processor.ProcessRecurringPayment(ctx, payment, token)
	if err != nil {
		return order, l.failOrder(ctx, order, fmt.Sprintf("SimplePay recurring payment failed: %v", err), err)
	}

	order.Status = store.OrderStatusComplete
	setTransactionID(order, result.TransactionID)
	if err := l.store.SaveOrder(ctx, order); err != nil {
		return order, fmt.Errorf("failed to save renewal order: %w", err)
	}
	l.appendNote(ctx, order.ID, fmt.Sprintf("SimplePay recurring payment successful (Transaction ID: %d)", result.TransactionID))

	RecordTokenUse(sub)
	if exhausted := RotateTokenIfNeeded(sub); exhausted {
		l.logger.Warn("token chain exhausted, subscription needs re-authorization", "subscription_id", sub.ID)
	} else {
		next := nextBillingDate(time.Now(), sub.BillingCycle)
		sub.NextBillingAt = &next
	}

	if err := l.store.SaveSubscription(ctx, sub); err != nil {
		return order, fmt.Errorf("failed to save subscription %s: %w", sub.ID, err)
	}

	return order, nil
}

// CancelSubscription revokes every token in the chain, best effort, then
// marks the subscription cancelled unconditionally.
func (l *Lifecycle) CancelSubscription(ctx context.Context, sub *store.Subscription) error {
	revoked := 0
	for _, token := range sub.Tokens {
		if _, err := l.processor.CancelToken(ctx, token); err != nil {
			l.logger.Warn("token cancellation failed", "subscription_id", sub.ID, "error", err)
			if sub.InitialOrderID != "" {
				l.appendNote(ctx, sub.InitialOrderID, fmt.Sprintf("SimplePay token cancellation failed: %v", err))
			}
			continue
		}
		revoked++
	}

	sub.Status = store.SubscriptionStatusCancelled
	if err := l.store.SaveSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to save subscription %s: %w", sub.ID, err)
	}

	if sub.InitialOrderID != "" {
		l.appendNote(ctx, sub.InitialOrderID, fmt.Sprintf("SimplePay subscription cancelled (%d of %d tokens revoked)", revoked, len(sub.Tokens)))
	}

	return nil
}

// RefundOrder issues a refund for an order's transaction. The local status
// is not changed here; the async REFUND notification is the authoritative
// status setter.
func (l *Lifecycle) RefundOrder(ctx context.Context, order *store.Order, amount decimal.Decimal) (*simplepay.RefundResult, error) {
	if order.GatewayTransactionID == "" {
		return nil, &PreconditionError{Reason: "no transaction id found for refund"}
	}

	txID, err := strconv.ParseInt(order.GatewayTransactionID, 10, 64)
	if err != nil {
		return nil, &PreconditionError{Reason: "order transaction id is not numeric"}
	}

	result, err := l.processor.RefundTransaction(ctx, txID, amount, order.Currency)
	if err != nil {
		return nil, err
	}

	l.appendNote(ctx, order.ID, fmt.Sprintf("SimplePay payment refunded (Transaction ID: %s)", order.GatewayTransactionID))
	return result, nil
}

// ============== helpers ==============

func (l *Lifecycle) transactionData(order *store.Order, returnURL string) simplepay.TransactionData {
	return simplepay.TransactionData{
		OrderRef:      order.OrderRef,
		Currency:      order.Currency,
		Total:         order.Amount,
		CustomerEmail: order.DonorEmail,
		Language:      "EN",
		ReturnURL:     returnURL,
		Invoice: &simplepay.Invoice{
			Name:     order.DonorName,
			Country:  order.BillingAddress.Country,
			State:    order.BillingAddress.State,
			City:     order.BillingAddress.City,
			Zip:      order.BillingAddress.Zip,
			Address:  order.BillingAddress.Address1,
			Address2: order.BillingAddress.Address2,
		},
	}
}

// markStarted moves a freshly created order into processing.
func (l *Lifecycle) markStarted(ctx context.Context, order *store.Order, transactionID int64, note string) {
	order.Status = store.OrderStatusProcessing
	setTransactionID(order, transactionID)
	if err := l.store.SaveOrder(ctx, order); err != nil {
		l.logger.Error("failed to save order", "order_id", order.ID, "error", err)
	}
	l.appendNote(ctx, order.ID, note)
}

// failOrder marks an order failed with a note and wraps the cause for the
// caller.
func (l *Lifecycle) failOrder(ctx context.Context, order *store.Order, note string, cause error) error {
	order.Status = store.OrderStatusFailed
	if err := l.store.SaveOrder(ctx, order); err != nil {
		l.logger.Error("failed to save order", "order_id", order.ID, "error", err)
	}
	l.appendNote(ctx, order.ID, note)

	return &PaymentError{OrderID: order.ID, Err: cause}
}

func (l *Lifecycle) markSubscriptionFailing(ctx context.Context, sub *store.Subscription) {
	sub.Status = store.SubscriptionStatusFailing
	if err := l.store.SaveSubscription(ctx, sub); err != nil {
		l.logger.Error("failed to save subscription", "subscription_id", sub.ID, "error", err)
	}
}

func (l *Lifecycle) appendNote(ctx context.Context, orderID, content string) {
	if err := l.store.AppendNote(ctx, orderID, content); err != nil {
		l.logger.Error("failed to append note", "order_id", orderID, "error", err)
	}
}

// redirectURL maps an event kind to the payer-facing redirect target,
// preferring per-request hints over the configured defaults.
func (l *Lifecycle) redirectURL(event string, hints RedirectHints) string {
	success := hints.Success
	if success == "" {
		success = l.cfg.SuccessURL
	}
	fail := hints.Fail
	if fail == "" {
		fail = l.cfg.FailureURL
	}
	cancel := hints.Cancel
	if cancel == "" {
		cancel = fail
	}
	timeout := hints.Timeout
	if timeout == "" {
		timeout = fail
	}

	switch event {
	case simplepay.EventSuccess:
		return success
	case simplepay.EventCancel:
		return cancel
	case simplepay.EventTimeout:
		return timeout
	default:
		return fail
	}
}

// setTransactionID records the processor transaction id, first write wins.
func setTransactionID(order *store.Order, transactionID int64) {
	if order.GatewayTransactionID != "" || transactionID == 0 {
		return
	}
	order.GatewayTransactionID = strconv.FormatInt(transactionID, 10)
}

func formatTransactionID(transactionID int64) string {
	if transactionID == 0 {
		return "unknown"
	}
	return strconv.FormatInt(transactionID, 10)
}

func newOrderRef(prefix string) string {
	return prefix + "_" + uuid.New().String()
}

func nextBillingDate(from time.Time, billingCycle string) time.Time {
	if billingCycle == "yearly" {
		return from.AddDate(1, 0, 0)
	}
	return from.AddDate(0, 1, 0)
}
