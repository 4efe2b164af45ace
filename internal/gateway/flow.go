package gateway

import (
	"net/url"
)

// PaymentFlow selects how the payer reaches the hosted payment page. The two
// variants share the same lifecycle; they only differ in how the return URL
// is shaped and how the payment URL is consumed by the host platform
// (full-page redirect vs. embedded form).
type PaymentFlow string

const (
	// FlowOffsiteRedirect sends the payer's browser to the processor and
	// reconciles on return with a signed server-to-server query.
	FlowOffsiteRedirect PaymentFlow = "offsite-redirect"

	// FlowOnsiteEmbedded keeps the payer on the host page; the processor
	// redirects back with a signed base64 payload in the query string.
	FlowOnsiteEmbedded PaymentFlow = "onsite-embedded"
)

// RedirectHints carries the optional per-request redirect targets supplied by
// the host platform on the return URL.
type RedirectHints struct {
	Success string
	Fail    string
	Cancel  string
	Timeout string
}

// returnPath is the listener route each flow points the processor back to.
func (f PaymentFlow) returnPath() string {
	if f == FlowOffsiteRedirect {
		return "/simplepay/redirect"
	}
	return "/simplepay/return"
}

// ReturnURL builds the browser-return URL for an order, embedding the
// correlation id and any redirect hints.
func (f PaymentFlow) ReturnURL(baseURL, orderID string, hints RedirectHints) string {
	params := url.Values{}
	params.Set("donation-id", orderID)
	if hints.Success != "" {
		params.Set("success-url", hints.Success)
	}
	if hints.Fail != "" {
		params.Set("failure-url", hints.Fail)
	}
	if hints.Cancel != "" {
		params.Set("cancel-url", hints.Cancel)
	}
	if hints.Timeout != "" {
		params.Set("timeout-url", hints.Timeout)
	}

	return baseURL + f.returnPath() + "?" + params.Encode()
}

// SubscriptionReturnURL is ReturnURL with the subscription correlation id
// added.
func (f PaymentFlow) SubscriptionReturnURL(baseURL, orderID, subscriptionID string, hints RedirectHints) string {
	u := f.ReturnURL(baseURL, orderID, hints)
	return u + "&" + url.Values{"subscription-id": {subscriptionID}}.Encode()
}
