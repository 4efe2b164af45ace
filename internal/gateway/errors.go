package gateway

import "fmt"

// PreconditionError reports a trigger whose preconditions do not hold, such
// as refunding an order without a transaction id or renewing without an
// active token. No processor call is made and no state is mutated.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

// PaymentError wraps a processor-call failure surfaced to the host platform
// after the order has been marked failed.
type PaymentError struct {
	OrderID string
	Err     error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("payment failed for order %s: %v", e.OrderID, e.Err)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}
