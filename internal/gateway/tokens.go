package gateway

import (
	"github.com/donateflow/simplepay-gateway/internal/store"
)

// ActiveToken returns the token at the current usage index, or false when the
// chain is exhausted or empty.
func ActiveToken(sub *store.Subscription) (string, bool) {
	if sub.TokensUsed < 0 || sub.TokensUsed >= len(sub.Tokens) {
		return "", false
	}
	return sub.Tokens[sub.TokensUsed], true
}

// RecordTokenUse advances the usage index after a successful charge.
func RecordTokenUse(sub *store.Subscription) {
	sub.TokensUsed++
}

// RotateTokenIfNeeded checks the chain after a recorded use. When every token
// has been consumed the subscription cannot self-renew anymore and is marked
// FAILING; re-authorization by the donor is the only way out. Returns true
// when the chain is exhausted.
func RotateTokenIfNeeded(sub *store.Subscription) bool {
	if sub.TokensUsed >= len(sub.Tokens) {
		sub.Status = store.SubscriptionStatusFailing
		return true
	}
	// The next token becomes active implicitly by index.
	return false
}
