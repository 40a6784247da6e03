package types

import "errors"

// Routing error taxonomy. These are matched with errors.Is at the HTTP
// boundary; everything else wraps them with fmt.Errorf("...: %w", err).
var (
	// ErrNoAvailableProvider: every provider timed out or declined to quote.
	ErrNoAvailableProvider = errors.New("no available provider")

	// ErrTokenNotFound: the confirmation token does not exist.
	ErrTokenNotFound = errors.New("confirmation token not found")

	// ErrTokenExpired: the confirmation window has closed.
	ErrTokenExpired = errors.New("confirmation token expired")

	// ErrTokenAlreadyUsed: the token has left the ISSUED state.
	ErrTokenAlreadyUsed = errors.New("confirmation token already used")

	// ErrAllProvidersFailed: the selected provider and every ranked
	// alternative failed to commit.
	ErrAllProvidersFailed = errors.New("all providers failed to commit")

	// ErrOutcomeAlreadyRecorded: duplicate outcome submission for an order.
	ErrOutcomeAlreadyRecorded = errors.New("outcome already recorded for order")

	// ErrOrderNotFound: no committed order with the given id.
	ErrOrderNotFound = errors.New("order not found")
)
