package types

import "errors"

// Sentinel errors for the trading system.
var (
	// Configuration errors
	ErrConfiguration   = errors.New("configuration error")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrSpotUnsupported = errors.New("spot markets are not supported")

	// Entry errors
	ErrPositionConflict = errors.New("position already open")
	ErrVolatilityTooLow = errors.New("volatility below threshold")
	ErrSizing           = errors.New("position sizing failed")
	ErrEntryRejected    = errors.New("entry order rejected")

	// Exit errors
	ErrPartialBracket = errors.New("partial bracket placement")
	ErrLegRejected    = errors.New("protective leg closed without fill")

	// Price errors
	ErrInvalidPrice       = errors.New("invalid price value")
	ErrInvalidPriceLevels = errors.New("invalid price levels")

	// Exchange errors
	ErrExchange      = errors.New("exchange error")
	ErrOrderNotFound = errors.New("order not found")
)

// IsExpectedAbort reports whether err is a routine refusal to trade rather
// than a failure.
func IsExpectedAbort(err error) bool {
	return errors.Is(err, ErrPositionConflict) || errors.Is(err, ErrVolatilityTooLow)
}

// ErrorKind returns a short label for err, suitable for metrics and logs.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrPositionConflict):
		return "position_conflict"
	case errors.Is(err, ErrVolatilityTooLow):
		return "volatility_too_low"
	case errors.Is(err, ErrSizing):
		return "sizing"
	case errors.Is(err, ErrEntryRejected):
		return "entry_rejected"
	case errors.Is(err, ErrPartialBracket):
		return "partial_bracket"
	case errors.Is(err, ErrLegRejected):
		return "leg_rejected"
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrInvalidConfig), errors.Is(err, ErrSpotUnsupported):
		return "configuration"
	case errors.Is(err, ErrInvalidPrice), errors.Is(err, ErrInvalidPriceLevels):
		return "price"
	case errors.Is(err, ErrExchange):
		return "exchange"
	default:
		return "other"
	}
}
