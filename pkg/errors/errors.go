package apperrors

import "errors"

// Standardized exchange errors
var (
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInvalidSymbol        = errors.New("invalid symbol")
	ErrPositionModeMismatch = errors.New("position mode mismatch")
	ErrNetwork              = errors.New("network error")
	ErrOrderNotFound        = errors.New("order not found")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrQtyTooSmall          = errors.New("quantity below minimum lot size")
)

// Ingress errors
var (
	ErrSignatureInvalid = errors.New("HMAC signature validation failed")
	ErrReplayDetected   = errors.New("timestamp outside tolerance window")
	ErrWebhookInactive  = errors.New("webhook not found or inactive")
)

// Risk gate rejections
var (
	ErrDailyLossCap     = errors.New("daily loss cap reached")
	ErrMaxPositions     = errors.New("max concurrent positions reached")
	ErrDirectionBlocked = errors.New("signal direction not allowed for bot")
	ErrCooldownActive   = errors.New("symbol is in cooldown for this subscription")
)

// IsRetryable reports whether an exchange error is transient and worth
// retrying under the order retry policy.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrNetwork)
}

// Code maps an error to the stable machine-readable code persisted on
// execution and delivery rows.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDailyLossCap):
		return "DAILY_LOSS_CAP"
	case errors.Is(err, ErrMaxPositions):
		return "MAX_POSITIONS"
	case errors.Is(err, ErrDirectionBlocked):
		return "DIRECTION_BLOCKED"
	case errors.Is(err, ErrCooldownActive):
		return "COOLDOWN_ACTIVE"
	case errors.Is(err, ErrInsufficientBalance):
		return "INSUFFICIENT_BALANCE"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, ErrNetwork):
		return "NETWORK"
	case errors.Is(err, ErrInvalidSymbol):
		return "INVALID_SYMBOL"
	case errors.Is(err, ErrQtyTooSmall):
		return "QTY_TOO_SMALL"
	case errors.Is(err, ErrPositionModeMismatch):
		return "POSITION_MODE_MISMATCH"
	case errors.Is(err, ErrOrderNotFound):
		return "ORDER_NOT_FOUND"
	case errors.Is(err, ErrAuthenticationFailed):
		return "AUTH_FAILED"
	case errors.Is(err, ErrSignatureInvalid):
		return "SIGNATURE_INVALID"
	case errors.Is(err, ErrReplayDetected):
		return "REPLAY_DETECTED"
	case errors.Is(err, ErrWebhookInactive):
		return "WEBHOOK_INACTIVE"
	default:
		return "EXCHANGE_ERROR"
	}
}

// IsSkip reports whether an error is a risk-gate rejection. Skips are
// recorded but never counted as failures.
func IsSkip(err error) bool {
	return errors.Is(err, ErrDailyLossCap) ||
		errors.Is(err, ErrMaxPositions) ||
		errors.Is(err, ErrDirectionBlocked) ||
		errors.Is(err, ErrCooldownActive)
}
