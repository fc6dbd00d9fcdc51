package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Analysis Backend Errors
	ErrAnalysisUnavailable = errors.New("analysis backend unavailable or returned a malformed response")

	// Execution Backend Errors
	ErrBrokerUnavailable    = errors.New("brokerage API is unavailable")
	ErrAuthenticationFailed = errors.New("brokerage authentication failed (check API keys)")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrOrderRejected        = errors.New("brokerage rejected the order")
	ErrOrderNotFound        = errors.New("order not found at the brokerage")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")

	// Risk / Decision Errors
	ErrRiskLimitExceeded = errors.New("order intent would violate configured risk bounds")
	ErrInsufficientFunds = errors.New("position sizing yields zero quantity")

	// Ledger / Orchestrator Errors
	ErrLedgerInconsistency = errors.New("open position is no longer present in the brokerage record")
	ErrInvalidTransition   = errors.New("invalid position status transition")
	ErrClockMisconfigured  = errors.New("trading window misconfigured (start >= end or invalid timezone)")
	ErrNotInEmergencyState = errors.New("resume requested but the bot is not emergency-stopped")
	ErrAlreadyRunning      = errors.New("orchestrator is already running")

	// Database Specific Errors
	ErrDBConnection = errors.New("database connection error")
	ErrQueryFailed  = errors.New("database query failed")
	ErrUpdateFailed = errors.New("database update failed")
)
