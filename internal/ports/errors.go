package ports

import "errors"

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these so callers
// can branch with errors.Is without knowing the transport.
var (
	// General
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Stream / connection. Transient connection errors are retried with
	// backoff inside the stream client and never surfaced to callers;
	// protocol errors are fatal to a single connection attempt only.
	ErrConnectionFailed = errors.New("failed to connect to the broker hub")
	ErrProtocol         = errors.New("broker hub protocol violation")
	ErrNotConnected     = errors.New("stream client is not connected")
	ErrClientStopped    = errors.New("stream client has been stopped")

	// Orders
	ErrAuthenticationFailed = errors.New("broker authentication failed")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrOrderRejected        = errors.New("order rejected by broker")
	ErrOrderNotFound        = errors.New("order not found at broker")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")
	ErrPositionNotFound     = errors.New("position not found at broker")

	// ErrSubmitUnknown marks a submit or cancel whose outcome could not
	// be determined (timeout mid-flight). The caller must reconcile
	// against broker state instead of retrying blindly.
	ErrSubmitUnknown = errors.New("order operation outcome unknown, reconciliation required")

	// ErrManualIntervention marks a state the manager will not resolve
	// by guessing, e.g. a cancel that keeps failing after a fill race.
	// The process keeps running; an operator has to look.
	ErrManualIntervention = errors.New("manual intervention required")

	// Database
	ErrDBConnection = errors.New("database connection error")
	ErrQueryFailed  = errors.New("database query failed")
)
