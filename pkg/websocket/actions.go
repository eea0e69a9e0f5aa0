package websocket

// Action constants for WebSocket messages.
const (
	// Health
	ActionHealthCheck = "health.check"

	// Orchestrator queries
	ActionStatusGet  = "status.get"
	ActionInboxList  = "inbox.list"
	ActionWorkerList = "worker.list"

	// Worker control
	ActionWorkerMessage   = "worker.message"
	ActionWorkerApprove   = "worker.approve"
	ActionWorkerInterrupt = "worker.interrupt"

	// Subscription actions
	ActionWorkerSubscribe   = "worker.subscribe"
	ActionWorkerUnsubscribe = "worker.unsubscribe"

	// Notification actions (server -> client)
	ActionEvent       = "event"
	ActionWorkerEvent = "worker.event"
)

// Error codes.
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
