package apperror

// messages maps error codes to human-readable messages
var messages = map[Code]string{
	// General validation
	CodeRequiredField:   "Required field is missing",
	CodeInvalidInput:    "Invalid input provided",
	CodeInvalidFormat:   "Invalid data format",
	CodeInvalidState:    "Invalid state for this operation",
	CodeNotFound:        "Resource not found",
	CodeValidationError: "Validation error",

	// Configuration
	CodeConfigurationError: "Configuration error",

	// System errors
	CodeInternalError: "Internal error",
	CodeUnknownError:  "An unknown error occurred",

	// WebSocket errors
	CodeWebSocketConnectionError: "WebSocket connection error",
	CodeWebSocketClosed:          "WebSocket connection closed",
	CodeWebSocketSendError:       "Failed to send WebSocket message",
	CodeBackoffExhausted:         "Connection attempts exhausted",

	// Exchange session errors
	CodeExchangeConnectionFailed: "Failed to connect to exchange",
	CodeExchangeParseError:       "Failed to parse exchange frame",
	CodeSubscribeFailed:          "Failed to send subscription request",

	// Messaging fabric errors
	CodeChannelSendError:   "Failed to send on internal channel",
	CodeChannelClosed:      "Internal channel closed",
	CodeReceiverLagged:     "Broadcast receiver lagged",
	CodeWorkerDrainTimeout: "Workers did not drain within timeout",

	// Config store errors
	CodeEtcdConnectionFailed: "Failed to connect to etcd",
	CodeConfigKeyNotFound:    "Config key not found",
	CodeWeightValidation:     "Invalid weight configuration",

	// Persistence errors
	CodeDatabaseConnectionFailed: "Failed to connect to database",
	CodeDatabaseInsertFailed:     "Database insert failed",

	// Distribution errors
	CodeDistributionSendFailed: "Failed to distribute tick batch",
	CodeCircuitOpen:            "Circuit breaker is open",
}
