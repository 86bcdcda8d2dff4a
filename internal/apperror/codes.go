package apperror

// Code represents a unique error code for the application
type Code string

// General error codes
const (
	// General validation
	CodeRequiredField   Code = "REQUIRED_FIELD"
	CodeInvalidInput    Code = "INVALID_INPUT"
	CodeInvalidFormat   Code = "INVALID_FORMAT"
	CodeInvalidState    Code = "INVALID_STATE"
	CodeNotFound        Code = "NOT_FOUND"
	CodeValidationError Code = "VALIDATION_ERROR"

	// Configuration
	CodeConfigurationError Code = "CONFIGURATION_ERROR"

	// System errors
	CodeInternalError Code = "INTERNAL_ERROR"
	CodeUnknownError  Code = "UNKNOWN_ERROR"
)

// Indexer-specific error codes
const (
	// WebSocket errors
	CodeWebSocketConnectionError Code = "WEBSOCKET_CONNECTION_ERROR"
	CodeWebSocketClosed          Code = "WEBSOCKET_CLOSED"
	CodeWebSocketSendError       Code = "WEBSOCKET_SEND_ERROR"
	CodeBackoffExhausted         Code = "BACKOFF_EXHAUSTED"

	// Exchange session errors
	CodeExchangeConnectionFailed Code = "EXCHANGE_CONNECTION_FAILED"
	CodeExchangeParseError       Code = "EXCHANGE_PARSE_ERROR"
	CodeSubscribeFailed          Code = "SUBSCRIBE_FAILED"

	// Messaging fabric errors
	CodeChannelSendError   Code = "CHANNEL_SEND_ERROR"
	CodeChannelClosed      Code = "CHANNEL_CLOSED"
	CodeReceiverLagged     Code = "RECEIVER_LAGGED"
	CodeWorkerDrainTimeout Code = "WORKER_DRAIN_TIMEOUT"

	// Config store errors
	CodeEtcdConnectionFailed Code = "ETCD_CONNECTION_FAILED"
	CodeConfigKeyNotFound    Code = "CONFIG_KEY_NOT_FOUND"
	CodeWeightValidation     Code = "WEIGHT_VALIDATION_ERROR"

	// Persistence errors
	CodeDatabaseConnectionFailed Code = "DATABASE_CONNECTION_FAILED"
	CodeDatabaseInsertFailed     Code = "DATABASE_INSERT_FAILED"

	// Distribution errors
	CodeDistributionSendFailed Code = "DISTRIBUTION_SEND_FAILED"
	CodeCircuitOpen            Code = "CIRCUIT_OPEN"
)
