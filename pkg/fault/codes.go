package fault

// Error codes form a closed taxonomy. Every failure that reaches a client
// carries exactly one of these.
const (
	// Pipeline step failures
	CodeNodeInitialization = "NODE_INITIALIZATION_ERROR"
	CodeNodeExecution      = "NODE_EXECUTION_ERROR"
	CodeNodeCleanup        = "NODE_CLEANUP_ERROR"
	CodeNodeValidation     = "NODE_VALIDATION_ERROR"

	// Agent configuration failures
	CodeConfigMissing = "CONFIG_MISSING_ERROR"
	CodeConfigInvalid = "CONFIG_INVALID_ERROR"

	// Malformed input messages
	CodeMessageInvalid = "MESSAGE_INVALID_ERROR"

	// Provider pipeline failures
	CodeLLMAPIKey             = "LLM_API_KEY_ERROR"
	CodeLLMRateLimit          = "LLM_RATE_LIMIT_ERROR"
	CodeLLMServiceUnavailable = "LLM_SERVICE_UNAVAILABLE"
	CodeLLMRequest            = "LLM_REQUEST_ERROR"
	CodeLLMResponse           = "LLM_RESPONSE_ERROR"

	// Storage backend failures
	CodeStorageRead  = "STORAGE_READ_ERROR"
	CodeStorageWrite = "STORAGE_WRITE_ERROR"

	// Session state
	CodeStateNotFound = "STATE_NOT_FOUND"

	// Fallbacks
	CodeUnknown  = "UNKNOWN_ERROR"
	CodeInternal = "INTERNAL_ERROR"
)

// Fixed user-facing messages for the expected failure classes. These replace
// whatever text the underlying provider produced.
const (
	MessageAPIKeyMissing = "No API key configured. Add a provider API key in your configuration to start chatting."
	MessageAPIKeyBYOK    = "No API key found for this provider. Bring your own key by adding it to your configuration."
	MessageRateLimited   = "The model provider is rate limiting requests. Please wait a moment and try again."
	MessageUnavailable   = "The model provider is temporarily unavailable. Please try again shortly."
)
