package errors

// Common error codes
const (
	// Configuration errors
	ErrInvalidConfig ErrorCode = "invalid_configuration"
	ErrReadConfig    ErrorCode = "read_config_failed"

	// Device errors
	ErrConnection ErrorCode = "connection_failed"
	ErrRead       ErrorCode = "read_failed"
	ErrNoValue    ErrorCode = "no_value"

	// Serving errors
	ErrListen ErrorCode = "listen_failed"

	// Storage errors
	ErrStorageInit   ErrorCode = "storage_init_failed"
	ErrStorageAccess ErrorCode = "storage_access_failed"
	ErrStorageClose  ErrorCode = "storage_close_failed"
	ErrQueueFull     ErrorCode = "storage_queue_full"
)

var errorMessages = map[ErrorCode]string{
	ErrInvalidConfig: "Invalid configuration",
	ErrReadConfig:    "Failed to read configuration",
	ErrConnection:    "Connection failed",
	ErrRead:          "Read failed",
	ErrNoValue:       "Device returned no value",
	ErrListen:        "Failed to listen",
	ErrStorageInit:   "Failed to initialize storage",
	ErrStorageAccess: "Failed to access storage",
	ErrStorageClose:  "Failed to close storage",
	ErrQueueFull:     "Storage queue full",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return string(code)
}

// IsReadError reports whether err belongs to the read-failure class,
// including the no-value sentinel.
func IsReadError(err error) bool {
	return HasCode(err, ErrRead) || HasCode(err, ErrNoValue)
}

// IsConnectionError reports whether err belongs to the connection-failure class.
func IsConnectionError(err error) bool {
	return HasCode(err, ErrConnection)
}
