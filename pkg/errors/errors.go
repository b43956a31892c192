package errors

import "fmt"

// ErrorType classifies harvest failures. The type decides both retry behavior
// and whether a failure aborts the whole request or is recorded per item.
type ErrorType string

const (
	// ErrorTypeLaunch means the browser session could not start. Fatal for
	// the whole request.
	ErrorTypeLaunch ErrorType = "launch"
	// ErrorTypeNavigation covers navigation failures after a successful
	// launch. Extraction terminates early with whatever was gathered.
	ErrorTypeNavigation ErrorType = "navigation"
	// ErrorTypeExtractionTimeout means the overall deadline expired while
	// candidates were still being extracted.
	ErrorTypeExtractionTimeout ErrorType = "extraction_timeout"
	// ErrorTypeFetchTransient covers timeouts, connection resets and 5xx
	// responses. Retried with backoff.
	ErrorTypeFetchTransient ErrorType = "fetch_transient"
	// ErrorTypeFetchPermanent covers 4xx responses and malformed
	// content-types. Never retried.
	ErrorTypeFetchPermanent ErrorType = "fetch_permanent"
	// ErrorTypeOversize means the transfer exceeded the byte limit and was
	// aborted early.
	ErrorTypeOversize ErrorType = "oversize"
	// ErrorTypeRejectedFormat means the sniffed payload format is not an
	// allowed image type.
	ErrorTypeRejectedFormat ErrorType = "rejected_format"
	ErrorTypeUnknown        ErrorType = "unknown"
)

// Error is a harvest error with type information.
type Error struct {
	Type    ErrorType
	Message string
	Code    int
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s error (code %d): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

// New creates a typed error.
func New(t ErrorType, msg string) *Error {
	return &Error{Type: t, Message: msg}
}

// Newf creates a typed error with a formatted message.
func Newf(t ErrorType, format string, args ...interface{}) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...)}
}

// WithCode creates a typed error carrying an HTTP status code.
func WithCode(t ErrorType, code int, msg string) *Error {
	return &Error{Type: t, Message: msg, Code: code}
}

// IsRetryable reports whether an error type should be retried.
func IsRetryable(errorType ErrorType) bool {
	return errorType == ErrorTypeFetchTransient
}

// IsRetryableStatusCode reports whether an HTTP status code indicates a
// transient failure.
func IsRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case 0: // Network error
		return true
	case 429: // Too Many Requests
		return true
	default:
		return statusCode >= 500
	}
}

// ClassifyStatus maps an HTTP status code to a fetch error type.
func ClassifyStatus(statusCode int) ErrorType {
	if IsRetryableStatusCode(statusCode) {
		return ErrorTypeFetchTransient
	}
	return ErrorTypeFetchPermanent
}
