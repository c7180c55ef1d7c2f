package export

import (
	"errors"
	"fmt"

	"github.com/peyvand-edu/sabt-core/pkg/retry"
)

// Stable error codes. They surface verbatim in job records and in the
// HTTP error envelope, so they never change spelling.
const (
	CodeEmpty            = "EXPORT_EMPTY"
	CodeIOError          = "EXPORT_IO_ERROR"
	CodeProfileUnknown   = "EXPORT_PROFILE_UNKNOWN"
	CodeRetryExhausted   = "RETRY_EXHAUSTED"
	codeValidationPrefix = "EXPORT_VALIDATION_ERROR"
)

// Error is the exporter's coded error. Code is one of the constants
// above; Err carries the underlying cause when there is one.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode satisfies the envelope translation contract used by the
// HTTP layer and the job runner.
func (e *Error) ErrorCode() string { return e.Code }

// ValidationError reports a row that failed a format rule. Field is the
// export column name; the code embeds it so clients can localize per
// field. Value is kept for programmatic inspection but never rendered:
// several validated columns are PII.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s:%s: %s", codeValidationPrefix, e.Field, e.Reason)
}

func (e *ValidationError) ErrorCode() string {
	return codeValidationPrefix + ":" + e.Field
}

// CodeOf extracts the stable code from any error the pipeline can
// return. Empty string means uncoded: the caller maps it to
// INTERNAL_SERVER_ERROR.
func CodeOf(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.ErrorCode()
	}
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code
	}
	if retry.IsExhausted(err) {
		return CodeRetryExhausted
	}
	return ""
}
