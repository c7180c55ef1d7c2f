package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/peyvand-edu/sabt-core/pkg/export"
)

// Stable error codes surfaced to clients. Export pipeline codes live in
// pkg/export; the ones below belong to the HTTP surface itself.
const (
	CodeRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
	CodeIdempotencyKeyRequired = "IDEMPOTENCY_KEY_REQUIRED"
	CodeUnauthorized           = "UNAUTHORIZED"
	CodeMetricsTokenInvalid    = "METRICS_TOKEN_INVALID"
	CodeNotFound               = "NOT_FOUND"
	CodeMethodNotAllowed       = "METHOD_NOT_ALLOWED"
	CodeInternal               = "INTERNAL_SERVER_ERROR"
)

// faMessages maps stable codes to the Persian strings clients display.
// Codes are the machine contract; messages may be reworded freely.
var faMessages = map[string]string{
	CodeRateLimitExceeded:      "تعداد درخواست‌ها بیش از حد مجاز است. لطفا بعدا تلاش کنید.",
	CodeIdempotencyKeyRequired: "هدر Idempotency-Key الزامی است.",
	CodeUnauthorized:           "دسترسی غیرمجاز. توکن معتبر ارائه کنید.",
	CodeMetricsTokenInvalid:    "توکن دسترسی به متریک‌ها نامعتبر است.",
	CodeNotFound:               "موردی با این مشخصات یافت نشد.",
	CodeMethodNotAllowed:       "متد درخواست مجاز نیست.",
	CodeInternal:               "خطای داخلی سرور. لطفا بعدا تلاش کنید.",
	export.CodeEmpty:           "هیچ رکوردی برای خروجی یافت نشد.",
	export.CodeIOError:         "خطا در نوشتن فایل خروجی.",
	"EXPORT_DUPLICATE":         "درخواست خروجی تکراری است و در حال پردازش می‌باشد.",
	export.CodeProfileUnknown:  "پروفایل خروجی ناشناخته است.",
	export.CodeRetryExhausted:  "تلاش مجدد به نتیجه نرسید. لطفا بعدا تلاش کنید.",
	"EXPORT_VALIDATION_ERROR":  "داده ورودی نامعتبر است.",
}

// Message resolves the Persian message for a stable code. Validation
// codes carry the offending field after a colon; the field is appended
// so operators can see which column rejected without exposing the value.
func Message(code string) string {
	if field, ok := strings.CutPrefix(code, "EXPORT_VALIDATION_ERROR:"); ok {
		return fmt.Sprintf("مقدار فیلد %s نامعتبر است.", field)
	}
	if msg, ok := faMessages[code]; ok {
		return msg
	}
	return faMessages[CodeInternal]
}

// StatusFor maps a stable code to its HTTP status.
func StatusFor(code string) int {
	switch {
	case code == CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case code == CodeIdempotencyKeyRequired:
		return http.StatusBadRequest
	case code == CodeUnauthorized || code == CodeMetricsTokenInvalid:
		return http.StatusUnauthorized
	case code == CodeNotFound:
		return http.StatusNotFound
	case code == CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case code == export.CodeEmpty || code == "EXPORT_DUPLICATE":
		return http.StatusConflict
	case code == export.CodeProfileUnknown:
		return http.StatusBadRequest
	case strings.HasPrefix(code, "EXPORT_VALIDATION_ERROR"):
		return http.StatusBadRequest
	case code == export.CodeRetryExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type faEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Fa faEnvelope `json:"fa_error_envelope"`
}

// WriteError renders the error envelope for a stable code at the given
// status.
func WriteError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Fa: faEnvelope{Code: code, Message: Message(code)}})
}

// WriteCode renders the envelope using the code's default status.
func WriteCode(w http.ResponseWriter, code string) {
	WriteError(w, StatusFor(code), code)
}

// WriteJSON renders a success payload.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
