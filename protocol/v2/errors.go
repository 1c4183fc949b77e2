package v2

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a stable distribution API error code. The set is closed:
// clients key retry and fallback behavior off these strings, so new
// failure modes map onto an existing code rather than growing the enum.
type ErrorCode string

// Distribution API error codes.
const (
	CodeBlobUnknown         ErrorCode = "BLOB_UNKNOWN"
	CodeBlobUploadInvalid   ErrorCode = "BLOB_UPLOAD_INVALID"
	CodeBlobUploadUnknown   ErrorCode = "BLOB_UPLOAD_UNKNOWN"
	CodeDenied              ErrorCode = "DENIED"
	CodeDigestInvalid       ErrorCode = "DIGEST_INVALID"
	CodeManifestBlobUnknown ErrorCode = "MANIFEST_BLOB_UNKNOWN"
	CodeManifestInvalid     ErrorCode = "MANIFEST_INVALID"
	CodeManifestUnknown     ErrorCode = "MANIFEST_UNKNOWN"
	CodeNameInvalid         ErrorCode = "NAME_INVALID"
	CodeNameUnknown         ErrorCode = "NAME_UNKNOWN"
	CodeTagInvalid          ErrorCode = "TAG_INVALID"
	CodeTooManyRequests     ErrorCode = "TOOMANYREQUESTS"
	CodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeUnsupported         ErrorCode = "UNSUPPORTED"
)

// defaultStatus maps each code to its canonical HTTP status.
var defaultStatus = map[ErrorCode]int{
	CodeBlobUnknown:         http.StatusNotFound,
	CodeBlobUploadInvalid:   http.StatusBadRequest,
	CodeBlobUploadUnknown:   http.StatusNotFound,
	CodeDenied:              http.StatusForbidden,
	CodeDigestInvalid:       http.StatusBadRequest,
	CodeManifestBlobUnknown: http.StatusBadRequest,
	CodeManifestInvalid:     http.StatusBadRequest,
	CodeManifestUnknown:     http.StatusNotFound,
	CodeNameInvalid:         http.StatusBadRequest,
	CodeNameUnknown:         http.StatusNotFound,
	CodeTagInvalid:          http.StatusBadRequest,
	CodeTooManyRequests:     http.StatusTooManyRequests,
	CodeUnauthorized:        http.StatusUnauthorized,
	CodeUnknown:             http.StatusInternalServerError,
	CodeUnsupported:         http.StatusBadRequest,
}

// Error is one element of the error envelope.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Detail  any       `json:"detail,omitempty"`
}

type errorEnvelope struct {
	Errors []Error `json:"errors"`
}

// writeError sends the JSON error envelope with the code's canonical
// status.
func writeError(w http.ResponseWriter, code ErrorCode, message string, detail any) {
	writeErrorStatus(w, defaultStatus[code], code, message, detail)
}

// writeErrorStatus sends the envelope with an explicit status, for the
// handful of responses whose status differs from the code's default
// (413 quota denials, 416 range conflicts, 405 in read-only mode).
func writeErrorStatus(w http.ResponseWriter, status int, code ErrorCode, message string, detail any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Errors: []Error{{
		Code:    code,
		Message: message,
		Detail:  detail,
	}}})
}
