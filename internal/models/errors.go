package models

// ErrorCode is the stable failure taxonomy surfaced to clients.
type ErrorCode string

const (
	ErrInvalidURL             ErrorCode = "invalid_url"
	ErrUnsupportedContentType ErrorCode = "unsupported_content_type"
	ErrFetchFailed            ErrorCode = "fetch_failed"
	ErrFetchTimeout           ErrorCode = "fetch_timeout"
	ErrParseFailed            ErrorCode = "parse_failed"
	ErrOCRFailed              ErrorCode = "ocr_failed"
	ErrVisionFailed           ErrorCode = "vision_failed"
	ErrInvalidImages          ErrorCode = "invalid_images"
	ErrLLMFailed              ErrorCode = "llm_failed"
	ErrLLMTimeout             ErrorCode = "llm_timeout"
	ErrInvalidPayload         ErrorCode = "invalid_payload"
	ErrSaveFailed             ErrorCode = "save_failed"
	ErrInternal               ErrorCode = "internal_error"
)

// Retryable reports whether a job failing with this code is worth another queue attempt.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrFetchFailed, ErrFetchTimeout, ErrLLMFailed, ErrLLMTimeout, ErrInternal:
		return true
	}
	return false
}

// NextActionClientWebview tells clients to extract the page themselves and resubmit it as a payload job.
const NextActionClientWebview = "client_webview"
