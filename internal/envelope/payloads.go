package envelope

// ParseRequest is the payload of the recipe.parse.*.requested types. The job
// source itself stays in the job store; the envelope only points at it.
type ParseRequest struct {
	UserID string `json:"user_id"`
}

// ImageRef is one image handed to the OCR service.
type ImageRef struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
	Index int    `json:"index"`
}

// OCROptions tune a single OCR request.
type OCROptions struct {
	Language string `json:"language"`
	Provider string `json:"provider,omitempty"`
	Tier     int    `json:"tier,omitempty"`
}

// OCRRequest is the payload of ocr.extract_text.requested.
type OCRRequest struct {
	ImageRefs []ImageRef `json:"image_refs"`
	Options   OCROptions `json:"options"`
}

// Completion statuses.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// OCRCompletion is the payload of ocr.completed. Results are index aligned with
// the request's image_refs.
type OCRCompletion struct {
	Status  string      `json:"status"`
	Results []OCRResult `json:"results"`
	Error   *ErrorInfo  `json:"error"`
}

// OCRResult is the outcome for one image.
type OCRResult struct {
	Index     int        `json:"index"`
	OCRText   string     `json:"ocr_text"`
	Truncated bool       `json:"truncated"`
	Meta      OCRMeta    `json:"meta"`
	Error     *ErrorInfo `json:"error"`
}

// OCRMeta describes how a result was produced.
type OCRMeta struct {
	Confidence *float64 `json:"confidence"`
	Tier       int      `json:"tier,omitempty"`
	Provider   string   `json:"provider,omitempty"`
	CharCount  int      `json:"char_count"`
	LineCount  int      `json:"line_count,omitempty"`
	DurationMs int64    `json:"duration_ms,omitempty"`
}

// ErrorInfo is a code/message pair.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Failure is the payload of job.failed, sent to reply_to once a consumer gives up.
type Failure struct {
	FailedJobType string    `json:"failed_job_type"`
	Attempts      int       `json:"attempts"`
	Error         ErrorInfo `json:"error"`
}
