// Package telemetry - types.go defines the records the stores hold.
//
// DESIGN: These types are shared by the pipeline (writer side) and the stats
// surface (reader side). Defined here once to avoid circular imports.
package telemetry

import "time"

// RequestStatus is the terminal state of one request.
type RequestStatus string

const (
	StatusSuccess   RequestStatus = "success"
	StatusFailed    RequestStatus = "failed"
	StatusTimeout   RequestStatus = "timeout"
	StatusCancelled RequestStatus = "cancelled"
	StatusRetrying  RequestStatus = "retrying"
)

// UsageSource tells whether token counts came from the upstream or from the
// local estimator.
type UsageSource string

const (
	SourceActual    UsageSource = "actual"
	SourceEstimated UsageSource = "estimated"
)

// RequestLog captures one request through the gateway.
type RequestLog struct {
	RequestID    string        `json:"request_id"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	IsStream     bool          `json:"is_stream"`
	Status       RequestStatus `json:"status"`
	DurationMS   int64         `json:"duration_ms"`
	HTTPStatus   int           `json:"http_status,omitempty"`
	Error        string        `json:"error,omitempty"`
	CredentialID string        `json:"credential_id,omitempty"`
	RetryCount   int           `json:"retry_count"`
	Timestamp    time.Time     `json:"timestamp"`
}

// TokenUsageRecord captures billed or estimated token counts for one request.
type TokenUsageRecord struct {
	ID           string      `json:"id"`
	RequestID    string      `json:"request_id"`
	Provider     string      `json:"provider"`
	Model        string      `json:"model"`
	InputTokens  int64       `json:"input_tokens"`
	OutputTokens int64       `json:"output_tokens"`
	Source       UsageSource `json:"source"`
	Timestamp    time.Time   `json:"timestamp"`
}
