// Package usagelog records one UsageRecord per resolved gateway request and
// moves it through a durable Redis queue to an external sink.
//
// Delivery is at-least-once: the gateway publishes each record exactly once,
// and a consumer that crashes between claim and ack leaves the item in a
// leased processing slot that Reclaim returns to the queue after the lease
// expires.
package usagelog

import (
	"time"

	"github.com/google/uuid"
)

// ErrorDetails describes a failed request.
type ErrorDetails struct {
	StatusCode   int    `json:"statusCode"`
	StatusText   string `json:"statusText"`
	ResponseText string `json:"responseText,omitempty"`
}

// UsageRecord is the log entry for a single request. It is filled in while
// the request runs and never changed after Publish.
type UsageRecord struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"requestId"`
	OrganizationID string    `json:"organizationId"`
	ProjectID      string    `json:"projectId"`
	CreatedAt      time.Time `json:"createdAt"`
	DurationMs     int64     `json:"duration"`

	RequestedModel    string `json:"requestedModel"`
	RequestedProvider string `json:"requestedProvider,omitempty"`
	UsedModel         string `json:"usedModel"`
	UsedProvider      string `json:"usedProvider"`

	PromptTokens     *int `json:"promptTokens"`
	CompletionTokens *int `json:"completionTokens"`
	TotalTokens      *int `json:"totalTokens"`

	InputCost     *float64 `json:"inputCost"`
	OutputCost    *float64 `json:"outputCost"`
	RequestCost   *float64 `json:"requestCost"`
	Cost          *float64 `json:"cost"`
	EstimatedCost bool     `json:"estimatedCost"`

	FinishReason        string        `json:"finishReason,omitempty"`
	UnifiedFinishReason string        `json:"unifiedFinishReason"`
	HasError            bool          `json:"hasError"`
	ErrorDetails        *ErrorDetails `json:"errorDetails,omitempty"`

	Streamed bool   `json:"streamed"`
	Cached   bool   `json:"cached"`
	Mode     string `json:"mode"`
	UsedMode string `json:"usedMode"`
}

// NewRecord starts a record for a request that has just been resolved.
func NewRecord(requestID string, now time.Time) *UsageRecord {
	return &UsageRecord{
		ID:        uuid.NewString(),
		RequestID: requestID,
		CreatedAt: now.UTC(),
	}
}
