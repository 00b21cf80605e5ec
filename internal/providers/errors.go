package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailoverReason categorizes why a provider call failed. The executor and
// the failover chain branch on it: retryable reasons get backed-off
// retries against the same provider, failover reasons move to the next
// adapter in the chain.
type FailoverReason string

const (
	// FailoverBilling covers exhausted quota or payment problems (HTTP 402).
	FailoverBilling FailoverReason = "billing"

	// FailoverRateLimit covers HTTP 429 responses.
	FailoverRateLimit FailoverReason = "rate_limit"

	// FailoverAuth covers HTTP 401 and 403 responses.
	FailoverAuth FailoverReason = "auth"

	// FailoverTimeout covers request and connection timeouts.
	FailoverTimeout FailoverReason = "timeout"

	// FailoverServerError covers HTTP 5xx responses.
	FailoverServerError FailoverReason = "server_error"

	// FailoverInvalidRequest covers HTTP 400 responses.
	FailoverInvalidRequest FailoverReason = "invalid_request"

	// FailoverModelUnavailable means the requested model does not exist
	// or is not enabled for the account.
	FailoverModelUnavailable FailoverReason = "model_unavailable"

	// FailoverContentFilter means the request was refused by a safety
	// filter.
	FailoverContentFilter FailoverReason = "content_filter"

	// FailoverUnknown is the fallback for unclassified errors.
	FailoverUnknown FailoverReason = "unknown"
)

// IsRetryable reports whether the same provider is worth retrying.
func (r FailoverReason) IsRetryable() bool {
	switch r {
	case FailoverRateLimit, FailoverTimeout, FailoverServerError:
		return true
	default:
		return false
	}
}

// ShouldFailover reports whether a different provider should be tried.
// Quota exhaustion and auth failures are per-account, so a sibling
// account on another provider can still serve the request.
func (r FailoverReason) ShouldFailover() bool {
	switch r {
	case FailoverBilling, FailoverAuth, FailoverModelUnavailable:
		return true
	default:
		return false
	}
}

// ProviderError is a structured provider failure carrying everything the
// retry and failover layers need.
type ProviderError struct {
	Reason    FailoverReason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	switch {
	case e.Message != "":
		parts = append(parts, e.Message)
	case e.Cause != nil:
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError wraps cause with provider context, classifying the
// reason from the error text.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   FailoverUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus records the HTTP status and reclassifies from it. Status
// codes are more reliable than message text, so this overrides the
// text-derived reason.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatusCode(status); reason != FailoverUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode records the provider-specific error code and reclassifies
// when the code is recognized.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != FailoverUnknown {
		e.Reason = reason
	}
	return e
}

// WithRequestID records the provider's request ID for support tickets.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// WithMessage replaces the human-readable message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// IsProviderError reports whether err wraps a ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// ReasonOf extracts the FailoverReason from err, or FailoverUnknown when
// err is not a ProviderError.
func ReasonOf(err error) FailoverReason {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return FailoverUnknown
}

// ClassifyError derives a FailoverReason from error text. Used when no
// structured status or code is available, e.g. transport-level failures.
func ClassifyError(err error) FailoverReason {
	if err == nil {
		return FailoverUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "timeout", "deadline exceeded", "context deadline", "etimedout"):
		return FailoverTimeout
	case containsAny(msg, "rate limit", "rate_limit", "too many requests", "429"):
		return FailoverRateLimit
	case containsAny(msg, "unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"):
		return FailoverAuth
	case containsAny(msg, "billing", "payment", "quota", "insufficient credit", "402"):
		return FailoverBilling
	case containsAny(msg, "content_filter", "content policy", "safety"):
		return FailoverContentFilter
	case containsAny(msg, "model not found", "model_not_found", "does not exist", "unavailable"):
		return FailoverModelUnavailable
	case containsAny(msg, "internal server", "server error", "overloaded", "500", "502", "503", "529"):
		return FailoverServerError
	default:
		return FailoverUnknown
	}
}

func classifyStatusCode(status int) FailoverReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailoverAuth
	case status == http.StatusPaymentRequired:
		return FailoverBilling
	case status == http.StatusTooManyRequests:
		return FailoverRateLimit
	case status == http.StatusBadRequest:
		return FailoverInvalidRequest
	case status == http.StatusNotFound:
		return FailoverModelUnavailable
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return FailoverTimeout
	case status >= 500:
		return FailoverServerError
	default:
		return FailoverUnknown
	}
}

func classifyErrorCode(code string) FailoverReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return FailoverRateLimit
	case "authentication_error", "permission_error", "invalid_api_key":
		return FailoverAuth
	case "billing_error", "insufficient_quota", "quota_exceeded":
		return FailoverBilling
	case "overloaded_error", "api_error", "server_error":
		return FailoverServerError
	case "invalid_request_error":
		return FailoverInvalidRequest
	case "not_found_error", "model_not_found":
		return FailoverModelUnavailable
	case "content_filter", "content_policy_violation":
		return FailoverContentFilter
	default:
		return FailoverUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
