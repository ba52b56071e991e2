package resolver

import (
	"fmt"
	"net/http"
)

// Kind classifies a resolution failure.
type Kind int

const (
	ModelNotSupported Kind = iota + 1
	ProviderKeyMissing
	UnsupportedFeature
	InsufficientCredits
)

func (k Kind) String() string {
	switch k {
	case ModelNotSupported:
		return "model_not_supported"
	case ProviderKeyMissing:
		return "provider_key_missing"
	case UnsupportedFeature:
		return "unsupported_feature"
	case InsufficientCredits:
		return "insufficient_credits"
	default:
		return "unknown"
	}
}

// Error is a resolution failure. Message is safe to show to the caller.
type Error struct {
	Kind     Kind
	Message  string
	Provider string
}

func (e *Error) Error() string { return e.Message }

// HTTPStatus implements providers.StatusCoder.
func (e *Error) HTTPStatus() int {
	if e.Kind == InsufficientCredits {
		return http.StatusPaymentRequired
	}
	return http.StatusBadRequest
}

func errModelNotSupported(model string) *Error {
	return &Error{Kind: ModelNotSupported, Message: fmt.Sprintf("Requested model %s not supported", model)}
}

func errUnqualifiedUpstream(model string) *Error {
	return &Error{
		Kind:    ModelNotSupported,
		Message: fmt.Sprintf("Requested model %s not supported without a provider prefix; use provider/%s", model, model),
	}
}

func errProviderMismatch(provider, model string) *Error {
	return &Error{
		Kind:     ModelNotSupported,
		Provider: provider,
		Message:  fmt.Sprintf("Requested model %s not supported by provider %s", model, provider),
	}
}

func errKeyMissing(provider string) *Error {
	return &Error{
		Kind:     ProviderKeyMissing,
		Provider: provider,
		Message:  fmt.Sprintf("No API key set for provider: %s. Please add a provider key in your settings.", provider),
	}
}

func errNoCredits() *Error {
	return &Error{Kind: InsufficientCredits, Message: "Organization has insufficient credits"}
}

func errUnsupported(format, model string) *Error {
	return &Error{Kind: UnsupportedFeature, Message: fmt.Sprintf(format, model)}
}
