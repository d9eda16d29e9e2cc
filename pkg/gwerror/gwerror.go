// Package gwerror defines the error taxonomy shared by every component of
// the gateway (§7). Components return a *GatewayError instead of a bare
// error whenever the failure needs to drive a pool-state transition or an
// HTTP response; plain errors remain errors.
package gwerror

import (
	"errors"
	"fmt"
	"time"
)

// Kind is one of the stable, language-independent error kinds from §7.
type Kind string

const (
	KindPoolEmpty             Kind = "pool_empty"
	KindUpstreamHTTP4xx       Kind = "upstream_http_4xx"
	KindUpstreamHTTP5xx       Kind = "upstream_http_5xx"
	KindUpstreamAuthRevoked   Kind = "upstream_auth_revoked"
	KindUpstreamQuotaExhaust  Kind = "upstream_quota_exhausted"
	KindUpstreamTimeout       Kind = "upstream_timeout"
	KindTranslatorProtocol    Kind = "translator_protocol_error"
	KindTranslatorBlocked     Kind = "translator_blocked"
	KindClientCancelled       Kind = "client_cancelled"
	KindPersistenceConflict   Kind = "persistence_conflict"
)

// openAIType maps a Kind to the stable OpenAI-style error `type` field
// surfaced to clients (§7 propagation policy).
var openAIType = map[Kind]string{
	KindPoolEmpty:            "upstream_unavailable",
	KindUpstreamHTTP4xx:      "bad_gateway",
	KindUpstreamHTTP5xx:      "bad_gateway",
	KindUpstreamAuthRevoked:  "upstream_unavailable",
	KindUpstreamQuotaExhaust: "rate_limit_exceeded",
	KindUpstreamTimeout:      "timeout",
	KindTranslatorProtocol:   "bad_gateway",
	KindTranslatorBlocked:    "bad_gateway",
	KindClientCancelled:      "client_cancelled",
	KindPersistenceConflict:  "bad_gateway",
}

// httpStatus maps a Kind to the HTTP status returned to the client: 429 for
// quota, 504 for timeout, 502 otherwise.
var httpStatus = map[Kind]int{
	KindPoolEmpty:            502,
	KindUpstreamHTTP4xx:      502,
	KindUpstreamHTTP5xx:      502,
	KindUpstreamAuthRevoked:  502,
	KindUpstreamQuotaExhaust: 429,
	KindUpstreamTimeout:      504,
	KindTranslatorProtocol:   502,
	KindTranslatorBlocked:    502,
	KindPersistenceConflict:  502,
}

// GatewayError is the error type every component returns for a classified
// failure. It carries enough information for the HTTP layer to build an
// OpenAI-style error body and for the pipeline to decide the pool outcome.
type GatewayError struct {
	Kind       Kind
	Message    string
	Cause      error
	RetryAfter time.Duration // set for KindUpstreamQuotaExhaust
}

func New(kind Kind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message}
}

func Wrap(kind Kind, cause error) *GatewayError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &GatewayError{Kind: kind, Message: msg, Cause: cause}
}

func (e *GatewayError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// OpenAIType returns the stable `error.type` field for the client response.
func (e *GatewayError) OpenAIType() string {
	if e == nil {
		return "bad_gateway"
	}
	if t, ok := openAIType[e.Kind]; ok {
		return t
	}
	return "bad_gateway"
}

// HTTPStatus returns the HTTP status to send to the client.
func (e *GatewayError) HTTPStatus() int {
	if e == nil {
		return 502
	}
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return 502
}

// Silent reports whether this error must not be logged/surfaced per the §7
// propagation policy (only client_cancelled and success are silent).
func (e *GatewayError) Silent() bool {
	return e != nil && e.Kind == KindClientCancelled
}

// As extracts a *GatewayError from err, if present.
func As(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// Retryable reports whether the HTTP status code is one of the configured
// retry_status_codes (§4.2). Callers pass the configured set; this just
// centralizes the membership check for readability at call sites.
func Retryable(status int, retryStatusCodes []int) bool {
	for _, s := range retryStatusCodes {
		if s == status {
			return true
		}
	}
	return false
}
