// Package gatewayerr implements the gateway's closed error-code set (spec §6.5)
// and the typed error every handler returns.
package gatewayerr

import "fmt"

// Code is one of the closed set of machine-readable error codes.
type Code string

const (
	ParseError        Code = "PARSE_ERROR"
	InvalidRequest     Code = "INVALID_REQUEST"
	UnknownOperation   Code = "UNKNOWN_OPERATION"
	ValidationError    Code = "VALIDATION_ERROR"
	Unauthorized       Code = "UNAUTHORIZED"
	Forbidden          Code = "FORBIDDEN"
	NotFound           Code = "NOT_FOUND"
	AlreadyExists      Code = "ALREADY_EXISTS"
	Conflict           Code = "CONFLICT"
	RateLimited        Code = "RATE_LIMITED"
	BucketNotDefined   Code = "BUCKET_NOT_DEFINED"
	QueryNotDefined    Code = "QUERY_NOT_DEFINED"
	RulesNotAvailable  Code = "RULES_NOT_AVAILABLE"
	SessionRevoked     Code = "SESSION_REVOKED"
	InternalError      Code = "INTERNAL_ERROR"
)

// Error is the typed error every dispatcher-facing handler returns. The
// dispatcher maps it directly onto the wire `{id,type:"error",code,message,details}`
// envelope (spec §6.1, §7).
type Error struct {
	Code    Code
	Message string
	Details any
}

func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an Error with no details.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithDetails builds an Error carrying extra structured context.
func WithDetails(code Code, message string, details any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

// As extracts an *Error from err, synthesizing an INTERNAL_ERROR wrapper for
// anything else (spec §7: "any unhandled throw maps to INTERNAL_ERROR").
func As(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Code: InternalError, Message: "internal error", Details: err.Error()}
}

func Parse(msg string) *Error             { return New(ParseError, msg) }
func InvalidReq(msg string) *Error        { return New(InvalidRequest, msg) }
func UnknownOp(opType string) *Error      { return New(UnknownOperation, fmt.Sprintf("unknown operation %q", opType)) }
func Validation(msg string) *Error        { return New(ValidationError, msg) }
func Unauth(msg string) *Error            { return New(Unauthorized, msg) }
func Forbid(msg string) *Error            { return New(Forbidden, msg) }
func NotFoundErr(msg string) *Error       { return New(NotFound, msg) }
func Exists(msg string) *Error            { return New(AlreadyExists, msg) }
func ConflictErr(msg string) *Error       { return New(Conflict, msg) }
func Limited(retryAfterMs int64) *Error {
	return WithDetails(RateLimited, "rate limit exceeded", map[string]any{"retryAfterMs": retryAfterMs})
}
func NoBucket(name string) *Error       { return New(BucketNotDefined, fmt.Sprintf("bucket %q is not defined", name)) }
func NoQuery(name string) *Error        { return New(QueryNotDefined, fmt.Sprintf("query %q is not defined", name)) }
func NoRules() *Error                   { return New(RulesNotAvailable, "rule engine is not configured") }
func Revoked() *Error                   { return New(SessionRevoked, "session has been revoked") }
func Internal(msg string) *Error        { return New(InternalError, msg) }
