package idp

import (
	"errors"
	"fmt"
)

// Kind classifies provider failures.
type Kind int

const (
	KindConfiguration Kind = iota + 1
	KindMetadataFetch
	KindKeyFetch
	KindCallback
	KindStateMismatch
	KindTokenExchange
	KindTokenValidation
	KindUserinfoFetch
	KindSessionValidation
)

var kindNames = map[Kind]string{
	KindConfiguration:     "configuration",
	KindMetadataFetch:     "metadata fetch",
	KindKeyFetch:          "key fetch",
	KindCallback:          "callback",
	KindStateMismatch:     "state mismatch",
	KindTokenExchange:     "token exchange",
	KindTokenValidation:   "token validation",
	KindUserinfoFetch:     "userinfo fetch",
	KindSessionValidation: "session validation",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Stable error codes.
const (
	CodeTokenEndpointMissing    = "AUTH-0001"
	CodeUserinfoEndpointMissing = "AUTH-0002"
	CodeCallback                = "AUTH-0003"
	CodeSessionValidation       = "AUTH-0004"
	CodeTokenFetch              = "AUTH-0005"
	CodeUserinfoFetch           = "AUTH-0006"
	CodeJWKSFetch               = "AUTH-0007"
	CodeMetadataFetch           = "AUTH-0008"
)

var defaultCodes = map[Kind]string{
	KindMetadataFetch:     CodeMetadataFetch,
	KindKeyFetch:          CodeJWKSFetch,
	KindCallback:          CodeCallback,
	KindStateMismatch:     CodeCallback,
	KindTokenExchange:     CodeTokenFetch,
	KindTokenValidation:   CodeTokenFetch,
	KindUserinfoFetch:     CodeUserinfoFetch,
	KindSessionValidation: CodeSessionValidation,
}

// Error is returned by every Client operation.
type Error struct {
	Kind Kind
	Code string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("idp: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("idp: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode returns the stable code for logs and error pages.
func (e *Error) ErrorCode() string {
	if e.Code != "" {
		return e.Code
	}
	return defaultCodes[e.Kind]
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
