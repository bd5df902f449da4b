package protocol

import "errors"

// Kind classifies protocol failures
type Kind string

const (
	KindAuthenticationFailed Kind = "AuthenticationFailed"
	KindDirectoryUnavailable Kind = "DirectoryUnavailable"
	KindPolicyViolation      Kind = "PolicyViolation"
	KindTransferRejected     Kind = "TransferRejected"
	KindResourceUnavailable  Kind = "ResourceUnavailable"
	KindRemoteRemovalFailed  Kind = "RemoteRemovalFailed"
)

// Sentinels for errors.Is matching by kind
var (
	ErrAuthenticationFailed = &Error{Kind: KindAuthenticationFailed}
	ErrDirectoryUnavailable = &Error{Kind: KindDirectoryUnavailable}
	ErrPolicyViolation      = &Error{Kind: KindPolicyViolation}
	ErrTransferRejected     = &Error{Kind: KindTransferRejected}
	ErrResourceUnavailable  = &Error{Kind: KindResourceUnavailable}
	ErrRemoteRemovalFailed  = &Error{Kind: KindRemoteRemovalFailed}
)

// Error is a protocol failure. Its message is what the peer sees.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of err, or "" when it is not a protocol error
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
