package validation

import (
	"errors"
	"fmt"
	"strings"
)

// Error is a validation verdict. Reject marks misbehavior worth penalizing
// the propagating peer for; everything else is ignored. Silent errors are
// routine and skip logging.
type Error struct {
	text     string
	got      any
	want     any
	innerErr error
	reject   bool
	silent   bool
}

func (e Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.text)

	if e.got != nil {
		sb.WriteString(fmt.Sprintf(", got %v", e.got))
	}
	if e.want != nil {
		sb.WriteString(fmt.Sprintf(", want %v", e.want))
	}
	if e.innerErr != nil {
		sb.WriteString(fmt.Sprintf(": %s", e.innerErr.Error()))
	}

	return sb.String()
}

func (e Error) Reject() bool {
	return e.reject
}

func (e Error) Silent() bool {
	return e.silent
}

func (e Error) Text() string {
	return e.text
}

func (e Error) Unwrap() error {
	return e.innerErr
}

func (e Error) Is(target error) bool {
	var t Error
	if !errors.As(target, &t) {
		return false
	}
	return e.text == t.text
}

var (
	ErrPubSubMessageHasNoData = Error{text: "pub-sub message has no data", reject: true}
	ErrPubSubDataTooBig       = Error{text: "pub-sub message data too big", reject: true}
	ErrMalformedMessage       = Error{text: "message could not be decoded", reject: true}
	ErrUndecodablePayload     = Error{text: "payload could not be decoded", reject: true}
	ErrUnknownMsgType         = Error{text: "unknown message type", reject: true}
	ErrWrongSignatureSize     = Error{text: "wrong signature size", reject: true}
	ErrSignatureVerification  = Error{text: "signature verification", reject: true}
	ErrSignerMismatch         = Error{text: "signer mismatch", reject: true}
	ErrSelfMessage            = Error{text: "message from self", silent: true}
	ErrDuplicatedMessage      = Error{text: "message is duplicated", silent: true}
	ErrNoRunningSession       = Error{text: "no session is running"}
	ErrUnknownSigner          = Error{text: "signer is not in committee"}
	ErrExcludedSigner         = Error{text: "signer was excluded"}
	ErrWrongSession           = Error{text: "wrong session"}
)
