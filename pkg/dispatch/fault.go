package dispatch

import (
	"errors"
	"fmt"
)

// Class partitions faults by how the pipeline reacts to them.
type Class string

const (
	// ClassTransient faults are retried once with bounded backoff.
	ClassTransient Class = "transient"
	// ClassPolicy faults are surfaced immediately as a structured refusal,
	// never retried.
	ClassPolicy Class = "policy"
	// ClassPartial faults are not errors: the pipeline proceeded with
	// incomplete results and recorded the gap.
	ClassPartial Class = "partial"
	// ClassFatal faults reject the inbound message with a retryable signal
	// to the channel adapter.
	ClassFatal Class = "fatal"
)

// Fault codes.
const (
	CodeQuotaExceeded     = "quota_exceeded"
	CodeToolNotAllowed    = "tool_not_allowed"
	CodeApprovalRejected  = "approval_rejected"
	CodeApprovalTimeout   = "approval_timeout"
	CodeAgentUnavailable  = "agent_unavailable"
	CodeFanOutActive      = "fanout_active"
	CodeNestedFanOut      = "nested_fanout"
	CodeSessionStore      = "session_store"
	CodeNoProvider        = "no_provider"
	CodeCredentialInvalid = "credential_invalid"
)

// Fault is a classified pipeline error.
type Fault struct {
	Class   Class
	Code    string
	Message string
	Err     error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Retryable reports whether the channel adapter may redeliver the inbound
// message that produced this fault.
func (f *Fault) Retryable() bool {
	return f.Class == ClassTransient || f.Class == ClassFatal
}

// NewFault builds a classified fault wrapping err (err may be nil).
func NewFault(class Class, code, message string, err error) *Fault {
	return &Fault{Class: class, Code: code, Message: message, Err: err}
}

// AsFault unwraps err to a *Fault if one is in the chain.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
