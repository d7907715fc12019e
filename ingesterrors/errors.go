// Package ingesterrors provides the typed error used across every component
// of the ingestion client. No error should leave a component that isn't one
// of these; the "permanent" flag is what the retry engine and the
// managed-streaming dispatcher key their decisions on.
//
// The shape borrows from the teacher's kusto/errors and kusto/data/errors
// packages: an Op/Kind pair, a wrapped cause, and here an explicit
// permanence flag instead of deriving it solely from HTTP response bodies.
package ingesterrors

import (
	"errors"
	"fmt"
	"strings"
)

// Op identifies the operation that produced the error.
type Op uint8

const (
	OpUnknown Op = iota
	OpTrustedEndpoint
	OpTokenAcquire
	OpHTTPRequest
	OpConfigFetch
	OpContainerSelect
	OpUpload
	OpQueuedSubmit
	OpQueuedStatus
	OpQueuedPoll
	OpStreamingSubmit
	OpStreamingStatus
	OpManagedDispatch
	OpCompression
	OpSourceValidate
)

func (o Op) String() string {
	switch o {
	case OpTrustedEndpoint:
		return "TrustedEndpoint"
	case OpTokenAcquire:
		return "TokenAcquire"
	case OpHTTPRequest:
		return "HTTPRequest"
	case OpConfigFetch:
		return "ConfigFetch"
	case OpContainerSelect:
		return "ContainerSelect"
	case OpUpload:
		return "Upload"
	case OpQueuedSubmit:
		return "QueuedSubmit"
	case OpQueuedStatus:
		return "QueuedStatus"
	case OpQueuedPoll:
		return "QueuedPoll"
	case OpStreamingSubmit:
		return "StreamingSubmit"
	case OpStreamingStatus:
		return "StreamingStatus"
	case OpManagedDispatch:
		return "ManagedDispatch"
	case OpCompression:
		return "Compression"
	case OpSourceValidate:
		return "SourceValidate"
	default:
		return "Unknown"
	}
}

// Kind classifies the error per spec §7.
type Kind uint8

const (
	KindOther Kind = iota
	KindInvalidConnectionString
	KindAuthentication
	KindNetwork
	KindThrottled
	KindPayloadTooLarge
	KindServiceOff
	KindSchemaMismatch
	KindIngestSubmit
	KindIngestStatus
	KindPartialUpload
	KindCompression
	KindSourceNotFound
	KindSourceNotReadable
	KindSourceIsEmpty
	KindTimeout
	KindUnsupported
	KindIllegalArgument
)

func (k Kind) String() string {
	switch k {
	case KindInvalidConnectionString:
		return "InvalidConnectionString"
	case KindAuthentication:
		return "Authentication"
	case KindNetwork:
		return "Network"
	case KindThrottled:
		return "Throttled"
	case KindPayloadTooLarge:
		return "PayloadTooLarge"
	case KindServiceOff:
		return "ServiceOff"
	case KindSchemaMismatch:
		return "SchemaMismatch"
	case KindIngestSubmit:
		return "IngestSubmit"
	case KindIngestStatus:
		return "IngestStatus"
	case KindPartialUpload:
		return "PartialUpload"
	case KindCompression:
		return "Compression"
	case KindSourceNotFound:
		return "SourceNotFound"
	case KindSourceNotReadable:
		return "SourceNotReadable"
	case KindSourceIsEmpty:
		return "SourceIsEmpty"
	case KindTimeout:
		return "Timeout"
	case KindUnsupported:
		return "Unsupported"
	case KindIllegalArgument:
		return "IllegalArgument"
	default:
		return "Other"
	}
}

// defaultPermanence is consulted by E() when callers don't explicitly call
// SetPermanent/SetTransient; it matches the default permanence spec.md §7
// assigns to each Kind.
var defaultPermanence = map[Kind]bool{
	KindInvalidConnectionString: true,
	KindAuthentication:          true,
	KindNetwork:                 false,
	KindThrottled:               false,
	KindPayloadTooLarge:         true,
	KindServiceOff:              true,
	KindSchemaMismatch:          true,
	KindCompression:             true,
	KindSourceNotFound:          true,
	KindSourceNotReadable:       true,
	KindSourceIsEmpty:           true,
	KindTimeout:                 false,
	KindUnsupported:             true,
	KindIllegalArgument:         true,
}

// Error is the single error type produced by this module.
type Error struct {
	Op   Op
	Kind Kind
	Err  error

	// HTTPStatus is the response status code, when the error originated
	// from an HTTP response. Zero otherwise.
	HTTPStatus int
	// Body is the raw response body, when available, for diagnostics.
	Body string
	// FailureSubCode carries the server's structured sub-code (e.g.
	// "StreamingIngestionPolicyNotEnabled") when one was present.
	FailureSubCode string

	permanent bool
	inner     *Error
}

// E constructs an Error, deriving its default permanence from Kind. Use
// SetPermanent/SetTransient to override.
func E(op Op, kind Kind, err error) *Error {
	if err == nil {
		panic("ingesterrors.E: nil error")
	}
	return &Error{Op: op, Kind: kind, Err: err, permanent: defaultPermanence[kind]}
}

// ES constructs an Error from a formatted string, mirroring the teacher's
// errors.ES helper.
func ES(op Op, kind Kind, format string, args ...interface{}) *Error {
	s := fmt.Sprintf(format, args...)
	if strings.TrimSpace(s) == "" {
		panic("ingesterrors.ES: empty message")
	}
	return E(op, kind, errors.New(s))
}

// W wraps an inner *Error inside an outer one, preserving both messages and
// the errors.Is/As chain.
func W(inner *Error, outer *Error) *Error {
	outer.inner = inner
	return outer
}

// SetPermanent marks the error permanent (non-retryable) and returns it for
// chaining, mirroring the teacher's SetNoRetry().
func (e *Error) SetPermanent() *Error {
	e.permanent = true
	return e
}

// SetTransient marks the error transient (retryable) and returns it for
// chaining.
func (e *Error) SetTransient() *Error {
	e.permanent = false
	return e
}

// SetNoRetry is an alias for SetPermanent kept for readers coming from the
// conventions this client's sibling packages use elsewhere in the corpus.
func (e *Error) SetNoRetry() *Error {
	return e.SetPermanent()
}

// Permanent reports whether the retry engine and the managed-streaming
// dispatcher should treat this as non-retryable.
func (e *Error) Permanent() bool {
	if e == nil {
		return true
	}
	return e.permanent
}

// Unwrap implements errors.Unwrap.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	if e.inner == nil {
		return e.Err
	}
	return e.inner
}

func (e *Error) Error() string {
	b := &strings.Builder{}
	if e.Op != OpUnknown {
		b.WriteString(fmt.Sprintf("%s: ", e.Op))
	}
	if e.Kind != KindOther {
		b.WriteString(fmt.Sprintf("[%s] ", e.Kind))
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	}
	if e.HTTPStatus != 0 {
		b.WriteString(fmt.Sprintf(" (http %d)", e.HTTPStatus))
	}
	for inner := e.inner; inner != nil; inner = inner.inner {
		b.WriteString(":\n\t")
		b.WriteString(inner.Error())
	}
	return b.String()
}

// HTTP builds an Error from a non-2xx HTTP response, applying the
// permanence rule from spec.md §4.C: 4xx other than 408/429 are permanent,
// everything else (5xx, 408, 429, network) is transient. configEndpoint404
// additionally downgrades a 404 to transient when set, matching the
// configuration-cache's "service may be offline" interpretation.
func HTTP(op Op, status int, body string, configEndpoint404 bool) *Error {
	kind := KindIngestSubmit
	permanent := true

	switch {
	case status == 429:
		kind = KindThrottled
		permanent = false
	case status == 413:
		kind = KindPayloadTooLarge
		permanent = true
	case status == 408:
		permanent = false
	case status == 404 && configEndpoint404:
		permanent = false
	case status >= 500:
		permanent = false
	case status >= 400 && status < 500:
		permanent = true
	}

	e := E(op, kind, fmt.Errorf("unexpected status %d", status))
	e.HTTPStatus = status
	e.Body = body
	if permanent {
		e.SetPermanent()
	} else {
		e.SetTransient()
	}
	return e
}

// As supports errors.As against *Error.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}

// Is supports errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
