package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies ingestion failures so that transports can map them without
// parsing messages.
type Kind string

const (
	KindStoreUnavailable    Kind = "store_unavailable"
	KindSessionNotFound     Kind = "session_not_found"
	KindSessionClosed       Kind = "session_closed"
	KindSessionInconsistent Kind = "session_inconsistent"
	KindOutOfOrderChunk     Kind = "out_of_order_chunk"
	KindInvalidChunkBounds  Kind = "invalid_chunk_bounds"
	KindStoreWriteFailed    Kind = "store_write_failed"
	KindStoreTimeout        Kind = "store_timeout"
	KindMetadataWriteFailed Kind = "metadata_write_failed"
	KindInvalidRequest      Kind = "invalid_request"
)

var (
	ErrStoreUnavailable    = stderrors.New("object store unavailable")
	ErrSessionNotFound     = stderrors.New("session not found")
	ErrSessionClosed       = stderrors.New("session closed")
	ErrSessionInconsistent = stderrors.New("session inconsistent")
	ErrOutOfOrderChunk     = stderrors.New("out of order chunk")
	ErrInvalidChunkBounds  = stderrors.New("invalid chunk bounds")
	ErrStoreWriteFailed    = stderrors.New("object store write failed")
	ErrStoreTimeout        = stderrors.New("object store timeout")
	ErrMetadataWriteFailed = stderrors.New("file metadata write failed")
	ErrInvalidRequest      = stderrors.New("invalid request")

	ErrFileNotFound = stderrors.New("file not found")
)

var sentinels = map[Kind]error{
	KindStoreUnavailable:    ErrStoreUnavailable,
	KindSessionNotFound:     ErrSessionNotFound,
	KindSessionClosed:       ErrSessionClosed,
	KindSessionInconsistent: ErrSessionInconsistent,
	KindOutOfOrderChunk:     ErrOutOfOrderChunk,
	KindInvalidChunkBounds:  ErrInvalidChunkBounds,
	KindStoreWriteFailed:    ErrStoreWriteFailed,
	KindStoreTimeout:        ErrStoreTimeout,
	KindMetadataWriteFailed: ErrMetadataWriteFailed,
	KindInvalidRequest:      ErrInvalidRequest,
}

// IngestError carries the failure kind, a human readable message and the
// underlying cause, if any. errors.Is matches both the kind sentinel and the cause.
type IngestError struct {
	Kind    Kind
	Message string
	Err     error
}

func New(kind Kind, format string, args ...any) *IngestError {
	return &IngestError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *IngestError {
	return &IngestError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *IngestError) Error() string {
	msg := string(e.Kind)
	if s, ok := sentinels[e.Kind]; ok {
		msg = s.Error()
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IngestError) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

func (e *IngestError) Unwrap() error {
	return e.Err
}

// KindOf returns the failure kind of err, or an empty Kind when err does not
// belong to the ingestion taxonomy.
func KindOf(err error) Kind {
	var ie *IngestError
	if stderrors.As(err, &ie) {
		return ie.Kind
	}
	for kind, s := range sentinels {
		if stderrors.Is(err, s) {
			return kind
		}
	}
	return ""
}
