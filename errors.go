package dchat

import (
	"errors"
	"fmt"
)

var (
	// ErrHistoryUnavailable means reconciliation gave up after a historical
	// query kept failing. Retrying the open is safe.
	ErrHistoryUnavailable = errors.New("history unavailable")

	// ErrSubscriptionLost is reported while the live feed is down and the
	// session's timeline may be missing events.
	ErrSubscriptionLost = errors.New("live subscription lost")

	// ErrNameResolutionFailed is returned by NameCache.Lookup. Resolve never
	// returns it; it falls back to UnknownName.
	ErrNameResolutionFailed = errors.New("name resolution failed")

	// ErrSubmissionRejected matches every *SubmissionRejectedError.
	ErrSubmissionRejected = errors.New("submission rejected")

	// ErrBlobStoreFailed means an attachment upload failed; nothing was
	// submitted to the ledger.
	ErrBlobStoreFailed = errors.New("blob store failed")

	ErrSessionClosed  = errors.New("session closed")
	ErrSendInProgress = errors.New("a send is already in progress")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNotRegistered  = errors.New("account not registered")
)

// SubmissionRejectedError carries the ledger's reason for declining or
// reverting an operation. It matches ErrSubmissionRejected with errors.Is
// and unwraps to ledger.ErrDeclined or ledger.ErrReverted.
type SubmissionRejectedError struct {
	Op     string
	Reason string
	Err    error
}

func (e *SubmissionRejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s rejected: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s rejected: %s", e.Op, e.Reason)
}

func (e *SubmissionRejectedError) Is(target error) bool {
	return target == ErrSubmissionRejected
}

func (e *SubmissionRejectedError) Unwrap() error { return e.Err }
