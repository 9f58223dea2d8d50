package auditmeta

import "errors"

var (
	// ErrLockConflict means the caller's lock token was superseded: another
	// orchestrator owns distribution metadata now.
	ErrLockConflict = errors.New("move keys lock conflict")

	// ErrPersistAudit means a new audit record could not be written.
	ErrPersistAudit = errors.New("persist new audit metadata failed")

	// ErrAuditCancelled means the record is gone or already Failed.
	ErrAuditCancelled = errors.New("audit storage cancelled")

	// ErrNotFound means no record exists for the requested type and id.
	ErrNotFound = errors.New("audit not found")

	// ErrCancelFailed means the record could not be marked Failed.
	ErrCancelFailed = errors.New("cancel audit storage failed")

	// ErrAuditStorageFailed means the audit could not be carried out, as
	// opposed to ErrAuditStorageError where it ran and found inconsistent data.
	ErrAuditStorageFailed = errors.New("audit storage failed")

	// ErrAuditStorageError is reported by a storage node whose check found
	// copies or metadata that disagree.
	ErrAuditStorageError = errors.New("audit storage found inconsistency")

	// ErrTooManyRequests rejects a launch while another audit of the same
	// type runs over a range that does not contain the request.
	ErrTooManyRequests = errors.New("too many audit requests")

	// ErrNotImplemented means the audit type is unknown.
	ErrNotImplemented = errors.New("audit type not implemented")

	// ErrInvalidRequest covers malformed requests such as an empty range or
	// a progress write with a non-terminal phase.
	ErrInvalidRequest = errors.New("invalid audit request")
)
