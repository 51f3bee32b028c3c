package vfskit

import (
	"fmt"

	"gitlab.com/tozd/go/errors"
)

// Common filesystem errors
var (
	ErrNotExist         = errors.Base("file does not exist")
	ErrExist            = errors.Base("file already exists")
	ErrPermission       = errors.Base("permission denied")
	ErrClosed           = errors.Base("file already closed")
	ErrNotDir           = errors.Base("not a directory")
	ErrIsDir            = errors.Base("is a directory")
	ErrNotEmpty         = errors.Base("directory not empty")
	ErrInvalidName      = errors.Base("invalid name")
	ErrNotSupported     = errors.Base("operation not supported")
	ErrReadOnly         = errors.Base("read-only file system")
	ErrCrossAuthority   = errors.Base("paths aren't on the same authority")
	ErrChecksumMismatch = errors.Base("checksum mismatch")
	ErrUnknownScheme    = errors.Base("unknown scheme")
)

// PathError records an error and the operation and file path that caused it
type PathError struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface
func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e *PathError) Unwrap() error {
	return e.Err
}

// NewPathError wraps err with the operation and path. A nil err yields nil.
func NewPathError(op string, p VirtualPath, err error) error {
	if err == nil {
		return nil
	}
	return &PathError{Op: op, Path: p.String(), Err: err}
}

// UserActionRequiredError is returned when an operation can only proceed
// after an interactive step, such as entering a password or unlocking a
// key. Action names the step for the presenter.
type UserActionRequiredError struct {
	Authority Authority
	Action    string
	Err       error
}

func (e *UserActionRequiredError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s required for %s: %v", e.Action, e.Authority, e.Err)
	}
	return fmt.Sprintf("%s required for %s", e.Action, e.Authority)
}

func (e *UserActionRequiredError) Unwrap() error {
	return e.Err
}

// IsNotExist reports whether an error indicates that a file or directory
// does not exist
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// IsExist reports whether an error indicates that a file or directory
// already exists
func IsExist(err error) bool {
	return errors.Is(err, ErrExist)
}

// IsPermission reports whether an error indicates that permission is denied
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermission) || errors.Is(err, ErrReadOnly)
}

// IsNotSupported reports whether err means the provider lacks the capability.
func IsNotSupported(err error) bool {
	return errors.Is(err, ErrNotSupported)
}

// AsUserActionRequired extracts a UserActionRequiredError from err's chain.
func AsUserActionRequired(err error) (*UserActionRequiredError, bool) {
	var uar *UserActionRequiredError
	if errors.As(err, &uar) {
		return uar, true
	}
	return nil, false
}
