package protectfs

import (
	"errors"
	"fmt"
)

// Common sentinel errors. Operations wrap these with context; use errors.Is
// to classify a failure.
var (
	// ErrInvalidArgument is returned for nil or empty inputs, malformed open
	// modes, and out-of-range seeks.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrBusy is returned when the advisory lock on the backing file is held
	// by another opener.
	ErrBusy = errors.New("file is locked by another handle")

	// ErrAuthFailed is returned when a GCM tag fails to verify anywhere in
	// the tree - the data was tampered with, corrupted, or the key is wrong.
	ErrAuthFailed = errors.New("authentication failed - data may be corrupted or tampered")

	// ErrBadMagic is returned when the metadata node does not carry the
	// protected-file magic number.
	ErrBadMagic = errors.New("not a protected file")

	// ErrBadVersion is returned when the on-disk format version is not
	// supported by this package.
	ErrBadVersion = errors.New("unsupported protected file version")

	// ErrCorrupted is returned when a structural invariant of the container
	// is violated (bad file size, inconsistent metadata, bad journal shape).
	ErrCorrupted = errors.New("protected file is corrupted")

	// ErrRecoveryNeeded is returned when a file requires journal replay that
	// cannot be performed.
	ErrRecoveryNeeded = errors.New("file recovery needed")

	// ErrNotSupported is returned for malformed recovery journals and for
	// platform operations the current Platform does not provide.
	ErrNotSupported = errors.New("operation not supported")

	// ErrNoKeyID is returned when an auto-key file has no stored key id, so
	// its metadata key cannot be re-derived.
	ErrNoKeyID = errors.New("file has no stored key id")

	// ErrNameMismatch is returned when the basename bound inside the
	// encrypted metadata does not match the path being opened.
	ErrNameMismatch = errors.New("file name does not match the name it was created with")

	// ErrBadStatus is returned when an operation is attempted on a file that
	// is not in the Ok state.
	ErrBadStatus = errors.New("file is in a bad status")

	// ErrMemoryAllocation completes the error taxonomy for allocation
	// failures. No operation returns it: the Go runtime aborts the process
	// when an allocation fails.
	ErrMemoryAllocation = errors.New("memory allocation failed")
)

// IOError represents a failure of the underlying host filesystem.
type IOError struct {
	Op   string // "open", "lock", "stat", "read", "write", "truncate", "flush", "close", "remove"
	Path string // backing file path
	Node uint64 // physical node number, if applicable
	Err  error  // underlying error
}

func (e *IOError) Error() string {
	if e.Op == "read" || e.Op == "write" {
		return fmt.Sprintf("io error: %s %s node %d: %v", e.Op, e.Path, e.Node, e.Err)
	}
	return fmt.Sprintf("io error: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// CorruptionError represents a structural integrity failure.
type CorruptionError struct {
	Path    string
	Node    uint64 // physical node number, if applicable
	Message string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corruption error: %s: %s", e.Path, e.Message)
}

func (e *CorruptionError) Unwrap() error {
	return ErrCorrupted
}

// AuthenticationError represents a GCM tag mismatch at a specific node.
type AuthenticationError struct {
	Path string
	Node uint64
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication error: %s node %d: %v", e.Path, e.Node, ErrAuthFailed)
}

func (e *AuthenticationError) Unwrap() error {
	return ErrAuthFailed
}

// NewIOError creates a new I/O error.
func NewIOError(op, path string, err error) error {
	return &IOError{Op: op, Path: path, Err: err}
}

// NewNodeIOError creates a new I/O error for a specific physical node.
func NewNodeIOError(op, path string, node uint64, err error) error {
	return &IOError{Op: op, Path: path, Node: node, Err: err}
}

// NewCorruptionError creates a new corruption error.
func NewCorruptionError(path, message string) error {
	return &CorruptionError{Path: path, Message: message}
}

// IsIOError checks if an error is an I/O error.
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

// IsCorruptionError checks if an error is a corruption error.
func IsCorruptionError(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsAuthenticationError checks if an error is an authentication failure.
func IsAuthenticationError(err error) bool {
	return errors.Is(err, ErrAuthFailed)
}
