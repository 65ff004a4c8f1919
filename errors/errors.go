// Package errors defines the error taxonomy shared by every UFT component.
// Each kind is a typed string constant so that call sites can match with
// errors.Is regardless of how many wrapping layers were added on the way up.
package errors

import "fmt"

type UftError string

const ErrInvalidParam = UftError("Invalid parameter")
const ErrIo = UftError("Input/output error")
const ErrMemory = UftError("Out of memory")
const ErrFormat = UftError("Malformed image data")
const ErrNotFound = UftError("Not found")
const ErrExists = UftError("Already exists")
const ErrDiskFull = UftError("No space left on disk")
const ErrDirFull = UftError("Directory is full")
const ErrCorrupt = UftError("Structure is corrupt")
const ErrReadOnly = UftError("Image is read-only")
const ErrWriteProtected = UftError("Disk is write-protected")
const ErrTimeout = UftError("Operation timed out")
const ErrCRCMismatch = UftError("CRC mismatch")
const ErrUnsupported = UftError("Operation not supported")
const ErrNotConnected = UftError("Device not connected")
const ErrOpenFailed = UftError("Device open failed")
const ErrProtocol = UftError("Protocol error")
const ErrNoIndex = UftError("No index pulse detected")
const ErrNoTrack0 = UftError("Track 0 not found")
const ErrOverflow = UftError("Sampler buffer overflow")
const ErrUnderflow = UftError("Sampler buffer underflow")

func (e UftError) Error() string {
	return string(e)
}

// WithMessage annotates the kind with detail, keeping the kind reachable
// through Unwrap.
func (e UftError) WithMessage(message string) error {
	return &wrappedError{
		message: fmt.Sprintf("%s: %s", string(e), message),
		cause:   e,
	}
}

// WrapError chains an underlying error (usually an os or serial error)
// beneath the kind.
func (e UftError) WrapError(err error) error {
	return &wrappedError{
		message: fmt.Sprintf("%s: %s", string(e), err.Error()),
		cause:   e,
		inner:   err,
	}
}

// AtOffset annotates a format error with the byte offset of the offending
// structure, as required for ErrFormat diagnostics.
func (e UftError) AtOffset(offset int64, message string) error {
	return &wrappedError{
		message: fmt.Sprintf("%s at offset %d: %s", string(e), offset, message),
		cause:   e,
		offset:  offset,
	}
}

type wrappedError struct {
	message string
	cause   UftError
	inner   error
	offset  int64
}

func (e *wrappedError) Error() string {
	return e.message
}

func (e *wrappedError) Unwrap() error {
	if e.inner != nil {
		return e.inner
	}
	return e.cause
}

// Is lets errors.Is match the kind even when an inner error is chained.
func (e *wrappedError) Is(target error) bool {
	return target == e.cause
}

// Offset reports the byte offset recorded by AtOffset, if err carries one.
func Offset(err error) (int64, bool) {
	if w, ok := err.(*wrappedError); ok && w.offset != 0 {
		return w.offset, true
	}
	return 0, false
}
