package goldboot

import "fmt"

// ErrNotLoaded is returned when an operation requires metadata that has not
// yet been decrypted via Load.
var ErrNotLoaded = fmt.Errorf("goldboot: handle is not loaded")

// ErrUnsupported indicates the file's primary header claims a format this
// implementation does not understand (bad magic or unsupported version).
type ErrUnsupported struct {
	Reason string
}

func (e *ErrUnsupported) Error() string {
	return fmt.Sprintf("goldboot: unsupported image: %s", e.Reason)
}

// ErrCorrupt indicates a structural problem with the image that isn't an
// authentication failure: a truncated read, an out-of-range enum value, or
// a violated layout invariant.
type ErrCorrupt struct {
	Region string
	Offset int64
	Reason string
}

func (e *ErrCorrupt) Error() string {
	return fmt.Sprintf("goldboot: corrupt %s at offset %d: %s", e.Region, e.Offset, e.Reason)
}

// ErrAuthenticationFailed indicates an AEAD tag mismatch while decrypting a
// region: either the password is wrong or the ciphertext was tampered with.
// The two causes are indistinguishable by design.
type ErrAuthenticationFailed struct {
	Region string
}

func (e *ErrAuthenticationFailed) Error() string {
	return fmt.Sprintf("goldboot: authentication failed decrypting %s (wrong password or corrupt data)", e.Region)
}

// ErrQcowRead wraps a failure reading the source qcow2 file during Capture.
type ErrQcowRead struct {
	Err error
}

func (e *ErrQcowRead) Error() string {
	return fmt.Sprintf("goldboot: failed reading qcow2 source: %v", e.Err)
}

func (e *ErrQcowRead) Unwrap() error {
	return e.Err
}
