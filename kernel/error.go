// Package kernel provides the error type shared by all kernel subsystems.
package kernel

// Error describes an error raised by a kernel subsystem. Errors are declared
// as global variables pointing to an Error value and are compared by
// identity; code that may run in trap context cannot allocate, so errors.New
// and error wrapping are off limits.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
