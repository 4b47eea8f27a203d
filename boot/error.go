package boot

// Error describes a fatal boot loader error. All loader errors must be
// defined as global variables that are pointers to the Error structure. This
// requirement stems from the fact that no heap allocator is available while
// the loader runs so we cannot use errors.New.
//
// Loader errors are never retried; once one is reported the machine halts.
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
