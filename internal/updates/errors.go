package updates

import "fmt"

// PersistenceError reports that the backing store could not be read or
// written. The in-memory state has already been updated when it is returned,
// so callers log it and carry on.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
