package models

import (
	"errors"
	"fmt"
)

// ErrDumpNotFound is returned when a restore source does not exist.
var ErrDumpNotFound = errors.New("dump file not found")

// ErrPointNotFound is returned when a rollback point name is not in the index.
var ErrPointNotFound = errors.New("rollback point not found")

// FatalError marks a failure after which the whole operation must abort.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal %s error: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// DumpWriteError reports that the dump text could not be persisted. No artifact exists.
type DumpWriteError struct {
	Path string
	Err  error
}

func (e *DumpWriteError) Error() string {
	return fmt.Sprintf("writing dump to %s: %v", e.Path, e.Err)
}

func (e *DumpWriteError) Unwrap() error { return e.Err }

// StatementError reports the statement a restore stopped on. Statements before it stay applied.
type StatementError struct {
	Index     int // 1-based position of the statement in the file
	Statement string
	Code      uint16 // driver error number, 0 if unknown
	SQLState  string
	Err       error
}

func (e *StatementError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("statement %d failed (error %d, state %s): %v", e.Index, e.Code, e.SQLState, e.Err)
	}
	return fmt.Sprintf("statement %d failed: %v", e.Index, e.Err)
}

func (e *StatementError) Unwrap() error { return e.Err }
