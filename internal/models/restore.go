package models

import "time"

// RestoreResult holds the outcome of a successful restore.
type RestoreResult struct {
	Path       string
	Statements int
	// Dangling holds an unterminated statement found at end of file. It is never executed.
	Dangling string
	Duration   time.Duration
}
