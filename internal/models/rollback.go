package models

import (
	"fmt"
	"strings"
	"time"
)

// Command is a maintenance action requested from the rollback service.
type Command int

// Commands.
const (
	CommandDump Command = iota + 1
	CommandSet
	CommandRestore
	CommandDelete
	CommandList
)

var commandNames = map[Command]string{
	CommandDump:    "dump",
	CommandSet:     "set",
	CommandRestore: "restore",
	CommandDelete:  "delete",
	CommandList:    "list",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", int(c))
}

// ParseCommand maps a command name to its Command.
func ParseCommand(s string) (Command, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, name := range commandNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown command %q", s)
}

// RollbackPoint is a named dump kept as a restore target.
type RollbackPoint struct {
	Name        string            `yaml:"name"`
	ID          string            `yaml:"id"`
	File        string            `yaml:"file"`
	Compression CompressionFormat `yaml:"compression"`
	SizeBytes   int64             `yaml:"size_bytes"`
	Tables      []string          `yaml:"tables,omitempty"`
	CreatedAt   time.Time         `yaml:"created_at"`
	Offsite     []string          `yaml:"offsite,omitempty"`
}

// CommandRequest carries the arguments of a Command.
type CommandRequest struct {
	Name    string   // rollback point name for set, restore and delete
	Output  string   // artifact base path for dump
	Input   string   // file path for a plain restore
	Include []string // overrides the configured table selection when non-empty
	Exclude []string // extends the configured exclusions
}

// CommandResult is the outcome of an executed Command.
type CommandResult struct {
	Command  Command
	Point    *RollbackPoint
	Points   []RollbackPoint
	Artifact *DumpArtifact
	Restore  *RestoreResult
	Duration time.Duration
}
