package errors

import (
	"fmt"
	"strings"
)

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// ValidationError is returned when a publish is rejected before anything
// touches the remote host.
type ValidationError struct {
	Field  string
	Reason string
}

func (err ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", err.Field, err.Reason)
}

// Stage names the step of a publish that failed.
type Stage string

const (
	// StageConnect is the transport connection and authentication.
	StageConnect Stage = "connect"

	// StageStaging covers packaging, uploading and unpacking the artifact.
	StageStaging Stage = "staging"

	// StageDiff covers reading the live and temp trees and comparing them.
	StageDiff Stage = "diff"

	// StageExecute is the remote command batch.
	StageExecute Stage = "execute"

	// StageCleanup is removal of the scratch state. Its errors are never
	// returned to callers of a publish.
	StageCleanup Stage = "cleanup"
)

// StageError records which publish stage produced `Err`.
type StageError struct {
	Stage Stage
	Err   error
}

// NewStageError returns nil if `err` is nil.
func NewStageError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return StageError{Stage: stage, Err: err}
}

func (err StageError) Error() string {
	return fmt.Sprintf("%s failed: %s", err.Stage, err.Err)
}

func (err StageError) Unwrap() error {
	return err.Err
}

// IsStage returns whether `err` was produced by the given stage.
func IsStage(err error, stage Stage) bool {
	var stageErr StageError
	return As(err, &stageErr) && stageErr.Stage == stage
}

// RemoteCommandError is returned when a remote command batch wrote to
// stderr or exited with a non-zero status.
type RemoteCommandError struct {
	Stderr     string
	ExitStatus int
}

func (err RemoteCommandError) Error() string {
	stderr := strings.TrimSpace(err.Stderr)
	if stderr == "" {
		return fmt.Sprintf("remote command exited with status %d", err.ExitStatus)
	}
	return fmt.Sprintf("remote command failed (status %d): %s", err.ExitStatus, stderr)
}
