// Package errdefs defines the error taxonomy shared by every migration component.
//
// Each error type exposes Kind() and matches its sentinel through errors.Is, so
// callers can branch with errors.As / errors.Is / KindOf without inspecting
// message text.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error.
type Kind string

const (
	KindUnknown           Kind = "unknown"
	KindDefinitionParse   Kind = "definition_parse"
	KindVersionOrder      Kind = "version_order"
	KindMigrationPathGap  Kind = "migration_path_gap"
	KindChecksumMismatch  Kind = "checksum_mismatch"
	KindLockTimeout       Kind = "lock_timeout"
	KindValidationDrift   Kind = "validation_drift"
	KindRollbackFailure   Kind = "rollback_failure"
	KindUnsupportedFormat Kind = "unsupported_format"
	KindStepExecution     Kind = "step_execution"
	KindLockRelease       Kind = "lock_release"
)

// Sentinels for errors.Is.
var (
	ErrDefinitionParse   = errors.New("definition parse error")
	ErrVersionOrder      = errors.New("version order error")
	ErrMigrationPathGap  = errors.New("migration path gap")
	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrLockTimeout       = errors.New("lock timeout")
	ErrValidationDrift   = errors.New("validation drift")
	ErrRollbackFailure   = errors.New("rollback failure")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrStepExecution     = errors.New("step execution failed")
	ErrLockRelease       = errors.New("lock release failed")
)

type kinded interface {
	Kind() Kind
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// VersionPair identifies a migration edge; From is empty for a fresh install.
type VersionPair struct {
	From string
	To   string
}

func (p VersionPair) String() string {
	from := p.From
	if from == "" {
		from = "(none)"
	}
	return from + " -> " + p.To
}

// DefinitionParseError is returned for malformed definition or script files.
type DefinitionParseError struct {
	File   string
	Line   int
	Reason string
	Cause  error
}

func (e *DefinitionParseError) Error() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d", e.File, e.Line)
	}
	if e.Cause != nil {
		return fmt.Sprintf("parse %s: %s: %v", loc, e.Reason, e.Cause)
	}
	return fmt.Sprintf("parse %s: %s", loc, e.Reason)
}

func (e *DefinitionParseError) Unwrap() error        { return e.Cause }
func (e *DefinitionParseError) Is(target error) bool { return target == ErrDefinitionParse }
func (e *DefinitionParseError) Kind() Kind           { return KindDefinitionParse }

// VersionOrderError is returned when declared versions do not form a valid order.
type VersionOrderError struct {
	Version string
	Reason  string
}

func (e *VersionOrderError) Error() string {
	return fmt.Sprintf("version %s: %s", e.Version, e.Reason)
}

func (e *VersionOrderError) Is(target error) bool { return target == ErrVersionOrder }
func (e *VersionOrderError) Kind() Kind           { return KindVersionOrder }

// MigrationPathGapError is returned when no complete path exists between two versions.
type MigrationPathGapError struct {
	Pair   VersionPair
	Reason string
}

func (e *MigrationPathGapError) Error() string {
	return fmt.Sprintf("no migration path %s: %s", e.Pair, e.Reason)
}

func (e *MigrationPathGapError) Is(target error) bool { return target == ErrMigrationPathGap }
func (e *MigrationPathGapError) Kind() Kind           { return KindMigrationPathGap }

// Mismatch describes one script whose content no longer matches its recorded hash.
type Mismatch struct {
	Script   string
	Expected string
	Actual   string
	Source   string
}

// ChecksumMismatchError is returned when an applied script was modified.
type ChecksumMismatchError struct {
	Mismatches []Mismatch
}

func (e *ChecksumMismatchError) Error() string {
	parts := make([]string, 0, len(e.Mismatches))
	for _, m := range e.Mismatches {
		parts = append(parts, fmt.Sprintf("%s (%s)", m.Script, m.Source))
	}
	return "applied migration scripts were modified: " + strings.Join(parts, ", ")
}

func (e *ChecksumMismatchError) Is(target error) bool { return target == ErrChecksumMismatch }
func (e *ChecksumMismatchError) Kind() Kind           { return KindChecksumMismatch }

// LockTimeoutError is returned when the migration lock is held by another process.
type LockTimeoutError struct {
	Key    string
	Waited string
	Cause  error
}

func (e *LockTimeoutError) Error() string {
	if e.Waited != "" {
		return fmt.Sprintf("migration lock %q still held after %s", e.Key, e.Waited)
	}
	return fmt.Sprintf("migration lock %q is held by another process", e.Key)
}

func (e *LockTimeoutError) Unwrap() error        { return e.Cause }
func (e *LockTimeoutError) Is(target error) bool { return target == ErrLockTimeout }
func (e *LockTimeoutError) Kind() Kind           { return KindLockTimeout }

// ValidationDriftError is returned when a post-condition or structural check fails.
type ValidationDriftError struct {
	Pair      VersionPair
	StepIndex int
	Step      string
	Query     string
	Actual    string
	Issues    []string
}

func (e *ValidationDriftError) Error() string {
	if e.Query != "" {
		return fmt.Sprintf("migration %s step %d (%s): validation query returned %s: %s",
			e.Pair, e.StepIndex, e.Step, e.Actual, e.Query)
	}
	return fmt.Sprintf("migration %s: structure drifted from target version: %s",
		e.Pair, strings.Join(e.Issues, "; "))
}

func (e *ValidationDriftError) Is(target error) bool { return target == ErrValidationDrift }
func (e *ValidationDriftError) Kind() Kind           { return KindValidationDrift }

// RollbackFailureError is returned when compensation could not restore the prior
// version, or when a previous run left the database blocked.
type RollbackFailureError struct {
	Pair      VersionPair
	StepIndex int
	Reason    string
	Cause     error
}

func (e *RollbackFailureError) Error() string {
	msg := fmt.Sprintf("migration %s: %s; manual intervention required", e.Pair, e.Reason)
	if e.StepIndex > 0 {
		msg = fmt.Sprintf("migration %s step %d: %s; manual intervention required", e.Pair, e.StepIndex, e.Reason)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RollbackFailureError) Unwrap() error        { return e.Cause }
func (e *RollbackFailureError) Is(target error) bool { return target == ErrRollbackFailure }
func (e *RollbackFailureError) Kind() Kind           { return KindRollbackFailure }

// UnsupportedFormatError is returned for unknown export formats.
type UnsupportedFormatError struct {
	Format    string
	Supported []string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported export format %q (supported: %s)", e.Format, strings.Join(e.Supported, ", "))
}

func (e *UnsupportedFormatError) Is(target error) bool { return target == ErrUnsupportedFormat }
func (e *UnsupportedFormatError) Kind() Kind           { return KindUnsupportedFormat }

// StepExecutionError is returned when a DDL statement of a step fails.
type StepExecutionError struct {
	Pair      VersionPair
	StepIndex int
	Step      string
	Cause     error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("migration %s step %d (%s): %v", e.Pair, e.StepIndex, e.Step, e.Cause)
}

func (e *StepExecutionError) Unwrap() error        { return e.Cause }
func (e *StepExecutionError) Is(target error) bool { return target == ErrStepExecution }
func (e *StepExecutionError) Kind() Kind           { return KindStepExecution }

// LockReleaseError reports a failed lock release. It is diagnostic only.
type LockReleaseError struct {
	Key   string
	Cause error
}

func (e *LockReleaseError) Error() string {
	return fmt.Sprintf("release migration lock %q: %v", e.Key, e.Cause)
}

func (e *LockReleaseError) Unwrap() error        { return e.Cause }
func (e *LockReleaseError) Is(target error) bool { return target == ErrLockRelease }
func (e *LockReleaseError) Kind() Kind           { return KindLockRelease }
