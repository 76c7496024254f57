// Package dsl holds the types shared by every stage of blueprint compilation:
// definition types decoded from the combined document, the deployment plan
// produced by the compiler, the vocabulary of well-known type names, and the
// two error kinds returned to callers.
//
// This is part of the Functional Core - no I/O, no side effects.
package dsl

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrFormat is matched by every FormatError.
	ErrFormat = errors.New("malformed blueprint")

	// ErrLogic is matched by every LogicError.
	ErrLogic = errors.New("invalid blueprint")
)

// Error codes. The numeric values are stable and shared with the tooling
// that consumed plans before this implementation existed.
const (
	// FormatError codes
	CodeIllegalYAML    = -1
	CodeEmptyYAML      = 0
	CodeSchemaInvalid  = 1
	CodeImportsInvalid = 2

	// LogicError codes
	CodeNonMergeableField               = 3
	CodeMergeConflict                   = 4
	CodeUndefinedNodeType               = 7
	CodeUnresolvedNodeOperation         = 10
	CodeImportFailed                    = 13
	CodeMissingDefinition               = 14
	CodeUndefinedPolicy                 = 16
	CodeUndefinedRule                   = 17
	CodeIllegalPluginKind               = 18
	CodeUnresolvedRelationshipOperation = 19
	CodeDuplicateOperation              = 20
	CodeSelfTarget                      = 23
	CodeAgentPluginWithoutHost          = 24
	CodeUndefinedTarget                 = 25
	CodeUndefinedRelationshipType       = 26
	CodeLocationNotFound                = 30
	CodeRefFailed                       = 31
	CodeCircularDependency              = 100
	CodeDuplicateNode                   = 101
	CodeAmbiguousAutowire               = 103
)

// FormatError reports input that is not well-formed: unparsable or empty
// documents and documents rejected by the structural schema.
type FormatError struct {
	Code    int
	Message string
	Path    []string // e.g. ["blueprint", "topology", "0", "type"]
}

func (e *FormatError) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("%s; path to error: %s", e.Message, strings.Join(e.Path, "."))
	}
	return e.Message
}

func (e *FormatError) Unwrap() error {
	return ErrFormat
}

// ErrorCode returns the stable numeric code.
func (e *FormatError) ErrorCode() int {
	return e.Code
}

// LogicError reports a well-formed blueprint that is semantically invalid.
// The optional diagnostic fields are populated by the failures that produce
// them so tooling does not need to parse Message.
type LogicError struct {
	Code    int
	Message string

	// Location is the import or ref location that could not be resolved.
	Location string
	// CircularDependency is the discovered cycle, first name repeated last.
	CircularDependency []string
	// Candidates lists the competing types of an ambiguous autowiring.
	Candidates []string
	// DuplicateNode is the node name declared more than once.
	DuplicateNode string
}

func (e *LogicError) Error() string {
	return e.Message
}

func (e *LogicError) Unwrap() error {
	return ErrLogic
}

// ErrorCode returns the stable numeric code.
func (e *LogicError) ErrorCode() int {
	return e.Code
}

// NewFormatError creates a new FormatError.
func NewFormatError(code int, format string, args ...any) *FormatError {
	return &FormatError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewLogicError creates a new LogicError.
func NewLogicError(code int, format string, args ...any) *LogicError {
	return &LogicError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewCircularDependencyError creates a LogicError carrying the cycle path.
func NewCircularDependencyError(kind, name string, path []string) *LogicError {
	cycle := append([]string(nil), path...)
	return &LogicError{
		Code: CodeCircularDependency,
		Message: fmt.Sprintf("failed parsing %s %s, circular dependency detected: %s",
			kind, name, strings.Join(cycle, " --> ")),
		CircularDependency: cycle,
	}
}

// CodeOf extracts the numeric code of a FormatError or LogicError anywhere
// in err's chain.
func CodeOf(err error) (int, bool) {
	var coded interface{ ErrorCode() int }
	if errors.As(err, &coded) {
		return coded.ErrorCode(), true
	}
	return 0, false
}
