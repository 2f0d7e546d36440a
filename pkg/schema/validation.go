package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity says whether an issue blocks a definition.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// Issue codes classify definition problems for API clients.
const (
	IssueSchema       = "schema"        // structural JSON Schema violation
	IssueActionConfig = "action_config" // step config does not fit its action kind
	IssueDuplicate    = "duplicate"
	IssueRange        = "range"
	IssueUnsupported  = "unsupported"
	IssueCondition    = "condition"
	IssueLiteral      = "literal" // value is compared as-is, not interpolated
	IssueNoop         = "noop"
)

// ValidationIssue is one problem found in a workflow definition. Path
// points into the definition, e.g. "steps[1].action_config".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" || i.Path == "/" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues of one definition. Warnings never
// block a save.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether there are no errors.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Errorf records a blocking issue at path.
func (r *ValidationResult) Errorf(path, code, format string, args ...any) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: fmt.Sprintf(format, args...), Severity: SeverityError,
	})
}

// Warnf records a non-blocking issue at path.
func (r *ValidationResult) Warnf(path, code, format string, args ...any) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: fmt.Sprintf(format, args...), Severity: SeverityWarning,
	})
}

// Merge appends other's issues.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError returns a VALIDATION_ERROR carrying every issue, or nil when the
// definition is valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].String()
	if n := len(r.Errors); n > 1 {
		parts := make([]string, 0, n)
		for _, issue := range r.Errors {
			parts = append(parts, issue.String())
		}
		msg = fmt.Sprintf("%d validation errors: %s", n, strings.Join(parts, "; "))
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
