package errors

import (
	"errors"
	"fmt"
	"strings"
)

// CompilationError is a fatal failure of a plan compilation pass.
// It carries the tenant scope and the document path that failed.
type CompilationError struct {
	AccountID string
	OrgID     string
	ProjectID string
	Path      string
	Err       error
}

// NewCompilationError wraps err with the tenant triple and failing path.
func NewCompilationError(accountID, orgID, projectID, path string, err error) *CompilationError {
	return &CompilationError{
		AccountID: accountID,
		OrgID:     orgID,
		ProjectID: projectID,
		Path:      path,
		Err:       err,
	}
}

// Error implements the error interface
func (e *CompilationError) Error() string {
	var b strings.Builder
	b.WriteString("compilation failed")
	if e.Path != "" {
		fmt.Fprintf(&b, " at %s", e.Path)
	}
	fmt.Fprintf(&b, " [account=%s org=%s project=%s]", e.AccountID, e.OrgID, e.ProjectID)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *CompilationError) Unwrap() error {
	return e.Err
}

// AsCompilationError returns the first CompilationError in err's chain.
func AsCompilationError(err error) (*CompilationError, bool) {
	var ce *CompilationError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
