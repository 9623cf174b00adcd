package generation

import (
	"errors"
	"fmt"

	"vibe/internal/ledger"
)

var (
	// ErrCreditDenied is matched by CreditDeniedError.
	ErrCreditDenied = errors.New("credits exhausted")
	// ErrRunFailed is matched by RunFailedError.
	ErrRunFailed       = errors.New("generation failed")
	ErrProjectNotFound = errors.New("project not found")
	ErrInvalidPrompt   = errors.New("invalid prompt")
	ErrNoFragment      = errors.New("project has no fragment yet")
)

// CreditDeniedError names the window that refused the request.
type CreditDeniedError struct {
	Window ledger.WindowKind
}

func (e *CreditDeniedError) Error() string {
	return fmt.Sprintf("%s credits exhausted", e.Window)
}

func (e *CreditDeniedError) Is(target error) bool { return target == ErrCreditDenied }

// RunFailedError is returned after the generic error message has been
// persisted. Cause is for logs only and never reaches the conversation.
type RunFailedError struct {
	ProjectID string
	Cause     error
}

func (e *RunFailedError) Error() string {
	if e.Cause == nil {
		return "generation failed"
	}
	return fmt.Sprintf("generation failed: %v", e.Cause)
}

func (e *RunFailedError) Unwrap() error { return e.Cause }

func (e *RunFailedError) Is(target error) bool { return target == ErrRunFailed }

// errNotConverged is the cause recorded when the loop ends without a summary or files.
var errNotConverged = errors.New("run did not converge")
