package recurrence

import (
	"errors"
	"fmt"
)

// ErrInvalidRule is the sentinel wrapped by every InvalidRuleError.
var ErrInvalidRule = errors.New("recurrence: invalid rule")

// ErrInvalidWindow indicates a generation window whose end precedes its start.
var ErrInvalidWindow = errors.New("recurrence: generation window end precedes start")

// InvalidRuleError reports a malformed pattern or generation request.
type InvalidRuleError struct {
	Field  string
	Reason string
}

func (e *InvalidRuleError) Error() string {
	if e == nil {
		return ErrInvalidRule.Error()
	}
	return fmt.Sprintf("%s: %s %s", ErrInvalidRule, e.Field, e.Reason)
}

func (e *InvalidRuleError) Unwrap() error {
	return ErrInvalidRule
}

func invalid(field, reason string) *InvalidRuleError {
	return &InvalidRuleError{Field: field, Reason: reason}
}
