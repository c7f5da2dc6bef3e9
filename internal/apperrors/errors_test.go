package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorMessageAndUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Database(cause)

	assert.Equal(t, "DATABASE_ERROR: Database error (cause: connection reset)", err.Error())
	assert.ErrorIs(t, err, cause)

	plain := NotFound("Schedule")
	assert.Equal(t, "NOT_FOUND: Schedule not found", plain.Error())
	assert.Nil(t, plain.Unwrap())
}

func TestWithDetails(t *testing.T) {
	err := ValidationError("Invalid recurrence").WithDetails(map[string]string{"interval": "must be at least 1"})
	assert.Equal(t, map[string]string{"interval": "must be at least 1"}, err.Details)
}

func TestAsAppErrorThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("handler: %w", LockUnavailable("schedule-1"))

	appErr, ok := AsAppError(wrapped)
	require.True(t, ok)
	assert.Equal(t, ErrCodeLockUnavailable, appErr.Code)
	assert.True(t, IsAppError(wrapped))
	assert.Equal(t, ErrCodeLockUnavailable, GetCode(wrapped))

	assert.False(t, IsAppError(errors.New("plain")))
	assert.Equal(t, ErrCodeInternal, GetCode(errors.New("plain")))
}
