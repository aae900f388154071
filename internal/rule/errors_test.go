package rule

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCodesAndStatus(t *testing.T) {
	tests := []struct {
		err    *Error
		code   ErrorCode
		status int
	}{
		{NewNotFound("rule", "r1"), CodeNotFound, 404},
		{NewConflict("group", "g1"), CodeConflict, 409},
		{NewUnavailable("versioning"), CodeUnavailable, 503},
		{NewBadRequest("missing %s", "topic"), CodeBadRequest, 400},
		{NewValidationError(nil), CodeValidation, 400},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, tt.err.Code)
		assert.Equal(t, tt.status, tt.err.Status)
		assert.NotEmpty(t, tt.err.Error())
	}
}

func TestErrorHelpers_WrappedChains(t *testing.T) {
	wrapped := fmt.Errorf("register: %w", NewConflict("rule", "r1"))
	assert.True(t, IsConflict(wrapped))
	assert.False(t, IsNotFound(wrapped))

	assert.True(t, IsNotFound(fmt.Errorf("x: %w", NewNotFound("timer", "t"))))
	assert.True(t, IsValidation(NewValidationError(nil)))
	assert.True(t, IsUnavailable(NewUnavailable("baseline")))
	assert.False(t, IsConflict(fmt.Errorf("plain error")))
}

func TestValidationError_MessageListsIssues(t *testing.T) {
	err := NewValidationError([]ValidationIssue{
		{Field: "id", Message: "id is required", Severity: SeverityError},
		{Field: "priority", Message: "negative", Severity: SeverityWarning},
	})
	msg := err.Error()
	assert.Contains(t, msg, "id: id is required")
	assert.NotContains(t, msg, "negative", "warnings are not part of the error line")
}
