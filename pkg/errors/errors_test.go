package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromErrorWrapsUnknown(t *testing.T) {
	err := FromError(fmt.Errorf("boom"))
	require.NotNil(t, err)
	assert.Equal(t, ErrInternal.Code, err.Code)
	assert.Equal(t, http.StatusInternalServerError, err.Status)
}

func TestClonedErrorMatchesSentinel(t *testing.T) {
	err := Clone(ErrStateTransition, "cannot approve a draft")
	assert.True(t, errors.Is(err, ErrStateTransition))
	assert.False(t, errors.Is(err, ErrAssignment))
	assert.Equal(t, "cannot approve a draft", err.Message)
	assert.Equal(t, "illegal status transition", ErrStateTransition.Message)
}

func TestWithDetails(t *testing.T) {
	err := WithDetails(ErrValidation, "submission incomplete", map[string]interface{}{"missing": []string{"umbrella"}})
	require.NotNil(t, err.Details)
	assert.Nil(t, ErrValidation.Details)
	assert.True(t, HasCode(fmt.Errorf("wrapped: %w", err), ErrValidation.Code))
}
