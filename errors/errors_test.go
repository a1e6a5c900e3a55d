package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithFormatArgs(t *testing.T) {
	err := NewBlockInvalidError("block %s at height %d rejected", "abcd", 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "block abcd at height 42 rejected")
	assert.Equal(t, ERR_BLOCK_INVALID, CodeOf(err))
}

func TestNewWrapsTrailingError(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := NewStorageError("failed to store block", cause)

	var e *Error
	require.True(t, As(err, &e))
	assert.Equal(t, ERR_STORAGE_ERROR, e.Code())
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
}

func TestIsMatchesOnCode(t *testing.T) {
	err := NewPowInvalidError("hash above target")
	assert.True(t, Is(err, ErrPowInvalid))
	assert.False(t, Is(err, ErrBlockExists))
}

func TestIsMatchesWrappedCode(t *testing.T) {
	inner := NewProposalWindowViolationError("proposal outside window")
	outer := NewBlockInvalidError("contextual stage failed", inner)

	assert.True(t, Is(outer, ErrBlockInvalid))
	assert.True(t, Is(outer, ErrProposalWindowViolation))
}

func TestCodeOfForeignError(t *testing.T) {
	assert.Equal(t, ERR_UNKNOWN, CodeOf(fmt.Errorf("plain error")))
}

func TestIsConsensusViolation(t *testing.T) {
	tests := []struct {
		code ERR
		want bool
	}{
		{ERR_POW_INVALID, true},
		{ERR_DOUBLE_SPEND, true},
		{ERR_PROPOSAL_WINDOW_VIOLATION, true},
		{ERR_UNCLE_INVALID, true},
		{ERR_UNKNOWN_ANCESTOR, false},
		{ERR_NETWORK_TIMEOUT, false},
		{ERR_BLOCK_MALFORMED, false},
		{ERR_STORAGE_ERROR, false},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.IsConsensusViolation())
		})
	}
}

func TestNilErrorAccessors(t *testing.T) {
	var e *Error
	assert.Equal(t, "<nil>", e.Error())
	assert.Equal(t, ERR_UNKNOWN, e.Code())
	assert.Equal(t, "", e.Message())
	assert.Nil(t, e.Unwrap())
}
