package governance

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := NewError(CodeNotFound, "draft %s not found", "d1")
	assert.Equal(t, "NOT_FOUND: draft d1 not found", err.Error())
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestWrapErrorChain(t *testing.T) {
	root := errors.New("kv: revision mismatch")
	wrapped := WrapError(CodeConflict, root, "save draft %s", "d1")

	assert.True(t, errors.Is(wrapped, root))
	assert.Equal(t, CodeConflict, CodeOf(wrapped))

	// Further fmt wrapping must not lose the code.
	outer := fmt.Errorf("install: %w", wrapped)
	assert.Equal(t, CodeConflict, CodeOf(outer))
	assert.True(t, IsCode(outer, CodeConflict))
	assert.False(t, IsCode(outer, CodeNotFound))
}

func TestCodeOfUncoded(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.False(t, IsCode(errors.New("plain"), CodeConflict))
}
