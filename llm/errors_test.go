package llm

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	root := errors.New("boom")

	transient := NewTransientError(root)
	assert.True(t, IsTransient(transient))
	assert.False(t, IsFatal(transient))
	assert.True(t, errors.Is(transient, root))

	fatal := NewFatalError(root)
	assert.True(t, IsFatal(fatal))
	assert.False(t, IsTransient(fatal))

	// Classification survives fmt wrapping.
	assert.True(t, IsTransient(fmt.Errorf("outer: %w", transient)))

	assert.False(t, IsTransient(root))
	assert.False(t, IsFatal(root))
}

func TestClassifyHTTPError(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadGateway, true},
		{http.StatusGatewayTimeout, true},
		{http.StatusInternalServerError, true},
		{http.StatusUnauthorized, false},
		{http.StatusForbidden, false},
		{http.StatusBadRequest, false},
		{http.StatusTeapot, false},
	}

	for _, tt := range tests {
		err := classifyHTTPError(tt.status, []byte("details"))
		assert.Equal(t, tt.transient, IsTransient(err), "status %d", tt.status)
		assert.Equal(t, !tt.transient, IsFatal(err), "status %d", tt.status)
	}
}

func TestClassifyHTTPErrorTruncatesBody(t *testing.T) {
	body := make([]byte, 500)
	for i := range body {
		body[i] = 'x'
	}
	err := classifyHTTPError(http.StatusBadRequest, body)
	assert.Less(t, len(err.Error()), 300)
}
