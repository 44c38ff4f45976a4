package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	err := NewProtocolError("test error")
	assert.Equal(t, "PROTOCOL_ERROR: test error", err.Error())
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("connection refused")
	err := NewTransportError("dial 10.0.0.1:6000", originalErr)

	assert.Equal(t, originalErr, err.Cause)
	assert.Contains(t, err.Error(), "connection refused")
	assert.ErrorIs(t, err, originalErr)
}

func TestAppError_WithContext(t *testing.T) {
	err := NewStateError("channel already exists")
	err.WithContext("channel", "general").WithContext("count", 42)

	assert.Equal(t, "general", err.Context["channel"])
	assert.Equal(t, 42, err.Context["count"])
}

func TestConstructors(t *testing.T) {
	cases := []struct {
		name string
		err  *AppError
		code ErrorCode
	}{
		{"protocol", NewProtocolError("bad"), ErrCodeProtocol},
		{"auth", NewAuthError("bad"), ErrCodeAuth},
		{"state", NewStateError("bad"), ErrCodeState},
		{"transport", NewTransportError("bad", nil), ErrCodeTransport},
		{"rate limit", NewRateLimitError(), ErrCodeRateLimit},
		{"internal", NewInternalError("bad", nil), ErrCodeInternal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, tc.err.Code)
		})
	}
}

func TestIsAppError(t *testing.T) {
	assert.True(t, IsAppError(NewAuthError("test")))
	assert.False(t, IsAppError(errors.New("regular error")))
}

func TestGetAppError(t *testing.T) {
	appErr := NewStateError("test")
	assert.Same(t, appErr, GetAppError(appErr))

	wrapped := fmt.Errorf("flush general: %w", appErr)
	assert.Same(t, appErr, GetAppError(wrapped))

	assert.Nil(t, GetAppError(errors.New("regular error")))
	assert.Nil(t, GetAppError(nil))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCodeAuth, CodeOf(fmt.Errorf("login: %w", NewAuthError("bad password"))))
	assert.Equal(t, ErrCodeInternal, CodeOf(errors.New("boom")))
	assert.True(t, HasCode(NewRateLimitError(), ErrCodeRateLimit))
	assert.False(t, HasCode(errors.New("boom"), ErrCodeRateLimit))
}
