package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Message(t *testing.T) {
	err := New(CodePolicyDenied, "intent denied by policy", "chain 5 not in allowed chains", "value exceeds max")
	assert.Equal(t, "policy_denied: intent denied by policy (chain 5 not in allowed chains; value exceeds max)", err.Error())

	plain := New(CodeTokenInvalid, "token consumed")
	assert.Equal(t, "token_invalid: token consumed", plain.Error())
}

func TestAs_ThroughWrapping(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := fmt.Errorf("preflight: %w", Wrap(CodeRPCUnavailable, "rpc down", cause))

	got, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, CodeRPCUnavailable, got.Code)
	assert.ErrorIs(t, err, cause)
	assert.True(t, Is(err, CodeRPCUnavailable))
	assert.False(t, Is(nil, CodeRPCUnavailable))
}

func TestCodeOf_Untyped(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodePolicyDenied, http.StatusForbidden},
		{CodeTokenInvalid, http.StatusUnauthorized},
		{CodeRPCUnconfigured, http.StatusBadGateway},
		{CodeRPCUnavailable, http.StatusServiceUnavailable},
		{CodeInvalidIntent, http.StatusBadRequest},
		{CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.code))
		})
	}
}

func TestFrom(t *testing.T) {
	typed := New(CodeTokenInvalid, "expired")
	assert.Same(t, typed, From(fmt.Errorf("outer: %w", typed)))

	untyped := From(errors.New("boom"))
	assert.Equal(t, CodeInternal, untyped.Code)
	assert.EqualError(t, untyped.Unwrap(), "boom")
}
