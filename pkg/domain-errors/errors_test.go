package domainerrors_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	dErrors "authgate/pkg/domain-errors"
	"authgate/pkg/platform/sentinel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasCode(t *testing.T) {
	err := dErrors.New(dErrors.CodeNoSession, "session missing")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNoSession))
	assert.False(t, dErrors.HasCode(err, dErrors.CodeSessionExpired))
	assert.False(t, dErrors.HasCode(errors.New("plain"), dErrors.CodeNoSession))
	assert.False(t, dErrors.HasCode(nil, dErrors.CodeNoSession))
}

func TestWrapPreservesCause(t *testing.T) {
	err := dErrors.Wrap(sentinel.ErrNotFound, dErrors.CodeNoSession, "lookup failed")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinel.ErrNotFound))
	assert.True(t, dErrors.Is(err, dErrors.CodeNoSession))

	// Wrapping again keeps the innermost cause reachable but reports the
	// outermost code.
	outer := dErrors.Wrap(err, dErrors.CodeSessionExpired, "resolve")
	assert.True(t, errors.Is(outer, sentinel.ErrNotFound))
	assert.Equal(t, dErrors.CodeSessionExpired, dErrors.CodeOf(outer))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, dErrors.Wrap(nil, dErrors.CodeInternal, "ignored"))
}

func TestCodeSurvivesFmtWrapping(t *testing.T) {
	err := fmt.Errorf("handler: %w", dErrors.New(dErrors.CodeRefreshFailed, "provider rejected token"))
	assert.True(t, dErrors.Is(err, dErrors.CodeRefreshFailed))
}

func TestToHTTPStatus(t *testing.T) {
	cases := map[dErrors.Code]int{
		dErrors.CodeInvalidState:          http.StatusBadRequest,
		dErrors.CodeNonceMismatch:         http.StatusBadRequest,
		dErrors.CodeNoSession:             http.StatusUnauthorized,
		dErrors.CodeSessionExpired:        http.StatusUnauthorized,
		dErrors.CodeRefreshFailed:         http.StatusUnauthorized,
		dErrors.CodePolicyDenied:          http.StatusForbidden,
		dErrors.CodeDownstreamUnavailable: http.StatusBadGateway,
		dErrors.CodeTokenExchange:         http.StatusBadGateway,
		dErrors.CodeDownstreamTimeout:     http.StatusGatewayTimeout,
		dErrors.CodeUnknownPolicy:         http.StatusInternalServerError,
		dErrors.Code("made_up"):           http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, dErrors.ToHTTPStatus(code), "code %s", code)
	}
}
