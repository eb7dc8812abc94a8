package apierr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		kind   Kind
		status int
	}{
		{KindInvalidArgument, http.StatusBadRequest},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindUnavailable, http.StatusNotImplemented},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range cases {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := New(tt.kind, "boom")
			require.Equal(t, tt.status, err.Status())
		})
	}
}

func TestErrorsAsUnwrapsCause(t *testing.T) {
	cause := errors.New("root cause")
	err := New(KindConflict, "etag mismatch").WithCause(cause)

	require.True(t, errors.Is(err, cause))

	var ae *Error
	require.True(t, errors.As(err, &ae))
	require.Equal(t, KindConflict, ae.Kind)
}

func TestToProblemClassifiesUnknownErrorsAsInternal(t *testing.T) {
	p := ToProblem(errors.New("unexpected"))
	require.Equal(t, http.StatusInternalServerError, p.Status)
	require.Equal(t, string(KindInternal), p.Title)
}

func TestToProblemPreservesFieldErrors(t *testing.T) {
	err := New(KindInvalidArgument, "bad payload").
		WithFieldErrors(FieldError{Path: "$.limit", Detail: "must be >= 0"})
	p := ToProblem(err)
	require.Len(t, p.Errors, 1)
	require.Equal(t, "$.limit", p.Errors[0].Path)
}

func TestIsHelper(t *testing.T) {
	err := New(KindNotFound, "missing")
	require.True(t, Is(err, KindNotFound))
	require.False(t, Is(err, KindConflict))
	require.False(t, Is(errors.New("plain"), KindNotFound))
}
