package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindAuthentication, http.StatusUnauthorized},
		{KindAuthorization, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindValidation, http.StatusBadRequest},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindExternalService, http.StatusBadGateway},
		{KindProcessing, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.kind))
		})
	}
}

func TestKindOf_ThroughWrapping(t *testing.T) {
	base := NotFound("device %d not found", 7)
	wrapped := fmt.Errorf("lookup: %w", base)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindNotFound))
	assert.Equal(t, "device 7 not found", PublicMessage(wrapped))
}

func TestKindOf_Unclassified(t *testing.T) {
	err := errors.New("boom")

	assert.Equal(t, KindProcessing, KindOf(err))
	assert.Equal(t, "internal error", PublicMessage(err))
	assert.False(t, Is(nil, KindProcessing))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, KindExternalService, "gateway"))

	cause := errors.New("connection refused")
	err := Wrap(cause, KindExternalService, "gateway unavailable")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "gateway unavailable: connection refused", err.Error())
}
