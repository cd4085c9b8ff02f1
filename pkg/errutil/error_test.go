package errutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"
)

func TestFromKeepsBaseError(t *testing.T) {
	err := fmt.Errorf("load: %w", NotFound("contribution not found", nil))

	be := From(err)
	require.Equal(t, StatusNotFound, be.Code)
	require.Equal(t, http.StatusNotFound, be.Code.HTTPStatus())
	require.True(t, Is(err, StatusNotFound))
	require.False(t, Is(err, StatusConflict))
}

func TestFromClassifiesContextErrors(t *testing.T) {
	require.Equal(t, StatusClientClosedRequest, From(context.Canceled).Code)
	require.Equal(t, StatusTimeout, From(context.DeadlineExceeded).Code)
	require.Equal(t, StatusInternal, From(errors.New("boom")).Code)
}

func TestJSONHidesInternalCause(t *testing.T) {
	body := Internal("internal error", errors.New("dsn=secret")).(BaseError).JSON()
	msg := body.(map[string]any)["error"].(map[string]any)["message"]
	require.Equal(t, "internal error", msg)

	body = BadRequest("invalid cursor", errors.New("illegal base64")).(BaseError).JSON()
	msg = body.(map[string]any)["error"].(map[string]any)["message"]
	require.Equal(t, "invalid cursor: illegal base64", msg)
}

func TestInvalidListsFieldDetails(t *testing.T) {
	type request struct {
		OwnerID string `validate:"required"`
		Origin  string `validate:"oneof=upload repository"`
	}
	verr := validator.New().Struct(request{Origin: "ftp"})
	require.Error(t, verr)

	be := From(Invalid("invalid request", verr))
	require.Equal(t, StatusValidationFailed, be.Code)
	require.Equal(t, http.StatusBadRequest, be.Code.HTTPStatus())
	require.Equal(t, []Detail{
		{Field: "ownerid", Message: "is required"},
		{Field: "origin", Message: "must be one of upload repository"},
	}, be.Details)

	require.Equal(t, StatusBadRequest, From(Invalid("invalid request", errors.New("EOF"))).Code)
}
