package gwerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGatewayErrorBasics(t *testing.T) {
	err := UnregisteredGateway("no public gateway configured")
	assert.Equal(t, CodeUnregisteredGateway, err.Code)
	assert.Equal(t, "UNREGISTERED_GATEWAY: no public gateway configured", err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestGatewayErrorWithCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := DisconnectedFromCourier("default gateway unreachable", cause)

	assert.Equal(t, cause, err.Unwrap())
	assert.Contains(t, err.Error(), "caused by: dial tcp: timeout")
}

func TestGatewayErrorWithDetails(t *testing.T) {
	err := MalformedMessage("unknown inner message type", nil).
		WithDetails("type", "WAT").
		WithDetails("cargoLocalId", "abc")

	assert.Equal(t, "WAT", err.Details["type"])
	assert.Equal(t, "abc", err.Details["cargoLocalId"])
}

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := Registration("pre-register failed", errors.New("refused"))

	assert.True(t, errors.Is(err, Sentinel(CodeRegistration)))
	assert.False(t, errors.Is(err, Sentinel(CodeCourierSync)))
}

func TestExitCodeToError(t *testing.T) {
	assert.Nil(t, ExitCodeToError(0))

	var gwErr *GatewayError
	err1 := ExitCodeToError(1)
	assert.True(t, errors.As(err1, &gwErr))
	assert.Equal(t, CodeUnregisteredGateway, gwErr.Code)

	err2 := ExitCodeToError(2)
	assert.True(t, errors.As(err2, &gwErr))
	assert.Equal(t, CodeDisconnectedFromCourier, gwErr.Code)

	// Non-1, non-zero codes (including the convention used for
	// signal termination) all map the same way.
	errSig := ExitCodeToError(-1)
	assert.True(t, errors.As(errSig, &gwErr))
	assert.Equal(t, CodeDisconnectedFromCourier, gwErr.Code)
}
