package kerrno

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundTrip(t *testing.T) {
	for kind := InvalidArgument; kind <= Refused; kind++ {
		err := kind.Err()
		assert.NotNil(t, err)
		assert.Equal(t, kind, From(err))

		wrapped := fmt.Errorf("wrapped: %w", err)
		assert.Equal(t, kind, From(wrapped))
	}
}

func TestSuccessHasNoError(t *testing.T) {
	assert.Nil(t, Success.Err())
	assert.Equal(t, Success, From(nil))
}

func TestUnknownErrorDefaultsToInvalidArgument(t *testing.T) {
	assert.Equal(t, InvalidArgument, From(errors.New("not a kernel error")))
}

func TestStringers(t *testing.T) {
	assert.Equal(t, "Timeout", Timeout.String())
	assert.Equal(t, "Unknown", Errno(99).String())
}
