package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransience(t *testing.T) {
	base := errors.New("upstream said no")

	assert.True(t, IsTransient(RateLimited(base)))
	assert.True(t, IsTransient(Unavailable(base)))
	assert.True(t, IsTransient(Deadline(base)))
	assert.True(t, IsTransient(Network(base)))

	assert.False(t, IsTransient(AuthFailed(base)))
	assert.False(t, IsTransient(Permission(base)))
	assert.False(t, IsTransient(Unknown(base)))
	assert.False(t, IsTransient(Validation(base)))
	assert.False(t, IsTransient(base))
}

func TestCodeOfUnwrapsWrappedFaults(t *testing.T) {
	err := fmt.Errorf("pipeline step failed: %w", AuthFailed(errors.New("401")))
	assert.Equal(t, CodeAuth, CodeOf(err))

	assert.Equal(t, CodeUnknown, CodeOf(errors.New("plain")))
}

func TestClientMessagesAreBland(t *testing.T) {
	secret := errors.New("api key sk-12345 rejected by upstream")
	msg := ClientMessageOf(AuthFailed(secret))
	assert.NotContains(t, msg, "sk-12345", "provider detail never reaches the client")
	assert.Contains(t, msg, "E002")

	assert.Equal(t, "Service temporarily unavailable", ClientMessageOf(RateLimited(secret)))
}

func TestInputRejected(t *testing.T) {
	err := InputRejected("unsupported content type %q", "text/html")
	var rejected *InputRejectedError
	assert.True(t, errors.As(err, &rejected))
	assert.Contains(t, rejected.Error(), "text/html")
}
