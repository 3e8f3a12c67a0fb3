package resilience

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

var (
	errServer = errors.New("server error")
	errClient = errors.New("not found")
)

func newTestBreaker() *Breaker {
	cfg := DefaultBreakerConfig("test")
	cfg.Trips = func(err error) bool { return !errors.Is(err, errClient) }
	return NewBreaker(cfg, zerolog.Nop())
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := newTestBreaker()

	for i := 0; i < 6; i++ {
		assert.ErrorIs(t, b.Execute(func() error { return errServer }), errServer)
	}

	assert.True(t, b.Open())
	err := b.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.True(t, Rejected(err))
}

func TestBreaker_ClientErrorsDoNotTrip(t *testing.T) {
	b := newTestBreaker()

	for i := 0; i < 20; i++ {
		assert.ErrorIs(t, b.Execute(func() error { return errClient }), errClient)
	}

	assert.False(t, b.Open())
	assert.Equal(t, "closed", b.State())
	assert.NoError(t, b.Execute(func() error { return nil }))
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	b := newTestBreaker()

	for i := 0; i < 5; i++ {
		_ = b.Execute(func() error { return errServer })
	}
	assert.NoError(t, b.Execute(func() error { return nil }))
	_ = b.Execute(func() error { return errServer })

	assert.False(t, b.Open())
}
