package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBurstIsPerClient(t *testing.T) {
	t.Parallel()

	l := NewLimiter(100, 2)
	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))

	assert.True(t, l.Allow("10.0.0.2"))
	assert.Equal(t, 2, l.Clients())
}

func TestIdleClientsAreForgotten(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	l := NewLimiter(100, 2)
	l.now = func() time.Time { return now }

	l.Allow("a")
	now = now.Add(time.Hour)
	l.Allow("b")
	now = now.Add(2*time.Hour + time.Second)
	l.Allow("b")

	assert.Equal(t, 1, l.Clients())
}
