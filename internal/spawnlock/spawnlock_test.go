package spawnlock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_NoURL_DegradesToAlwaysGrant(t *testing.T) {
	l := New("", "", 0)
	assert.False(t, l.IsAvailable())

	ok, err := l.Acquire(context.Background(), "tg-1", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Release(context.Background(), "tg-1"))
}

func TestNew_InvalidURL_DegradesToAlwaysGrant(t *testing.T) {
	l := New("not-a-redis-url", "", 0)
	ok, err := l.Acquire(context.Background(), "tg-1", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
