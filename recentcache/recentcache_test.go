package recentcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aio-labs/cligateway/clock"
	"github.com/aio-labs/cligateway/gwerr"
)

func TestPutThenGetByEitherFingerprint(t *testing.T) {
	fc := clock.NewFrozen(time.Unix(1000, 0))
	c := New(5*time.Second, fc)
	c.Put(11, 22, Entry{TraceID: "t1", Status: 503, Code: gwerr.AllProvidersUnavailable, RetryAfter: 3 * time.Second})

	e, ok := c.Get(11, 0)
	require.True(t, ok)
	assert.Equal(t, 503, e.Status)

	e2, ok := c.Get(0, 22)
	require.True(t, ok)
	assert.Equal(t, e.TraceID, e2.TraceID)
}

func TestGetMissReturnsFalse(t *testing.T) {
	fc := clock.NewFrozen(time.Unix(1000, 0))
	c := New(5*time.Second, fc)
	_, ok := c.Get(1, 2)
	assert.False(t, ok)
}

func TestGetExpiresAfterTTL(t *testing.T) {
	fc := clock.NewFrozen(time.Unix(1000, 0))
	c := New(5*time.Second, fc)
	c.Put(11, 22, Entry{TraceID: "t1"})

	fc.Advance(6 * time.Second)
	_, ok := c.Get(11, 22)
	assert.False(t, ok)
}

func TestGetAdjustsRetryAfterByElapsed(t *testing.T) {
	fc := clock.NewFrozen(time.Unix(1000, 0))
	c := New(10*time.Second, fc)
	c.Put(11, 22, Entry{TraceID: "t1", RetryAfter: 8 * time.Second})

	fc.Advance(3 * time.Second)
	e, ok := c.Get(11, 22)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, e.RetryAfter)
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	fc := clock.NewFrozen(time.Unix(1000, 0))
	c := New(5*time.Second, fc)
	c.Put(11, 22, Entry{TraceID: "t1"})
	fc.Advance(6 * time.Second)
	c.Sweep()

	c.mu.Lock()
	n := len(c.byKey)
	c.mu.Unlock()
	assert.Equal(t, 0, n)
}
