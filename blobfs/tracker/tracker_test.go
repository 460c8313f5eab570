package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	return c.now
}

func newTracker(t *testing.T, clock *fixedClock) *Tracker {
	t.Helper()
	tr, err := New(t.TempDir(), clock)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestRegisterContainsForget(t *testing.T) {
	tr := newTracker(t, &fixedClock{now: time.Unix(1700000000, 0)})

	ok, err := tr.Contains("/data/blobs/blob-1.dat")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tr.Register("/data/blobs/blob-1.dat"))
	ok, err = tr.Contains("/data/blobs/blob-1.dat")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, tr.Forget("/data/blobs/blob-1.dat"))
	ok, err = tr.Contains("/data/blobs/blob-1.dat")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegisteredAt(t *testing.T) {
	when := time.Unix(1700000000, 123456789)
	tr := newTracker(t, &fixedClock{now: when})
	require.NoError(t, tr.Register("/data/blobs/blob-2.dat"))
	got, err := tr.RegisteredAt("/data/blobs/blob-2.dat")
	require.NoError(t, err)
	assert.True(t, got.Equal(when))
}

func TestCount(t *testing.T) {
	tr := newTracker(t, &fixedClock{now: time.Unix(1700000000, 0)})
	for _, p := range []string{"/a", "/b", "/c"} {
		require.NoError(t, tr.Register(p))
	}
	// Re-registering is an overwrite, not a duplicate.
	require.NoError(t, tr.Register("/b"))
	n, err := tr.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
