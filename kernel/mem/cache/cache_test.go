package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type record struct {
	begin uintptr
	pages uint32
}

func TestCacheAllocZeroesRecycledRecords(t *testing.T) {
	c := New[record]("record", 0)
	require.Equal(t, "record", c.Name())

	rec, err := c.Alloc()
	require.Nil(t, err)
	rec.begin = 0x1000
	rec.pages = 42

	c.Free(rec)
	require.Equal(t, 0, c.Live())

	recycled, err := c.Alloc()
	require.Nil(t, err)
	require.Same(t, rec, recycled)
	require.Equal(t, record{}, *recycled)
}

func TestCacheLimit(t *testing.T) {
	c := New[record]("record", 2)

	first, err := c.Alloc()
	require.Nil(t, err)
	_, err = c.Alloc()
	require.Nil(t, err)

	_, err = c.Alloc()
	require.Equal(t, ErrCacheExhausted, err)
	require.Equal(t, 2, c.Live())

	// Freeing makes room again.
	c.Free(first)
	_, err = c.Alloc()
	require.Nil(t, err)
}

func TestCacheFreeNil(t *testing.T) {
	c := New[record]("record", 0)
	c.Free(nil)
	require.Equal(t, 0, c.Live())
}
