package array_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/vvfatbridge/internal/array"
)

func TestArray_GetNext_GrowsAndKeepsValues(t *testing.T) {
	a := array.New[int](2)

	indices := make([]int, 0, 10)
	for i := 0; i < 10; i++ {
		ptr, index := a.GetNext()
		*ptr = i * 10
		indices = append(indices, index)
	}

	require.Equal(t, 10, a.Len())
	for i, index := range indices {
		assert.Equal(t, i*10, *a.Get(index))
	}
}

func TestArray_Remove_ShiftsTail(t *testing.T) {
	a := array.New[string](4)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		ptr, _ := a.GetNext()
		*ptr = s
	}

	a.Remove(1, 2) // remove "b", "c"

	require.Equal(t, 3, a.Len())
	assert.Equal(t, "a", *a.Get(0))
	assert.Equal(t, "d", *a.Get(1))
	assert.Equal(t, "e", *a.Get(2))
}

func TestArray_RollBack(t *testing.T) {
	a := array.New[int](4)
	for i := 0; i < 5; i++ {
		ptr, _ := a.GetNext()
		*ptr = i
	}

	a.RollBack(2)
	assert.Equal(t, 3, a.Len())
}

func TestArray_Reset(t *testing.T) {
	a := array.New[int](4)
	a.GetNext()
	a.GetNext()
	a.Reset()
	assert.Equal(t, 0, a.Len())
}

func TestArray_GetOutOfRange(t *testing.T) {
	a := array.New[int](4)
	a.GetNext()
	assert.Nil(t, a.Get(5))
	assert.Nil(t, a.Get(-1))
}
