package dedupe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeenAndAdd_NewThenDuplicate(t *testing.T) {
	l := New(10)
	assert.False(t, l.SeenAndAdd("a"))
	assert.True(t, l.SeenAndAdd("a"))
}

func TestSeenAndAdd_EmptyIDNeverStored(t *testing.T) {
	l := New(10)
	assert.False(t, l.SeenAndAdd(""))
	assert.False(t, l.SeenAndAdd(""))
	assert.Equal(t, 0, l.Len())
}

func TestCapacity_EvictsOldestFirst(t *testing.T) {
	l := New(2)
	l.SeenAndAdd("a")
	l.SeenAndAdd("b")
	l.SeenAndAdd("c") // evicts "a"
	assert.False(t, l.SeenAndAdd("a"), "a should have been evicted and look new again")
	assert.True(t, l.SeenAndAdd("c"))
}

func TestCapacity_ClampedToOne(t *testing.T) {
	l := New(0)
	assert.Equal(t, 1, l.capacity)
}

func TestStore_PerSourceIsolation(t *testing.T) {
	s := NewStore()
	s.For("src1", 10).SeenAndAdd("x")
	assert.False(t, s.For("src2", 10).SeenAndAdd("x"), "ids must not leak across sources")
}
