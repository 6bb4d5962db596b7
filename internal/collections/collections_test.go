package collections

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderedMapOrdering(t *testing.T) {
	m := NewOrderedMap[string, int]()
	m.Set("/dev/sd1", 1)
	m.Set("/dev/gpio", 2)
	m.Set("/dev/emmc0", 3)

	var got []string
	m.Each(func(k string, _ int) bool {
		got = append(got, k)
		return true
	})
	assert.Equal(t, []string{"/dev/emmc0", "/dev/gpio", "/dev/sd1"}, got)
}

func TestOrderedMapGetDelete(t *testing.T) {
	m := NewOrderedMap[string, int]()
	m.Set("a", 1)
	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	m.Delete("a")
	_, ok = m.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestOrderedMapSetReplacesWithoutDuplicateKey(t *testing.T) {
	m := NewOrderedMap[string, int]()
	m.Set("a", 1)
	m.Set("a", 2)
	assert.Equal(t, 1, m.Len())
	v, _ := m.Get("a")
	assert.Equal(t, 2, v)
}

func TestSplayTreeInsertGetDelete(t *testing.T) {
	tr := NewSplayTree[string, int]()
	tr.Set("/dev", 1)
	tr.Set("/dev/sd", 2)
	tr.Set("/dev/gpio", 3)

	v, ok := tr.Get("/dev/sd")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	tr.Delete("/dev/sd")
	_, ok = tr.Get("/dev/sd")
	assert.False(t, ok)
	assert.Equal(t, 2, tr.Len())
}

func TestSplayTreeEachInOrder(t *testing.T) {
	tr := NewSplayTree[int, string]()
	for _, k := range []int{5, 1, 9, 3, 7} {
		tr.Set(k, "")
	}
	var got []int
	tr.Each(func(k int, _ string) bool {
		got = append(got, k)
		return true
	})
	assert.Equal(t, []int{1, 3, 5, 7, 9}, got)
}

func TestSplayTreeGetOrCreate(t *testing.T) {
	tr := NewSplayTree[string, *int]()
	calls := 0
	makeOne := func() *int {
		calls++
		v := 42
		return &v
	}
	a := tr.GetOrCreate("/dev", makeOne)
	b := tr.GetOrCreate("/dev", makeOne)
	assert.Same(t, a, b)
	assert.Equal(t, 1, calls)
}
