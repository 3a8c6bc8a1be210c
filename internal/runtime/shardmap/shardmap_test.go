package shardmap

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetGetDelete(t *testing.T) {
	m := New[int](4)

	_, ok := m.Get("missing")
	assert.False(t, ok)

	m.Set("a", 1)
	v, ok := m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	assert.True(t, m.Delete("a"))
	assert.False(t, m.Delete("a"))
	assert.Equal(t, 0, m.Len())
}

func TestDefaultShardCount(t *testing.T) {
	m := New[string](0)
	assert.Len(t, m.shards, DefaultShards)
}

func TestGetOrCreateRunsOnce(t *testing.T) {
	m := New[*int](8)
	calls := 0
	var mu sync.Mutex
	create := func() *int {
		mu.Lock()
		calls++
		mu.Unlock()
		v := 42
		return &v
	}

	var wg sync.WaitGroup
	results := make([]*int, 50)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.GetOrCreate("svc", create)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, calls)
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
}

func TestUpdateAndRemove(t *testing.T) {
	m := New[int](2)
	increment := func(current int, _ bool) (int, bool) { return current + 1, true }

	m.Update("x", increment)
	m.Update("x", increment)
	v, _ := m.Get("x")
	assert.Equal(t, 2, v)

	m.Update("x", func(int, bool) (int, bool) { return 0, false })
	_, ok := m.Get("x")
	assert.False(t, ok)
}

func TestKeysSortedAndSnapshot(t *testing.T) {
	m := New[int](3)
	for i := 9; i >= 0; i-- {
		m.Set(fmt.Sprintf("svc-%d", i), i)
	}

	keys := m.Keys()
	assert.Len(t, keys, 10)
	assert.Equal(t, "svc-0", keys[0])
	assert.Equal(t, "svc-9", keys[9])

	snap := m.Snapshot()
	assert.Equal(t, 7, snap["svc-7"])
	snap["svc-7"] = 100
	v, _ := m.Get("svc-7")
	assert.Equal(t, 7, v)
}

func TestRangeStopsEarly(t *testing.T) {
	m := New[int](1)
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("c", 3)

	visited := 0
	m.Range(func(string, int) bool {
		visited++
		return false
	})
	assert.Equal(t, 1, visited)
}

func TestView(t *testing.T) {
	m := New[[]int](2)
	m.Set("a", []int{1, 2})

	var got []int
	m.View("a", func(v []int, ok bool) {
		assert.True(t, ok)
		got = v
	})
	assert.Equal(t, []int{1, 2}, got)

	m.View("missing", func(v []int, ok bool) {
		assert.False(t, ok)
		assert.Nil(t, v)
	})
}
