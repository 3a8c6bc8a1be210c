package ids

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateULIDIsSortable(t *testing.T) {
	generated := make([]string, 64)
	for i := range generated {
		generated[i] = CreateULID()
	}

	for _, id := range generated {
		require.Len(t, id, 26)
		_, err := ulid.ParseStrict(id)
		require.NoError(t, err)
	}
	assert.True(t, sort.StringsAreSorted(generated), "ids generated in sequence sort in sequence")
}

func TestCreateULIDUniqueAcrossGoroutines(t *testing.T) {
	const workers, perWorker = 8, 25

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{}, workers*perWorker)
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := CreateULID()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestTimestamp(t *testing.T) {
	enqueuedAt := time.UnixMilli(1_700_000_000_123)

	got, ok := Timestamp(CreateULIDAt(enqueuedAt))
	require.True(t, ok)
	assert.True(t, got.Equal(enqueuedAt))

	for _, bad := range []string{"", "not-a-ulid", "01ARZ3NDEKTSV4RRFFQ69G5FA"} {
		_, ok := Timestamp(bad)
		assert.False(t, ok, bad)
	}
}
