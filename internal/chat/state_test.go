package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistorySerialisesPerClient(t *testing.T) {
	h := NewHistory()

	var active, peak int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := h.Lock("alpha")
			defer unlock()

			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, peak, "one turn at a time per client")
}

func TestHistoryClientsDoNotBlockEachOther(t *testing.T) {
	h := NewHistory()

	unlockA := h.Lock("alpha")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := h.Lock("beta")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("locking a different client blocked")
	}
}

func TestSnapshotCopiesMessages(t *testing.T) {
	h := NewHistory()

	unlock := h.Lock("alpha")
	st := h.state("alpha")
	st.Messages = []Message{
		{Role: RoleUser, Content: "q"},
		{Role: RoleAssistant, Content: "a"},
	}
	unlock()

	snap := h.Snapshot("alpha")
	require.Len(t, snap, 2)
	snap[0].Content = "mutated"

	again := h.Snapshot("alpha")
	assert.Equal(t, "q", again[0].Content)
}

func TestSnapshotOfUnknownClientIsEmpty(t *testing.T) {
	h := NewHistory()
	assert.Empty(t, h.Snapshot("nobody"))
}

func TestClearDropsState(t *testing.T) {
	h := NewHistory()

	unlock := h.Lock("alpha")
	st := h.state("alpha")
	st.Messages = []Message{{Role: RoleUser, Content: "q"}}
	st.Documents = "docs"
	unlock()

	h.Clear("alpha")

	assert.Empty(t, h.Snapshot("alpha"))

	unlock = h.Lock("alpha")
	fresh := h.state("alpha")
	assert.Empty(t, fresh.Documents)
	unlock()
}
