package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortedKeys(t *testing.T) {
	t.Run("nil map yields nil", func(t *testing.T) {
		assert.Nil(t, sortedKeys(nil))
	})

	t.Run("keys come back alphabetically regardless of insertion order", func(t *testing.T) {
		update := map[string]any{"confidence": 0.9, "architecture": map[string]any{}, "instructions": "go"}
		assert.Equal(t, []string{"architecture", "confidence", "instructions"}, sortedKeys(update))
	})
}

func TestProgressRouter(t *testing.T) {
	t.Run("dispatch delivers only to the registered server", func(t *testing.T) {
		r := newProgressRouter()
		ch := make(chan progressUpdate, 1)
		r.register("research", ch)

		r.dispatch("architect", "ignored", 0.1)
		select {
		case <-ch:
			t.Fatal("architect's progress should not reach research's channel")
		default:
		}

		r.dispatch("research", "indexing files", 0.4)
		pu := <-ch
		assert.Equal(t, "indexing files", pu.message)
		assert.Equal(t, 0.4, pu.progress)
	})

	t.Run("dispatch after deregister is dropped silently", func(t *testing.T) {
		r := newProgressRouter()
		ch := make(chan progressUpdate, 1)
		r.register("codesmith", ch)
		r.deregister("codesmith")

		r.dispatch("codesmith", "should be dropped", 1.0)
		select {
		case <-ch:
			t.Fatal("expected no delivery after deregister")
		default:
		}
	})

	t.Run("a full channel does not block the dispatcher", func(t *testing.T) {
		r := newProgressRouter()
		ch := make(chan progressUpdate, 1)
		r.register("reviewfix", ch)

		r.dispatch("reviewfix", "first", 0.1)
		done := make(chan struct{})
		go func() {
			r.dispatch("reviewfix", "second, dropped", 0.2)
			close(done)
		}()
		<-done // would hang here if dispatch blocked on a full buffered channel

		pu := <-ch
		require.Equal(t, "first", pu.message)
	})
}
