package protocol

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/wesotion/socket-file-sync/pkg/batcher"
)

func TestBacklog(t *testing.T) {
	t.Run("should queue each path by its latest change and empty itself", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		var mu sync.Mutex
		var sent, deleted []string
		send := batcher.New(time.Second, clock, func(paths []string) {
			mu.Lock()
			defer mu.Unlock()
			sent = append(sent, paths...)
		})
		del := batcher.New(time.Second, clock, func(paths []string) {
			mu.Lock()
			defer mu.Unlock()
			deleted = append(deleted, paths...)
		})
		defer send.Close()
		defer del.Close()

		b := newBacklog()
		b.markSend("a.txt")
		b.markDelete("a.txt")
		b.markDelete("b.txt")
		b.markSend("b.txt")
		b.markSend("c.txt")

		assert.Equal(t, 3, b.drain(send, del))
		assert.Equal(t, 0, b.len())

		send.Flush()
		del.Flush()

		mu.Lock()
		defer mu.Unlock()
		assert.ElementsMatch(t, []string{"b.txt", "c.txt"}, sent)
		assert.Equal(t, []string{"a.txt"}, deleted)
	})
}
