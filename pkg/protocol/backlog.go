package protocol

import "github.com/wesotion/socket-file-sync/pkg/batcher"

// backlog remembers the paths whose changes could not reach the peer. A
// path waits either for a send or for a deletion, whichever happened last.
// It is owned by the lane of its session or peer.
type backlog struct {
	sends   map[string]struct{}
	deletes map[string]struct{}
}

func newBacklog() *backlog {
	return &backlog{
		sends:   make(map[string]struct{}),
		deletes: make(map[string]struct{}),
	}
}

func (b *backlog) markSend(relative string) {
	delete(b.deletes, relative)
	b.sends[relative] = struct{}{}
}

func (b *backlog) markDelete(relative string) {
	delete(b.sends, relative)
	b.deletes[relative] = struct{}{}
}

func (b *backlog) len() int {
	return len(b.sends) + len(b.deletes)
}

// drain queues every remembered path on its batcher and forgets them
func (b *backlog) drain(send, del *batcher.Batcher) int {
	n := b.len()
	for relative := range b.sends {
		send.Add(relative)
	}
	for relative := range b.deletes {
		del.Add(relative)
	}
	b.reset()
	return n
}

func (b *backlog) reset() {
	clear(b.sends)
	clear(b.deletes)
}
