package channels

import (
	"sync"

	"github.com/eapache/queue"
)

const defaultDedupWindow = 1024

// dedupWindow remembers the most recent message ids. Once full, the oldest
// id is forgotten first.
type dedupWindow struct {
	seen  map[string]struct{}
	order *queue.Queue
	size  int
	mu    sync.Mutex
}

func newDedupWindow(size int) *dedupWindow {
	if size <= 0 {
		size = defaultDedupWindow
	}
	return &dedupWindow{
		seen:  make(map[string]struct{}, size),
		order: queue.New(),
		size:  size,
	}
}

// Seen records mid and reports whether it had already been recorded.
func (d *dedupWindow) Seen(mid string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[mid]; ok {
		return true
	}
	for d.order.Length() >= d.size {
		oldest := d.order.Remove().(string)
		delete(d.seen, oldest)
	}
	d.seen[mid] = struct{}{}
	d.order.Add(mid)
	return false
}

func (d *dedupWindow) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Length()
}
