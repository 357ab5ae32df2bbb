package flow

import "sync"

// workItem is one pending dispatch: a node and the input string it will
// receive.
type workItem struct {
	NodeID string
	Input  string
}

// frontier is the scheduler's FIFO work queue. Enqueue order is dispatch
// order; nothing reorders items. Handlers that fan out (parallel splitter,
// error routing) enqueue several items back to back and those run in the
// order they were added.
type frontier struct {
	mu    sync.Mutex
	items []workItem
}

func newFrontier() *frontier {
	return &frontier{}
}

// Enqueue appends an item to the tail of the queue.
func (f *frontier) Enqueue(item workItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
}

// Dequeue removes and returns the head of the queue. The second return is
// false when the queue is empty.
func (f *frontier) Dequeue() (workItem, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		return workItem{}, false
	}
	item := f.items[0]
	f.items = f.items[1:]
	return item, true
}

// Len returns the number of pending items.
func (f *frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}
