package notify

import (
	"io"
	"sync"
)

// Bell rings the terminal bell.
type Bell struct {
	mu sync.Mutex
	w  io.Writer
}

func NewBell(w io.Writer) *Bell {
	return &Bell{w: w}
}

func (b *Bell) Fire(int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _ = b.w.Write([]byte("\a"))
}

// Badge holds the count shown next to the inbox title. It is raised by
// Fire and cleared by the view once the user has looked at it.
type Badge struct {
	mu    sync.Mutex
	count int
	shown bool
}

func (b *Badge) Fire(count int) {
	b.mu.Lock()
	b.count = count
	b.shown = true
	b.mu.Unlock()
}

func (b *Badge) Value() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count, b.shown
}

func (b *Badge) Clear() {
	b.mu.Lock()
	b.shown = false
	b.mu.Unlock()
}
