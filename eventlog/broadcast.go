package eventlog

import (
	"log/slog"
	"sync"
)

// fanout delivers appended events to subscribers. Slow subscribers lose
// events rather than stall appends; they can catch up with Since.
type fanout struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan Event
	logger *slog.Logger
}

func newFanout(logger *slog.Logger) *fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &fanout{subs: make(map[int]chan Event), logger: logger}
}

func (f *fanout) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(ch)
		}
	}
}

func (f *fanout) publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			f.logger.Warn("event subscriber lagging, dropping event", "subscriber", id, "seq", ev.Seq)
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
