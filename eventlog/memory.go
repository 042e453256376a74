package eventlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bomba-atomica/atomica-sub004/protocol"
)

// MemoryLog keeps the log in process memory. It is used by tests and by
// nodes started without a database path.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
	now    func() time.Time
	fanout *fanout
}

// NewMemoryLog creates an empty log.
func NewMemoryLog(logger *slog.Logger) *MemoryLog {
	return &MemoryLog{now: time.Now, fanout: newFanout(logger)}
}

func (l *MemoryLog) Append(_ context.Context, rec Record) (Event, error) {
	l.mu.Lock()
	ev, err := encode(rec, uint64(len(l.events))+1, l.now())
	if err != nil {
		l.mu.Unlock()
		return Event{}, err
	}
	l.events = append(l.events, ev)
	l.mu.Unlock()

	l.fanout.publish(ev)
	return ev, nil
}

func (l *MemoryLog) Since(_ context.Context, after uint64, limit int) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if after >= uint64(len(l.events)) {
		return nil, nil
	}
	tail := l.events[after:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]Event, len(tail))
	copy(out, tail)
	return out, nil
}

func (l *MemoryLog) ByEpoch(_ context.Context, epoch protocol.EpochID) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for _, ev := range l.events {
		if ev.Epoch == epoch {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (l *MemoryLog) Subscribe(buffer int) (<-chan Event, func()) {
	return l.fanout.subscribe(buffer)
}

func (l *MemoryLog) Close() error {
	l.fanout.closeAll()
	return nil
}
